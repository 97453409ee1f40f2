// Package redis offers the Redis-backed pieces of the WalletPilot runtime:
// a conversation store with TTL for the agent's memory and a per-address
// distributed lock that serializes transfer execution across replicas.
package redis
