// Package storage defines the persistence contracts used by the wallet agent:
// contacts that map emails to addresses, the append-only transaction log that
// feeds history and spending windows, and per-wallet limits. MemoryStore is a
// journaled in-process implementation used for local development and tests.
package storage
