// Package agent contains the conversational orchestrator. Each message moves
// through language detection, intent classification and context enrichment;
// transfers are additionally checked against the wallet's limits, parked for
// confirmation when required, and executed under a per-address lock with an
// idempotency key before the reply is composed and the conversation saved.
package agent
