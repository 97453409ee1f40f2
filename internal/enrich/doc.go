// Package enrich gathers the context a reply needs before it is written:
// transfer summaries with resolved recipients and fiat conversion, recent
// transaction history, balances across the token registry and help content.
// Deterministic blocks are exposed separately as facts so they can be
// rendered without a model call.
package enrich
