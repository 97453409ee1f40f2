// Package web3 houses blockchain connectivity for the wallet agent: the
// ledger client interface, the YAML chain and token registry, the signing
// key ring and the typed ledger errors surfaced to the conversation layer.
// Concrete EVM support lives in the ethereum subpackage.
package web3
