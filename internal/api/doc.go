// Package api exposes the WalletPilot HTTP boundary: the chat endpoint, limit
// and contact maintenance, direct balance and history reads, conversation
// reset and the Prometheus metrics endpoint. Every JSON response uses the
// {success, message, data} envelope.
package api
