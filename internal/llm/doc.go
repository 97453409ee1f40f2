// Package llm defines the chat-completion contract shared by the intent
// classifier and the response composer. Providers live in subpackages.
package llm
