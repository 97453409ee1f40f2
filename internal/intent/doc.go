// Package intent classifies wallet chat messages into a fixed set of intents
// and extracts transfer entities. Model output is untrusted: only the first
// balanced JSON object is read, fields are normalized against the token
// registry, and any failure degrades to a low-confidence GENERAL intent.
package intent
