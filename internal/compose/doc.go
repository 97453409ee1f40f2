// Package compose turns an enriched turn into the assistant's reply, preferring
// deterministic templates and falling back to localized text when the model is
// unavailable.
package compose
