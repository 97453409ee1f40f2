// Package config loads the WalletPilot runtime configuration from a JSON file,
// fills in defaults relative to the file's directory and validates the driver
// and policy selections before any backend is dialed.
package config
