// Package pricing supplies the native-asset to fiat exchange rate used by the
// intent classifier prompt and by fiat-denominated transfers.
package pricing
