package web3

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyRing holds the signing keys of wallets the service may move funds for.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewKeyRing parses hex-encoded secp256k1 private keys (0x prefix optional).
func NewKeyRing(hexKeys ...string) (*KeyRing, error) {
	kr := &KeyRing{keys: make(map[common.Address]*ecdsa.PrivateKey)}
	for i, raw := range hexKeys {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if raw == "" {
			continue
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("解析第 %d 个签名私钥失败: %w", i+1, err)
		}
		kr.Add(key)
	}
	return kr, nil
}

// ParseKeyList splits a comma separated list, as stored in the signer env var.
func ParseKeyList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Add registers a key and returns its address.
func (k *KeyRing) Add(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.mu.Lock()
	k.keys[addr] = key
	k.mu.Unlock()
	return addr
}

// Signer returns the key for address.
func (k *KeyRing) Signer(address string) (*ecdsa.PrivateKey, bool) {
	if k == nil || !common.IsHexAddress(address) {
		return nil, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[common.HexToAddress(address)]
	return key, ok
}

// Addresses lists managed addresses.
func (k *KeyRing) Addresses() []string {
	if k == nil {
		return nil
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for addr := range k.keys {
		out = append(out, addr.Hex())
	}
	return out
}
