package web3

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChainSnapshot represents summarized network metadata for status reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// TxStatus is the settlement state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TransferRequest describes a value transfer signed by From.
type TransferRequest struct {
	From   string
	To     string
	Amount decimal.Decimal
	Token  Token
}

// TransferResult is returned once the transaction has been broadcast.
type TransferResult struct {
	Hash   string   `json:"hash"`
	Nonce  uint64   `json:"nonce"`
	Status TxStatus `json:"status"`
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can read balances and move funds uniformly.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Balance(ctx context.Context, address string, token Token) (decimal.Decimal, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	TransactionStatus(ctx context.Context, hash string) (TxStatus, error)
	Close()
}
