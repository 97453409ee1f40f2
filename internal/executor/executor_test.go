package executor

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"

	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/storage"
	"WalletPilot/internal/web3"

	"github.com/shopspring/decimal"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

type stubLedger struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	balErr    error
	transfers []web3.TransferRequest
	sendErr   error
}

func (s *stubLedger) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Name: "stub"}, nil
}

func (s *stubLedger) Balance(_ context.Context, _ string, token web3.Token) (decimal.Decimal, error) {
	if s.balErr != nil {
		return decimal.Zero, s.balErr
	}
	return s.balances[token.Symbol], nil
}

func (s *stubLedger) Transfer(_ context.Context, req web3.TransferRequest) (*web3.TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.transfers = append(s.transfers, req)
	return &web3.TransferResult{Hash: "0xABC", Nonce: 7, Status: web3.TxPending}, nil
}

func (s *stubLedger) TransactionStatus(context.Context, string) (web3.TxStatus, error) {
	return web3.TxPending, nil
}

func (s *stubLedger) Close() {}

func testRegistry(t *testing.T) *web3.Registry {
	t.Helper()
	reg, err := web3.NewRegistry("ETH", []web3.Token{
		{Symbol: "USDC", Kind: web3.TokenERC20, Address: "0x3333333333333333333333333333333333333333", Decimals: 6},
		{Symbol: "USD", Kind: web3.TokenFiat},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func testUsers(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store, err := storage.NewMemoryStore("")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.SaveUser(context.Background(), storage.User{Email: "bob@example.com", Address: bob}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	return store
}

func TestGetBalanceQueriesOnChainTokens(t *testing.T) {
	ledger := &stubLedger{balances: map[string]decimal.Decimal{
		"ETH":  decimal.RequireFromString("1.5"),
		"USDC": decimal.RequireFromString("20"),
	}}
	exec := New(ledger, testRegistry(t), nil)

	got, err := exec.GetBalance(context.Background(), alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if len(got) != 2 || got["ETH"] != "1.5" || got["USDC"] != "20" {
		t.Fatalf("unexpected balances %v", got)
	}
	if _, ok := got["USD"]; ok {
		t.Fatalf("fiat entries have no on-chain balance")
	}
}

func TestGetBalanceWrapsLedgerErrors(t *testing.T) {
	exec := New(&stubLedger{balErr: stdErrors.New("dial tcp: refused")}, testRegistry(t), nil)
	_, err := exec.GetBalance(context.Background(), alice)
	if !stdErrors.Is(err, web3.ErrLedgerUnavailable) {
		t.Fatalf("expected ledger unavailable, got %v", err)
	}

	if _, err := exec.GetBalance(context.Background(), "not-an-address"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestTransferResolvesEmailRecipient(t *testing.T) {
	ledger := &stubLedger{}
	exec := New(ledger, testRegistry(t), testUsers(t))

	res, err := exec.Transfer(context.Background(), TransferRequest{
		From:      alice,
		Recipient: "Bob@Example.com",
		Amount:    decimal.RequireFromString("0.25"),
		Token:     "eth",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.To != bob || res.Hash != "0xabc" || res.Token != "ETH" || res.Status != web3.TxPending {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(ledger.transfers) != 1 || ledger.transfers[0].To != bob || ledger.transfers[0].Token.Symbol != "ETH" {
		t.Fatalf("unexpected ledger calls %+v", ledger.transfers)
	}
}

func TestTransferErrors(t *testing.T) {
	reg := testRegistry(t)
	cases := []struct {
		name   string
		ledger *stubLedger
		req    TransferRequest
		want   error
	}{
		{"unknown email", &stubLedger{}, TransferRequest{From: alice, Recipient: "nobody@example.com", Amount: decimal.NewFromInt(1)}, ErrRecipientUnknown},
		{"bad address", &stubLedger{}, TransferRequest{From: alice, Recipient: "0x123", Amount: decimal.NewFromInt(1)}, web3.ErrInvalidRecipient},
		{"zero amount", &stubLedger{}, TransferRequest{From: alice, Recipient: bob, Amount: decimal.Zero}, ErrInvalidAmount},
		{"fiat token", &stubLedger{}, TransferRequest{From: alice, Recipient: bob, Amount: decimal.NewFromInt(1), Token: "USD"}, web3.ErrUnsupportedToken},
		{"finer than token unit", &stubLedger{}, TransferRequest{From: alice, Recipient: bob, Amount: decimal.RequireFromString("1.1234567"), Token: "USDC"}, web3.ErrAmountPrecision},
		{"insufficient funds", &stubLedger{sendErr: xerrors.Wrap(web3.CodeInsufficientFunds, web3.ErrInsufficientFunds, "余额不足")}, TransferRequest{From: alice, Recipient: bob, Amount: decimal.NewFromInt(1)}, web3.ErrInsufficientFunds},
		{"rpc down", &stubLedger{sendErr: stdErrors.New("connection reset")}, TransferRequest{From: alice, Recipient: bob, Amount: decimal.NewFromInt(1)}, web3.ErrLedgerUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := New(tc.ledger, reg, testUsers(t))
			_, err := exec.Transfer(context.Background(), tc.req)
			if !stdErrors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(tc.ledger.transfers) != 0 {
				t.Fatalf("no transfer should have been broadcast")
			}
		})
	}
}
