package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"WalletPilot/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/shopspring/decimal"
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func newSimulated(t *testing.T) (*simulated.Backend, *Client, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys, err := web3.NewKeyRing()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	from := keys.Add(key)

	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: ether(10)},
	}, simulated.WithBlockGasLimit(8_000_000))
	t.Cleanup(func() { _ = backend.Close() })

	client := NewWithBackend("simulated", backend.Client(), keys)
	t.Cleanup(client.Close)
	return backend, client, from
}

func TestSimulatedTransferLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	backend, client, from := newSimulated(t)

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" || snapshot.Name != "simulated" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	balance, err := client.Balance(ctx, from.Hex(), web3.Token{Symbol: "ETH", Kind: web3.TokenNative, Decimals: 18})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected balance %s", balance)
	}

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	result, err := client.Transfer(ctx, web3.TransferRequest{
		From:   from.Hex(),
		To:     recipient.Hex(),
		Amount: decimal.RequireFromString("1.5"),
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if result.Status != web3.TxPending || result.Hash == "" {
		t.Fatalf("unexpected transfer result %+v", result)
	}

	backend.Commit()

	status, err := client.TransactionStatus(ctx, result.Hash)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != web3.TxConfirmed {
		t.Fatalf("expected confirmed, got %s", status)
	}

	got, err := client.Balance(ctx, recipient.Hex(), web3.Token{Kind: web3.TokenNative})
	if err != nil {
		t.Fatalf("recipient balance: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("recipient balance = %s", got)
	}
}

func TestSimulatedTransferErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, client, from := newSimulated(t)
	to := "0x00000000000000000000000000000000000000bb"

	_, err := client.Transfer(ctx, web3.TransferRequest{From: from.Hex(), To: to, Amount: decimal.NewFromInt(100)})
	if !errors.Is(err, web3.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	_, err = client.Transfer(ctx, web3.TransferRequest{From: from.Hex(), To: "bob", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, web3.ErrInvalidRecipient) {
		t.Fatalf("expected invalid recipient, got %v", err)
	}

	stranger := "0x00000000000000000000000000000000000000cc"
	_, err = client.Transfer(ctx, web3.TransferRequest{From: stranger, To: to, Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, web3.ErrSignerUnavailable) {
		t.Fatalf("expected signer unavailable, got %v", err)
	}
}

type fakeBackend struct {
	tokenBalance *big.Int
	balanceErr   error
	sent         []*coretypes.Transaction
	receipt      *coretypes.Receipt
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 7, nil }

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return ether(1), nil
}

func (f *fakeBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	parsed := NewWithBackend("", f, nil).erc20
	return parsed.Methods["balanceOf"].Outputs.Pack(f.tokenBalance)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 3, nil }

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{Number: big.NewInt(7), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	if f.receipt == nil {
		return nil, gethcore.NotFound
	}
	return f.receipt, nil
}

func TestERC20TransferEncodesCall(t *testing.T) {
	key, _ := crypto.GenerateKey()
	keys, _ := web3.NewKeyRing()
	from := keys.Add(key)

	fake := &fakeBackend{tokenBalance: big.NewInt(10_000_000)}
	client := NewWithBackend("fake", fake, keys)
	usdc := web3.Token{Symbol: "USDC", Kind: web3.TokenERC20, Address: "0x00000000000000000000000000000000000000dd", Decimals: 6}

	balance, err := client.Balance(context.Background(), from.Hex(), usdc)
	if err != nil || !balance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("token balance = %s err=%v", balance, err)
	}

	to := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	res, err := client.Transfer(context.Background(), web3.TransferRequest{From: from.Hex(), To: to.Hex(), Amount: decimal.RequireFromString("2.5"), Token: usdc})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Nonce != 3 || len(fake.sent) != 1 {
		t.Fatalf("unexpected result %+v sent=%d", res, len(fake.sent))
	}

	tx := fake.sent[0]
	if tx.To() == nil || *tx.To() != common.HexToAddress(usdc.Address) || tx.Value().Sign() != 0 {
		t.Fatalf("token transfer must call the contract without value")
	}
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil || sender != from {
		t.Fatalf("unexpected sender %s err=%v", sender.Hex(), err)
	}
	method, err := client.erc20.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "transfer" {
		t.Fatalf("unexpected method %v err=%v", method, err)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(common.Address) != to || args[1].(*big.Int).Cmp(big.NewInt(2_500_000)) != 0 {
		t.Fatalf("unexpected transfer args %v", args)
	}
	if tx.GasFeeCap().Cmp(big.NewInt(3_000_000_000)) != 0 {
		t.Fatalf("fee cap should be 2*base+tip, got %s", tx.GasFeeCap())
	}

	_, err = client.Transfer(context.Background(), web3.TransferRequest{From: from.Hex(), To: to.Hex(), Amount: decimal.NewFromInt(11), Token: usdc})
	if !errors.Is(err, web3.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient token funds, got %v", err)
	}
}

func TestStatusAndLedgerErrors(t *testing.T) {
	fake := &fakeBackend{balanceErr: errors.New("connection refused")}
	client := NewWithBackend("fake", fake, nil)

	status, err := client.TransactionStatus(context.Background(), "0x01")
	if err != nil || status != web3.TxPending {
		t.Fatalf("missing receipt should be pending, got %s err=%v", status, err)
	}
	fake.receipt = &coretypes.Receipt{Status: coretypes.ReceiptStatusFailed}
	if status, _ := client.TransactionStatus(context.Background(), "0x01"); status != web3.TxFailed {
		t.Fatalf("expected failed, got %s", status)
	}

	_, err = client.Balance(context.Background(), "0x00000000000000000000000000000000000000aa", web3.Token{Kind: web3.TokenNative})
	if !errors.Is(err, web3.ErrLedgerUnavailable) {
		t.Fatalf("expected ledger unavailable, got %v", err)
	}

	_, err = client.Balance(context.Background(), "0x00000000000000000000000000000000000000aa", web3.Token{Symbol: "USD", Kind: web3.TokenFiat})
	if !errors.Is(err, web3.ErrUnsupportedToken) {
		t.Fatalf("expected unsupported token, got %v", err)
	}
}

func TestBaseUnitConversion(t *testing.T) {
	eth := web3.Token{Symbol: "ETH", Kind: web3.TokenNative, Decimals: 18}
	wei, err := toBaseUnits(decimal.RequireFromString("0.000000000000000001"), eth)
	if err != nil || wei.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("one wei = %s err=%v", wei, err)
	}
	if _, err := toBaseUnits(decimal.RequireFromString("0.0000000000000000019"), eth); !errors.Is(err, web3.ErrAmountPrecision) {
		t.Fatalf("sub-wei precision must be rejected, got %v", err)
	}
	usdc := web3.Token{Symbol: "USDC", Kind: web3.TokenERC20, Decimals: 6}
	if units, err := toBaseUnits(decimal.RequireFromString("1.500000"), usdc); err != nil || units.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("trailing zeros are exact, got %s err=%v", units, err)
	}
	if _, err := toBaseUnits(decimal.RequireFromString("1.1234567"), usdc); !errors.Is(err, web3.ErrAmountPrecision) {
		t.Fatalf("seven decimals must be rejected for USDC, got %v", err)
	}
	if got := fromBaseUnits(big.NewInt(1_230_000), 6); !got.Equal(decimal.RequireFromString("1.23")) {
		t.Fatalf("unexpected conversion %s", got)
	}
}
