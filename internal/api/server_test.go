package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"WalletPilot/internal/agent"
	xerrors "WalletPilot/internal/errors"
	"WalletPilot/internal/limits"
	"WalletPilot/internal/storage"
	"WalletPilot/internal/web3"

	"github.com/shopspring/decimal"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

type stubChat struct {
	resp    *agent.Response
	err     error
	got     agent.Request
	cleared []string
}

func (s *stubChat) HandleMessage(_ context.Context, req agent.Request) (*agent.Response, error) {
	s.got = req
	return s.resp, s.err
}

func (s *stubChat) ClearConversation(_ context.Context, key string) error {
	s.cleared = append(s.cleared, key)
	return nil
}

type stubBalances struct {
	balances map[string]string
	err      error
}

func (s stubBalances) GetBalance(context.Context, string) (map[string]string, error) {
	return s.balances, s.err
}

type stubChain struct{ err error }

func (s stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	if s.err != nil {
		return web3.ChainSnapshot{}, s.err
	}
	return web3.ChainSnapshot{Name: "sepolia", ChainID: "11155111", BlockNumber: "42"}, nil
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type harness struct {
	handler http.Handler
	store   *storage.MemoryStore
	chat    *stubChat
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewMemoryStore("")
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	tokens, err := web3.NewRegistry("ETH", []web3.Token{{Symbol: "ETH", Kind: web3.TokenNative, Decimals: 18}})
	if err != nil {
		t.Fatalf("create registry: %v", err)
	}
	now := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
	guard := limits.NewGuard(store, store, limits.WithClock(func() time.Time { return now }))
	chat := &stubChat{}
	server := NewServer(":0", Dependencies{
		Chat:         chat,
		Limits:       guard,
		Users:        store,
		Transactions: store,
		Balances:     stubBalances{balances: map[string]string{"ETH": "1.5"}},
		Chain:        stubChain{},
		Tokens:       tokens,
	}, WithAllowedOrigins([]string{"https://wallet.example"}))
	return &harness{handler: server.Handler(), store: store, chat: chat}
}

func (h *harness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out response
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, out
}

func TestChatEndpoint(t *testing.T) {
	h := newHarness(t)

	h.chat.resp = &agent.Response{Reply: "You have 1.5 ETH.", Language: "en", SessionKey: alice}
	rec, out := h.do(t, http.MethodPost, "/api/v1/chat", `{"message":"what is my balance","address":"`+alice+`"}`)
	if rec.Code != http.StatusOK || !out.Success {
		t.Fatalf("unexpected response: %d %+v", rec.Code, out)
	}
	if out.Message != "You have 1.5 ETH." {
		t.Fatalf("unexpected message: %q", out.Message)
	}
	if h.chat.got.Address != alice {
		t.Fatalf("address not forwarded: %+v", h.chat.got)
	}

	h.chat.resp = &agent.Response{
		Reply:  "I can't send that.",
		Action: &agent.Action{Status: agent.ActionRejected},
	}
	rec, out = h.do(t, http.MethodPost, "/api/v1/chat", `{"message":"send 500 ETH to `+bob+`","address":"`+alice+`"}`)
	if rec.Code != http.StatusOK || out.Success {
		t.Fatalf("rejection should be 200 with success=false, got %d %+v", rec.Code, out)
	}

	h.chat.resp = nil
	h.chat.err = xerrors.Wrap(xerrors.CodeStorageFailure, errors.New("dial tcp: refused"), "读取会话记忆失败")
	rec, out = h.do(t, http.MethodPost, "/api/v1/chat", `{"message":"hi","session_id":"s-1"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(out.Message, "refused") {
		t.Fatalf("internal detail leaked: %q", out.Message)
	}
}

func TestChatValidation(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "malformed json", body: `{"message":`},
		{name: "missing message", body: `{"address":"` + alice + `"}`},
		{name: "missing session", body: `{"message":"hello"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, out := h.do(t, http.MethodPost, "/api/v1/chat", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if out.Success {
				t.Fatalf("expected success=false")
			}
		})
	}
}

func TestLimitsEndpoints(t *testing.T) {
	h := newHarness(t)
	path := "/api/v1/limits/" + alice

	rec, out := h.do(t, http.MethodGet, path, "")
	if rec.Code != http.StatusOK || !out.Success {
		t.Fatalf("get limits: %d %+v", rec.Code, out)
	}
	var got limits.Limits
	if err := json.Unmarshal(out.Data, &got); err != nil {
		t.Fatalf("decode limits: %v", err)
	}
	if !got.MaxPerTx.Equal(decimal.NewFromInt(100)) || got.MaxTxPerDay != 5 {
		t.Fatalf("expected defaults, got %+v", got)
	}

	rec, out = h.do(t, http.MethodPut, path, `{"max_per_tx":"50","whitelist":["`+strings.ToUpper(bob)+`"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update limits: %d %+v", rec.Code, out)
	}

	rec, out = h.do(t, http.MethodPost, path+"/check", `{"amount":"60","to":"`+bob+`"}`)
	if rec.Code != http.StatusOK || out.Success {
		t.Fatalf("over-limit check should be 200 success=false, got %d %+v", rec.Code, out)
	}
	var verdict limits.Verdict
	if err := json.Unmarshal(out.Data, &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if verdict.Code != limits.ReasonPerTx || !strings.Contains(verdict.Reason, "50") {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}

	rec, out = h.do(t, http.MethodDelete, path, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset limits: %d", rec.Code)
	}
	if err := json.Unmarshal(out.Data, &got); err != nil {
		t.Fatalf("decode limits: %v", err)
	}
	if !got.MaxPerTx.Equal(decimal.NewFromInt(100)) || len(got.Whitelist) != 0 {
		t.Fatalf("reset did not restore defaults: %+v", got)
	}

	rec, out = h.do(t, http.MethodPost, path+"/check", `{"amount":10,"to":"`+bob+`"}`)
	if rec.Code != http.StatusOK || !out.Success {
		t.Fatalf("within-limit check should pass, got %d %+v", rec.Code, out)
	}
}

func TestLimitsValidation(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "invalid address", method: http.MethodGet, path: "/api/v1/limits/not-an-address", want: http.StatusBadRequest},
		{name: "missing amount", method: http.MethodPost, path: "/api/v1/limits/" + alice + "/check", body: `{"to":"` + bob + `"}`, want: http.StatusBadRequest},
		{name: "negative amount", method: http.MethodPost, path: "/api/v1/limits/" + alice + "/check", body: `{"amount":"-1"}`, want: http.StatusBadRequest},
		{name: "invalid patch", method: http.MethodPut, path: "/api/v1/limits/" + alice, body: `{"max_tx_per_day":-3}`, want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := h.do(t, tc.method, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestContactsEndpoints(t *testing.T) {
	h := newHarness(t)

	rec, out := h.do(t, http.MethodPost, "/api/v1/contacts", `{"email":"Bob@Example.com","address":"`+bob+`","name":"Bob"}`)
	if rec.Code != http.StatusOK || !out.Success {
		t.Fatalf("save contact: %d %+v", rec.Code, out)
	}

	rec, out = h.do(t, http.MethodGet, "/api/v1/contacts/bob@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get contact: %d", rec.Code)
	}
	var user storage.User
	if err := json.Unmarshal(out.Data, &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.Address != bob || user.Email != "bob@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}

	rec, _ = h.do(t, http.MethodGet, "/api/v1/contacts/carol@example.com", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown contact, got %d", rec.Code)
	}

	rec, _ = h.do(t, http.MethodPost, "/api/v1/contacts", `{"email":"carol@example.com","address":"0x123"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid address, got %d", rec.Code)
	}

	rec, out = h.do(t, http.MethodGet, "/api/v1/users", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list users: %d", rec.Code)
	}
	var users []storage.User
	if err := json.Unmarshal(out.Data, &users); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected one user, got %d", len(users))
	}
}

func TestBalancesAndTransactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, hash := range []string{"0xaa", "0xbb", "0xcc"} {
		err := h.store.RecordTransaction(ctx, storage.Transaction{
			Hash:      hash,
			From:      alice,
			To:        bob,
			Amount:    decimal.NewFromInt(int64(i + 1)),
			Token:     "ETH",
			Status:    storage.TxSubmitted,
			CreatedAt: time.Date(2024, 5, 20, 10, i, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("record transaction: %v", err)
		}
	}

	rec, out := h.do(t, http.MethodGet, "/api/v1/balances/"+alice, "")
	if rec.Code != http.StatusOK || !strings.Contains(string(out.Data), `"ETH":"1.5"`) {
		t.Fatalf("unexpected balances response: %d %s", rec.Code, out.Data)
	}

	rec, out = h.do(t, http.MethodGet, "/api/v1/transactions/"+alice+"?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list transactions: %d", rec.Code)
	}
	var txs []storage.Transaction
	if err := json.Unmarshal(out.Data, &txs); err != nil {
		t.Fatalf("decode transactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}

	rec, _ = h.do(t, http.MethodGet, "/api/v1/transactions/"+alice+"?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestClearConversation(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodDelete, "/api/v1/conversations/"+strings.ToUpper("0x"+bob[2:]), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear conversation: %d", rec.Code)
	}
	rec, _ = h.do(t, http.MethodDelete, "/api/v1/conversations/Session-A", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear conversation: %d", rec.Code)
	}
	if len(h.chat.cleared) != 2 || h.chat.cleared[0] != bob || h.chat.cleared[1] != "Session-A" {
		t.Fatalf("unexpected cleared keys: %v", h.chat.cleared)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	rec, out := h.do(t, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK || !out.Success {
		t.Fatalf("status: %d %+v", rec.Code, out)
	}
	var payload statusPayload
	if err := json.Unmarshal(out.Data, &payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.Status != "ok" || payload.Native != "ETH" {
		t.Fatalf("unexpected status payload: %+v", payload)
	}

	degraded := NewServer(":0", Dependencies{Chain: stubChain{err: errors.New("rpc down")}})
	rec = httptest.NewRecorder()
	degraded.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Fatalf("expected degraded status, got %s", rec.Body.String())
	}
}

func TestMissingDependencies(t *testing.T) {
	handler := NewServer(":0", Dependencies{}).Handler()
	for _, path := range []string{"/api/v1/users", "/api/v1/balances/" + alice, "/api/v1/limits/" + alice} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, rec.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "https://wallet.example")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://wallet.example" {
		t.Fatalf("missing allow-origin header: %v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected allow-origin for foreign origin")
	}
}

func TestMetricsRoute(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/api/v1/status", "")

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/api/v1/status") {
		t.Fatalf("expected route pattern in metrics output")
	}
}
