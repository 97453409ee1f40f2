package intent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"WalletPilot/internal/language"
	"WalletPilot/internal/llm"
	"WalletPilot/internal/memory"
	"WalletPilot/internal/observability/metrics"

	"github.com/shopspring/decimal"
)

func testTokens() *TokenSet {
	ts := NewTokenSet("ETH", "USDC", "USD")
	ts.AddAlias("DOLLARS", "USD")
	return ts
}

func TestExtractObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, true},
		{"prose around", `Sure! {"a":{"b":2}} hope this helps {"c":3}`, `{"a":{"b":2}}`, true},
		{"braces in string", `{"a":"}{","b":"\"}"}`, `{"a":"}{","b":"\"}"}`, true},
		{"unbalanced then valid", `{ broken {"ok":true}`, `{"ok":true}`, true},
		{"outer never closed", `{"a":{"b":1}`, `{"b":1}`, true},
		{"none", `no json here`, ``, false},
		{"code fence", "```json\n{\"intent\":\"GENERAL\"}\n```", `{"intent":"GENERAL"}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractObject(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("ExtractObject(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestParseMalformedRepliesFallBack(t *testing.T) {
	replies := []string{
		"",
		"I think you want to send money",
		"{not json}",
		`{"confidence":0.9}`,
		`{"intent":"BUY_NFT","confidence":0.9}`,
		`{"intent":42}`,
		`["TRANSFER"]`,
		`{"intent":"TRANSFER"`,
	}
	want := Default()
	for _, reply := range replies {
		got := Parse(reply, testTokens())
		if got.Type != want.Type || got.Confidence != want.Confidence || got.NeedsMoreInfo != want.NeedsMoreInfo {
			t.Fatalf("Parse(%q) = %+v, want default", reply, got)
		}
	}
}

func TestParseTransfer(t *testing.T) {
	raw := `Here you go: {"intent":"transfer","confidence":"0.93","needsMoreInfo":false,
		"entities":{"recipient":" Alice@Example.com ","amount":"50 USD","token":"usd"}}`
	got := Parse(raw, testTokens())
	if got.Type != Transfer || got.Confidence != 0.93 {
		t.Fatalf("unexpected intent %+v", got)
	}
	e := got.Entities
	if e.Recipient != "alice@example.com" || e.RecipientKind != RecipientEmail {
		t.Fatalf("unexpected recipient %+v", e)
	}
	if e.Amount == nil || !e.Amount.Equal(decimal.NewFromInt(50)) || e.Token != "USD" {
		t.Fatalf("unexpected amount/token %+v", e)
	}
	if got.NeedsMoreInfo || len(got.Missing) != 0 {
		t.Fatalf("complete transfer flagged as missing info: %+v", got)
	}
}

func TestNormalizeEntities(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		amount     string
		token      string
		kind       RecipientKind
		confidence float64
	}{
		{"negative amount dropped", `{"intent":"TRANSFER","entities":{"recipient":"0xabc","amount":-5}}`, "", "ETH", RecipientAddress, 0.5},
		{"string nan dropped", `{"intent":"TRANSFER","entities":{"recipient":"0xabc","amount":"NaN"}}`, "", "ETH", RecipientAddress, 0.5},
		{"unknown token defaults", `{"intent":"TRANSFER","entities":{"recipient":"0xabc","amount":1.5,"token":"doge"}}`, "1.5", "ETH", RecipientAddress, 0.5},
		{"alias token", `{"intent":"TRANSFER","entities":{"recipient":"0xabc","amount":"2,5","token":"dollars"}}`, "2.5", "USD", RecipientAddress, 0.5},
		{"thousands separator", `{"intent":"TRANSFER","entities":{"recipient":"0xabc","amount":"1,000"}}`, "1000", "ETH", RecipientAddress, 0.5},
		{"confidence clamped high", `{"intent":"TRANSFER","confidence":7,"entities":{"recipient":"0xabc","amount":1}}`, "1", "ETH", RecipientAddress, 1},
		{"confidence clamped low", `{"intent":"TRANSFER","confidence":-1,"entities":{"recipient":"0xabc","amount":1}}`, "1", "ETH", RecipientAddress, 0},
		{"confidence garbage", `{"intent":"TRANSFER","confidence":"high","entities":{"recipient":"0xabc","amount":1}}`, "1", "ETH", RecipientAddress, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Parse(tc.raw, testTokens())
			if got.Type != Transfer {
				t.Fatalf("unexpected type %s", got.Type)
			}
			if tc.amount == "" {
				if got.Entities.Amount != nil {
					t.Fatalf("expected amount to be dropped, got %s", got.Entities.Amount)
				}
				if !got.NeedsMoreInfo || !contains(got.Missing, "amount") {
					t.Fatalf("missing amount not reported: %+v", got)
				}
			} else if got.Entities.Amount == nil || !got.Entities.Amount.Equal(decimal.RequireFromString(tc.amount)) {
				t.Fatalf("amount = %v, want %s", got.Entities.Amount, tc.amount)
			}
			if got.Entities.Token != tc.token {
				t.Fatalf("token = %s, want %s", got.Entities.Token, tc.token)
			}
			if got.Entities.RecipientKind != tc.kind {
				t.Fatalf("kind = %s, want %s", got.Entities.RecipientKind, tc.kind)
			}
			if got.Confidence != tc.confidence {
				t.Fatalf("confidence = %v, want %v", got.Confidence, tc.confidence)
			}
		})
	}
}

func TestNormalizeFollowUpShape(t *testing.T) {
	fields, ok := DecodeObject(`{"type":"CHECK_BALANCE","params":{"token":"usdc"}}`)
	if !ok {
		t.Fatalf("decode failed")
	}
	got, ok := Normalize(fields, testTokens())
	if !ok || got.Type != CheckBalance || got.Entities.Token != "USDC" {
		t.Fatalf("unexpected follow-up %+v ok=%v", got, ok)
	}
}

func TestValidateAgainstSchema(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"classifier shape", `{"intent":"TRANSFER","confidence":0.9,"entities":{"recipient":"0xabc","amount":"5"}}`, true},
		{"follow-up shape", `{"type":"check balance","params":{"token":"usdc"}}`, true},
		{"hyphenated lowercase", `{"intent":"view-history","entities":null}`, true},
		{"unknown intent", `{"intent":"BUY_NFT"}`, false},
		{"no intent name", `{"confidence":0.4}`, false},
		{"numeric intent", `{"intent":7}`, false},
		{"entities not an object", `{"intent":"TRANSFER","entities":"bob"}`, false},
		{"boolean amount", `{"intent":"TRANSFER","entities":{"amount":true}}`, false},
		{"nested recipient", `{"type":"TRANSFER","params":{"recipient":{"email":"a@b.co"}}}`, false},
		{"missing not a list", `{"intent":"TRANSFER","missing":"amount"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields, ok := DecodeObject(tc.raw)
			if !ok {
				t.Fatalf("decode %q failed", tc.raw)
			}
			err := Validate(fields)
			if (err == nil) != tc.ok {
				t.Fatalf("Validate(%s) err=%v, want ok=%v", tc.raw, err, tc.ok)
			}
			if _, normalized := Normalize(fields, testTokens()); normalized != tc.ok {
				t.Fatalf("Normalize(%s) ok=%v, want %v", tc.raw, normalized, tc.ok)
			}
		})
	}
}

func TestClassifierCountsLLMCalls(t *testing.T) {
	okBefore := metrics.Count("walletpilot_llm_calls_total", "classifier", "ok")
	errBefore := metrics.Count("walletpilot_llm_calls_total", "classifier", "error")

	NewClassifier(&stubLLM{reply: `{"intent":"GENERAL"}`}, testTokens()).
		Classify(context.Background(), "hello", language.English, nil)
	NewClassifier(&stubLLM{err: errors.New("down")}, testTokens()).
		Classify(context.Background(), "hello", language.English, nil)

	if got := metrics.Count("walletpilot_llm_calls_total", "classifier", "ok"); got != okBefore+1 {
		t.Fatalf("ok calls = %d, want %d", got, okBefore+1)
	}
	if got := metrics.Count("walletpilot_llm_calls_total", "classifier", "error"); got != errBefore+1 {
		t.Fatalf("error calls = %d, want %d", got, errBefore+1)
	}
}

func TestHistoryCountCapped(t *testing.T) {
	got := Parse(`{"intent":"VIEW_HISTORY","entities":{"count":"500"}}`, testTokens())
	if got.Entities.Count != maxHistoryCount {
		t.Fatalf("count = %d", got.Entities.Count)
	}
}

type stubLLM struct {
	reply string
	err   error
	delay time.Duration
	last  llm.Request
}

func (s *stubLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.reply}, nil
}

type staticRate struct{}

func (staticRate) Rate(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(2500), nil
}

func (staticRate) Fiat() string {
	return "USD"
}

func TestClassifierBuildsPrompt(t *testing.T) {
	stub := &stubLLM{reply: `{"intent":"CHECK_BALANCE","confidence":0.8}`}
	c := NewClassifier(stub, testTokens(), WithRateSource(staticRate{}), WithHistoryLimit(2))

	history := []memory.Message{
		{Role: memory.RoleSystem, Content: "sys"},
		{Role: memory.RoleUser, Content: "one"},
		{Role: memory.RoleAssistant, Content: "two"},
		{Role: memory.RoleUser, Content: "three"},
	}
	got := c.Classify(context.Background(), "¿cuál es mi saldo?", language.Spanish, history)
	if got.Type != CheckBalance || got.Confidence != 0.8 {
		t.Fatalf("unexpected intent %+v", got)
	}

	req := stub.last
	if !req.JSONMode || req.Temperature == nil || *req.Temperature != 0 {
		t.Fatalf("classifier must use json mode at temperature 0: %+v", req)
	}
	if len(req.Messages) != 4 {
		t.Fatalf("expected system + 2 history + user, got %d", len(req.Messages))
	}
	system := req.Messages[0].Content
	for _, want := range []string{"2500.00 USD", "TRANSFER", "USDC", "Spanish"} {
		if !strings.Contains(system, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, system)
		}
	}
	if req.Messages[1].Content != "two" || req.Messages[3].Content != "¿cuál es mi saldo?" {
		t.Fatalf("unexpected message order %+v", req.Messages)
	}
}

func TestClassifierRecoversFromFailures(t *testing.T) {
	cases := []struct {
		name string
		stub *stubLLM
	}{
		{"llm error", &stubLLM{err: errors.New("boom")}},
		{"timeout", &stubLLM{reply: `{"intent":"TRANSFER"}`, delay: time.Second}},
		{"prose", &stubLLM{reply: "I am not sure what you mean."}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewClassifier(tc.stub, testTokens(), WithTimeout(20*time.Millisecond))
			got := c.Classify(context.Background(), "send 5 to bob", language.English, nil)
			if got.Type != General || got.Confidence != DefaultConfidence || got.NeedsMoreInfo {
				t.Fatalf("expected default intent, got %+v", got)
			}
		})
	}
}

func TestTokenSetSymbols(t *testing.T) {
	ts := NewTokenSet("eth", "usdc", "usd", "")
	got := ts.Symbols()
	if strings.Join(got, ",") != "ETH,USD,USDC" {
		t.Fatalf("unexpected symbols %v", got)
	}
	if _, ok := ts.Resolve("btc"); ok {
		t.Fatalf("unknown symbol resolved")
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
