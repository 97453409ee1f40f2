package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestHistogramBuckets(t *testing.T) {
	h := newHistogram()
	h.observe(0.2)
	h.observe(100)
	if h.count != 2 {
		t.Fatalf("count = %d", h.count)
	}
	// 0.2 falls into 0.25 and every larger bucket, 100 only into +Inf.
	if h.counts[0] != 0 || h.counts[2] != 1 || h.counts[len(h.counts)-1] != 1 {
		t.Fatalf("unexpected buckets %v", h.counts)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/balances/{address}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/metrics", Handler().ServeHTTP)

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/balances/0xabc")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	want := `walletpilot_http_requests_total{handler="/api/v1/balances/{address}",method="GET",code="418"} 1`
	if !strings.Contains(string(body), want) {
		t.Fatalf("metrics output missing %q:\n%s", want, body)
	}
}

func TestDomainCounters(t *testing.T) {
	before := Count(namespace+"_limit_checks_total", "rejected", "per_tx")
	ObserveLimitCheck(false, "per_tx")
	ObserveLimitCheck(true, "")
	if got := Count(namespace+"_limit_checks_total", "rejected", "per_tx"); got != before+1 {
		t.Fatalf("counter = %d, want %d", got, before+1)
	}

	ObserveChatTurn("TRANSFER", "es")
	ObserveHTTPRequest("/x", "GET", 500, time.Millisecond)
	out := Render()
	for _, want := range []string{
		`walletpilot_chat_turns_total{intent="TRANSFER",language="es"}`,
		`walletpilot_limit_checks_total{result="allowed",code="none"}`,
		`walletpilot_http_request_errors_total{handler="/x",method="GET"} 1`,
		"# TYPE walletpilot_transfers_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q", want)
		}
	}
}
