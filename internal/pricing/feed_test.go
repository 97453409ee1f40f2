package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"WalletPilot/internal/config"

	"github.com/shopspring/decimal"
)

func TestHTTPFeedCachesAndFallsBack(t *testing.T) {
	var hits atomic.Int32
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"ethereum":{"usd":2500.5}}`)
	}))
	defer srv.Close()

	now := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
	feed := NewHTTPFeed(srv.URL, "ethereum.usd", "usd", time.Minute,
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return now }),
	)
	if feed.Fiat() != "USD" {
		t.Fatalf("fiat = %s", feed.Fiat())
	}

	rate, err := feed.Rate(context.Background())
	if err != nil || !rate.Equal(decimal.RequireFromString("2500.5")) {
		t.Fatalf("rate = %s err=%v", rate, err)
	}
	_, _ = feed.Rate(context.Background())
	if hits.Load() != 1 {
		t.Fatalf("cached rate should not refetch, hits=%d", hits.Load())
	}

	now = now.Add(2 * time.Minute)
	failing.Store(true)
	rate, err = feed.Rate(context.Background())
	if err != nil || !rate.Equal(decimal.RequireFromString("2500.5")) {
		t.Fatalf("stale cache should be served on failure, got %s err=%v", rate, err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expired cache should refetch, hits=%d", hits.Load())
	}
}

func TestHTTPFeedUsesFallbackWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"price":"n/a"}`)
	}))
	defer srv.Close()

	feed := NewHTTPFeed(srv.URL, "price", "USD", time.Minute,
		WithHTTPClient(srv.Client()),
		WithFallback(NewStaticFeed("USD", decimal.NewFromInt(3000))),
	)
	rate, err := feed.Rate(context.Background())
	if err != nil || !rate.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("fallback rate = %s err=%v", rate, err)
	}

	noFallback := NewHTTPFeed(srv.URL, "price", "USD", time.Minute, WithHTTPClient(srv.Client()))
	if _, err := noFallback.Rate(context.Background()); err == nil {
		t.Fatalf("expected error without fallback")
	}
}

func TestExtractRate(t *testing.T) {
	cases := []struct {
		body string
		path string
		want string
		ok   bool
	}{
		{`{"usd": 1800}`, "usd", "1800", true},
		{`{"data":{"rates":{"USD":"2451.12"}}}`, "data.rates.USD", "2451.12", true},
		{`{"usd": -1}`, "usd", "", false},
		{`{"usd": {"x": 1}}`, "usd", "", false},
		{`[1,2]`, "usd", "", false},
		{`not json`, "usd", "", false},
	}
	for _, tc := range cases {
		got, err := extractRate([]byte(tc.body), splitPath(tc.path))
		if tc.ok != (err == nil) {
			t.Fatalf("%s: ok=%v err=%v", tc.body, tc.ok, err)
		}
		if tc.ok && !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("%s: got %s want %s", tc.body, got, tc.want)
		}
	}
}

func TestToNativeRoundsToSixDecimals(t *testing.T) {
	got, err := ToNative(decimal.NewFromInt(50), decimal.NewFromInt(3000))
	if err != nil {
		t.Fatalf("to native: %v", err)
	}
	if got.String() != "0.016667" {
		t.Fatalf("50/3000 = %s", got)
	}
	if _, err := ToNative(decimal.NewFromInt(1), decimal.Zero); err == nil {
		t.Fatalf("expected error for zero rate")
	}
}

func TestFromConfig(t *testing.T) {
	feed := FromConfig(config.PricingConfig{FiatSymbol: "eur", StaticRate: 2800})
	if _, ok := feed.(*StaticFeed); !ok || feed.Fiat() != "EUR" {
		t.Fatalf("expected static EUR feed, got %T %s", feed, feed.Fiat())
	}
	feed = FromConfig(config.PricingConfig{FiatSymbol: "USD", StaticRate: 2800, FeedURL: "http://example", FeedField: "usd", CacheSeconds: 30})
	if _, ok := feed.(*HTTPFeed); !ok {
		t.Fatalf("expected http feed, got %T", feed)
	}
}
