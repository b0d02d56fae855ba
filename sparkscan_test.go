package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond)

	if !cb.Allow() {
		t.Fatal("new breaker should allow requests")
	}
	if cb.State() != "closed" {
		t.Errorf("State = %q, want closed", cb.State())
	}

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != "open" {
		t.Fatalf("State after threshold failures = %q, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker allowed a request")
	}

	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("breaker should probe after reset timeout")
	}
	if cb.State() != "half-open" {
		t.Errorf("State = %q, want half-open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != "closed" {
		t.Errorf("State after half-open success = %q, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, 10*time.Millisecond)
	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected half-open probe")
	}
	cb.RecordFailure()
	if cb.State() != "open" {
		t.Errorf("State after half-open failure = %q, want open", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRequestCap(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Millisecond)
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if cb.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("half-open allowed %d probes, want 3", allowed)
	}
}

func TestExplorerClient_FetchTx(t *testing.T) {
	var gotPath, gotNetwork string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotNetwork = r.URL.Query().Get("network")
		fmt.Fprint(w, `{"to":{"identifier":"sp1dest"},"from":{"identifier":"sp1src"},"status":"confirmed","amountSats":123}`)
	}))
	defer srv.Close()

	c := NewExplorerClient(srv.URL, srv.URL, "MAINNET", 0, time.Millisecond, zap.NewNop())
	tx, err := c.FetchTx(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("FetchTx failed: %v", err)
	}
	if gotPath != "/v1/tx/abc-123" {
		t.Errorf("path = %q, want /v1/tx/abc-123", gotPath)
	}
	if gotNetwork != "MAINNET" {
		t.Errorf("network = %q, want MAINNET", gotNetwork)
	}
	if tx.To.Identifier != "sp1dest" || tx.From.Identifier != "sp1src" {
		t.Errorf("parties = %q/%q", tx.To.Identifier, tx.From.Identifier)
	}
	if tx.Status != "confirmed" {
		t.Errorf("Status = %q", tx.Status)
	}
	if tx.AmountSats.String() != "123" {
		t.Errorf("AmountSats = %q", tx.AmountSats)
	}
}

func TestExplorerClient_FetchTxBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	c := NewExplorerClient(srv.URL, srv.URL, "MAINNET", 0, time.Millisecond, zap.NewNop())
	if _, err := c.FetchTx(context.Background(), "x"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExplorerClient_NoRetryOnDefinitiveStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewExplorerClient(srv.URL, srv.URL, "MAINNET", 3, time.Millisecond, zap.NewNop())
	if _, err := c.FetchTx(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 404")
	}
	if calls != 1 {
		t.Errorf("server called %d times, want 1 (404 is definitive)", calls)
	}
}

func TestExplorerClient_RetriesExhausted(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewExplorerClient(srv.URL, srv.URL, "MAINNET", 2, time.Millisecond, zap.NewNop())
	_, err := c.FetchTx(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("err = %v, want attempt count", err)
	}
	if calls != 3 {
		t.Errorf("server called %d times, want 3", calls)
	}
}

func TestExplorerClient_ContextCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewExplorerClient(srv.URL, srv.URL, "MAINNET", 5, time.Minute, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.FetchTx(ctx, "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel took %v, backoff did not honor context", elapsed)
	}
}

func TestHTMLText(t *testing.T) {
	in := `<html><head><style>.x{color:red}</style><script>var secret="hidden";</script></head>` +
		`<body><h1>Title</h1><div>first<span>second</span></div></body></html>`
	text, err := htmlText(strings.NewReader(in))
	if err != nil {
		t.Fatalf("htmlText failed: %v", err)
	}
	for _, want := range []string{"Title", "first", "second"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q: %q", want, text)
		}
	}
	for _, banned := range []string{"hidden", "color:red"} {
		if strings.Contains(text, banned) {
			t.Errorf("text leaked %q: %q", banned, text)
		}
	}
}

func TestTruncateForLog(t *testing.T) {
	if got := truncateForLog("short"); got != "short" {
		t.Errorf("truncateForLog(short) = %q", got)
	}
	long := strings.Repeat("a", 500)
	if got := truncateForLog(long); len(got) != 200 {
		t.Errorf("len = %d, want 200", len(got))
	}
}
