package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

// ExplorerParty identifies one side of a ledger transaction.
type ExplorerParty struct {
	Identifier string `json:"identifier"`
}

// ExplorerTx is the typed transaction record returned by the explorer API.
// AmountSats is a json.Number because the upstream has been observed to
// return both bare numbers and quoted strings.
type ExplorerTx struct {
	To         ExplorerParty `json:"to"`
	From       ExplorerParty `json:"from"`
	Status     string        `json:"status"`
	AmountSats json.Number   `json:"amountSats"`
}

// CircuitBreaker implements a simple circuit breaker to stop hammering the
// explorer while it is down.
type CircuitBreaker struct {
	mu              sync.RWMutex
	failures        int
	lastFailure     time.Time
	state           string // "closed", "open", "half-open"
	threshold       int
	resetTimeout    time.Duration
	halfOpenMaxReqs int
	halfOpenReqs    int
}

// NewCircuitBreaker creates a circuit breaker that opens after threshold
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:       threshold,
		resetTimeout:    resetTimeout,
		state:           "closed",
		halfOpenMaxReqs: 3,
	}
}

// Allow checks if a request should be allowed through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case "closed":
		return true
	case "open":
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "half-open"
			cb.halfOpenReqs = 0
			return true
		}
		return false
	case "half-open":
		if cb.halfOpenReqs < cb.halfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "half-open" {
		cb.state = "closed"
		cb.failures = 0
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == "half-open" || cb.failures >= cb.threshold {
		cb.state = "open"
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// ExplorerClient talks to the public ledger explorer: the typed transaction
// API and, for the fallback path, the rendered transaction/address pages.
// All outbound calls pass a self-imposed rate limit (the upstream rate-limits
// aggressively) and a circuit breaker shared across both endpoints.
type ExplorerClient struct {
	apiBaseURL string
	webBaseURL string
	network    string

	httpClient  *http.Client
	throttle    *rate.Limiter
	breaker     *CircuitBreaker
	retries     int
	backoffBase time.Duration
	logger      *zap.Logger
}

// NewExplorerClient creates a client with bounded retries and exponential
// backoff for transient failures.
func NewExplorerClient(apiBaseURL, webBaseURL, network string, retries int, backoffBase time.Duration, logger *zap.Logger) *ExplorerClient {
	return &ExplorerClient{
		apiBaseURL: strings.TrimSuffix(apiBaseURL, "/"),
		webBaseURL: strings.TrimSuffix(webBaseURL, "/"),
		network:    network,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		throttle:    rate.NewLimiter(rate.Limit(5), 5),
		breaker:     NewCircuitBreaker(5, 30*time.Second),
		retries:     retries,
		backoffBase: backoffBase,
		logger:      logger,
	}
}

// transientError marks a failure worth retrying: a network error or a 5xx.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// fetchWithRetry runs fetch with bounded retries and exponential backoff.
// Only transient failures are retried; a definitive answer (2xx or a 4xx)
// returns immediately.
func (c *ExplorerClient) fetchWithRetry(ctx context.Context, what string, fetch func() ([]byte, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if !c.breaker.Allow() {
			return nil, fmt.Errorf("explorer circuit open (%s)", what)
		}
		if err := c.throttle.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := fetch()
		if err == nil {
			c.breaker.RecordSuccess()
			return body, nil
		}

		if _, transient := err.(*transientError); !transient {
			return nil, err
		}
		c.breaker.RecordFailure()
		lastErr = err
		c.logger.Debug("Explorer fetch failed, will retry",
			zap.String("what", what),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("explorer unavailable after %d attempts: %w", c.retries+1, lastErr)
}

// doGet performs a single GET and classifies the outcome: network errors and
// 5xx responses are transient, everything else non-2xx is definitive.
func (c *ExplorerClient) doGet(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/html")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &transientError{err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &transientError{err: fmt.Errorf("explorer returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer returned status %d: %s", resp.StatusCode, truncateForLog(string(body)))
	}
	return body, nil
}

// FetchTx looks up a transaction by id through the typed API.
func (c *ExplorerClient) FetchTx(ctx context.Context, id string) (*ExplorerTx, error) {
	reqURL := fmt.Sprintf("%s/v1/tx/%s?network=%s",
		c.apiBaseURL, url.PathEscape(id), url.QueryEscape(c.network))

	body, err := c.fetchWithRetry(ctx, "tx api", func() ([]byte, error) {
		return c.doGet(ctx, reqURL)
	})
	if err != nil {
		return nil, err
	}

	var tx ExplorerTx
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("failed to parse explorer response: %w", err)
	}
	return &tx, nil
}

// FetchTxPageText fetches the rendered transaction page and returns its
// visible text content.
func (c *ExplorerClient) FetchTxPageText(ctx context.Context, id string) (string, error) {
	return c.fetchPageText(ctx, fmt.Sprintf("%s/tx/%s", c.webBaseURL, url.PathEscape(id)))
}

// FetchAddressPageText fetches the rendered address page and returns its
// visible text content.
func (c *ExplorerClient) FetchAddressPageText(ctx context.Context, address string) (string, error) {
	return c.fetchPageText(ctx, fmt.Sprintf("%s/address/%s", c.webBaseURL, url.PathEscape(address)))
}

func (c *ExplorerClient) fetchPageText(ctx context.Context, reqURL string) (string, error) {
	body, err := c.fetchWithRetry(ctx, "page scrape", func() ([]byte, error) {
		return c.doGet(ctx, reqURL)
	})
	if err != nil {
		return "", err
	}
	return htmlText(strings.NewReader(string(body)))
}

// htmlText extracts the visible text of an HTML document, skipping script
// and style subtrees. The scrape path only needs string containment, so text
// nodes are joined with spaces.
func htmlText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return b.String(), nil
}

// truncateForLog caps upstream response bodies included in errors so a huge
// error page cannot flood the logs.
func truncateForLog(s string) string {
	const maxLen = 200
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
