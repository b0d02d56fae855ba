package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger          *zap.Logger
	serverStartTime = time.Now()
)

// Prometheus metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paymint_http_requests_total",
			Help: "Total number of HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paymint_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	rateLimitRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paymint_rate_limit_rejected_total",
			Help: "Total number of requests rejected due to rate limiting",
		},
		[]string{"endpoint"},
	)

	quotesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paymint_quotes_issued_total",
			Help: "Total number of payment quotes issued",
		},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paymint_verifications_total",
			Help: "Total number of payment verifications by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	claimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paymint_claim_conflicts_total",
			Help: "Total number of verify calls rejected because the tx was already used",
		},
	)

	payoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paymint_payouts_total",
			Help: "Total number of payout attempts by result",
		},
		[]string{"result"},
	)

	panicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paymint_panics_recovered_total",
			Help: "Total number of panics recovered by the server",
		},
	)

	healthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paymint_health_checks_total",
			Help: "Total number of health/readiness checks by status",
		},
		[]string{"type", "status"},
	)
)

// secureCompare performs constant-time string comparison to prevent timing attacks
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// PortalConfig holds all portal server configuration
type PortalConfig struct {
	// Quote issuance
	FeeAddress string
	BaseAmount string
	SuffixMin  int
	SuffixMax  int

	// Payout defaults
	PayoutTokenID string
	PayoutBase    string

	// Signing secret and claim storage
	SecretFile string
	TxLockDir  string

	// Verifier
	VerifierMode   string
	Network        string
	ExplorerAPIURL string
	ExplorerWebURL string
	VerifyRetries  int
	VerifyBackoff  time.Duration

	// Verify flow tuning
	MinVerifyAge           time.Duration
	PendingRetry           time.Duration
	RemapPendingToTooEarly bool

	// Per-endpoint fixed-window rate limits
	RequestRLLimit  int
	RequestRLWindow time.Duration
	VerifyRLLimit   int
	VerifyRLWindow  time.Duration

	// Issuer wallet RPC (payouts disabled when either is empty)
	WalletRPCURL     string
	IssuerPrivateKey string

	// Admin bearer token for the airdrop endpoint (disabled when empty)
	AdminToken string

	CleanupInterval time.Duration
}

func init() {
	// Initialize structured logger
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var zapConfig zap.Config
	if os.Getenv("LOG_FORMAT") == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err = zapConfig.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
}

func loadConfig() *PortalConfig {
	// Use basic log for config errors since logger might not be initialized yet
	logFatal := func(msg string, args ...interface{}) {
		if logger != nil {
			logger.Fatal(msg)
		} else {
			log.Fatalf(msg, args...)
		}
	}

	logWarn := func(msg string, args ...interface{}) {
		if logger != nil {
			logger.Warn(msg)
		} else {
			log.Printf("WARNING: "+msg, args...)
		}
	}

	envStr := func(name, def string) string {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
		return def
	}
	envInt := func(name string, def int) int {
		v := os.Getenv(name)
		if v == "" {
			return def
		}
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 0 {
			logFatal(fmt.Sprintf("Invalid %s: %q", name, v))
		}
		return n
	}
	envBool := func(name string, def bool) bool {
		switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
		return def
	}
	envMillis := func(name string, def time.Duration) time.Duration {
		return time.Duration(envInt(name, int(def.Milliseconds()))) * time.Millisecond
	}

	config := &PortalConfig{}

	// Required configuration
	config.FeeAddress = envStr("PAYMINT_FEE_ADDRESS", "")
	if config.FeeAddress == "" {
		logFatal("PAYMINT_FEE_ADDRESS environment variable not set")
	} else if !looksLikeSparkAddress(config.FeeAddress) {
		logFatal("PAYMINT_FEE_ADDRESS is not a valid spark address")
	}

	config.BaseAmount = envStr("PAYMINT_AMOUNT_BASEUNITS", "3")
	if _, err := parseBaseUnits(config.BaseAmount); err != nil {
		logFatal(fmt.Sprintf("Invalid PAYMINT_AMOUNT_BASEUNITS: %q", config.BaseAmount))
	}
	config.SuffixMin = envInt("PAYMINT_AMOUNT_SUFFIX_MIN", 0)
	config.SuffixMax = envInt("PAYMINT_AMOUNT_SUFFIX_MAX", 9)

	config.PayoutTokenID = envStr("PAYMINT_PAYOUT_TOKEN_ID", "")
	config.PayoutBase = envStr("PAYMINT_PAYOUT_BASEUNITS", "")
	if config.PayoutTokenID == "" || config.PayoutBase == "" {
		logWarn("Payout token/amount not configured - verified payments will not mint")
	}

	config.SecretFile = envStr("PAYMINT_AUTO_SECRET_FILE", ".paymint_secret")
	config.TxLockDir = envStr("PAYMINT_TXLOCK_DIR", ".paymint_tx")

	config.VerifierMode = envStr("PAYMINT_VERIFIER", VerifierModeScrape)
	config.Network = envStr("SPARK_NETWORK", "MAINNET")
	config.ExplorerAPIURL = envStr("SPARKSCAN_API_URL", "https://api.sparkscan.io")
	config.ExplorerWebURL = envStr("SPARKSCAN_WEB_URL", "https://www.sparkscan.io")
	config.VerifyRetries = envInt("PAYMINT_VERIFY_RETRIES", 3)
	config.VerifyBackoff = envMillis("PAYMINT_VERIFY_BACKOFF_MS", 600*time.Millisecond)

	config.MinVerifyAge = envMillis("PAYMINT_MIN_VERIFY_DELAY_MS", 0)
	config.PendingRetry = envMillis("PAYMINT_PENDING_RETRY_MS", 60*time.Second)
	config.RemapPendingToTooEarly = envBool("PAYMINT_MAP_PENDING_TO_TOO_EARLY", false)

	config.RequestRLLimit = envInt("PAYMINT_REQUEST_RL_LIMIT", 20)
	config.RequestRLWindow = envMillis("PAYMINT_REQUEST_RL_WINDOW_MS", 10*time.Second)
	config.VerifyRLLimit = envInt("PAYMINT_VERIFY_RL_LIMIT", 1)
	config.VerifyRLWindow = envMillis("PAYMINT_VERIFY_RL_WINDOW_MS", 60*time.Second)

	config.WalletRPCURL = envStr("WALLET_RPC_URL", "")
	config.IssuerPrivateKey = strings.TrimPrefix(envStr("ISSUER_PRIVATE_KEY", ""), "0x")
	if (config.WalletRPCURL == "") != (config.IssuerPrivateKey == "") {
		logFatal("WALLET_RPC_URL and ISSUER_PRIVATE_KEY must be set together")
	}
	if config.WalletRPCURL == "" {
		logWarn("Issuer wallet not configured - verify requests will fail with issuer_secret_missing")
	}

	config.AdminToken = envStr("BASIC_AUTH_TOKEN", "")
	if config.AdminToken == "" {
		logWarn("BASIC_AUTH_TOKEN not set - airdrop endpoint disabled")
	}

	config.CleanupInterval = envMillis("CLEANUP_INTERVAL_MS", 2*time.Minute)

	return config
}

// PortalServer encapsulates all server state
type PortalServer struct {
	config       *PortalConfig
	logger       *zap.Logger
	limiter      *FixedWindowLimiter
	secrets      *SecretProvider
	quotes       *QuoteIssuer
	verifier     *TxVerifier
	wallet       Wallet
	claims       *TxClaimStore
	orchestrator *PayoutOrchestrator
	shutdownChan chan struct{}
}

// newPortalServer wires the portal from config. Wallet construction can fail
// (bad issuer key), so the caller decides whether that is fatal.
func newPortalServer(config *PortalConfig, logger *zap.Logger) (*PortalServer, error) {
	secrets := NewSecretProvider(config.SecretFile, logger)
	quotes := NewQuoteIssuer(QuoteConfig{
		FeeAddress: config.FeeAddress,
		BaseAmount: config.BaseAmount,
		SuffixMin:  config.SuffixMin,
		SuffixMax:  config.SuffixMax,
		TokenID:    config.PayoutTokenID,
		PayoutBase: config.PayoutBase,
	}, secrets, logger)

	explorer := NewExplorerClient(
		config.ExplorerAPIURL, config.ExplorerWebURL, config.Network,
		config.VerifyRetries, config.VerifyBackoff, logger,
	)
	verifier := NewTxVerifier(config.VerifierMode, explorer, logger)

	var wallet Wallet
	if config.WalletRPCURL != "" {
		client, err := NewIssuerWalletClient(config.WalletRPCURL, config.IssuerPrivateKey, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Issuer wallet client ready",
			zap.String("rpc_url", config.WalletRPCURL),
			zap.String("issuer_address", client.IssuerAddress()),
		)
		wallet = client
	}

	claims := NewTxClaimStore(config.TxLockDir, logger)
	orchestrator := NewPayoutOrchestrator(PayoutPolicy{
		MinVerifyAge:           config.MinVerifyAge,
		PendingRetry:           config.PendingRetry,
		RemapPendingToTooEarly: config.RemapPendingToTooEarly,
		TokenID:                config.PayoutTokenID,
		PayoutBase:             config.PayoutBase,
	}, secrets, verifier, wallet, claims, logger)

	return &PortalServer{
		config:       config,
		logger:       logger,
		limiter:      NewFixedWindowLimiter(),
		secrets:      secrets,
		quotes:       quotes,
		verifier:     verifier,
		wallet:       wallet,
		claims:       claims,
		orchestrator: orchestrator,
		shutdownChan: make(chan struct{}),
	}, nil
}

// routes builds the handler tree with the middleware chain applied.
func (s *PortalServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/paymint/request", panicRecoveryMiddleware(
		metricsMiddleware("request", http.HandlerFunc(s.handleRequest))))
	mux.Handle("/api/paymint/verify", panicRecoveryMiddleware(
		metricsMiddleware("verify", http.HandlerFunc(s.handleVerify))))
	mux.Handle("/api/airdrop", panicRecoveryMiddleware(
		metricsMiddleware("airdrop", http.HandlerFunc(s.handleAirdrop))))
	mux.Handle("/health", panicRecoveryMiddleware(http.HandlerFunc(handleHealth)))
	mux.Handle("/readiness", panicRecoveryMiddleware(http.HandlerFunc(s.handleReadiness)))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func main() {
	defer logger.Sync()

	config := loadConfig()
	server, err := newPortalServer(config, logger)
	if err != nil {
		logger.Fatal("Failed to initialize portal server", zap.Error(err))
	}

	go server.cleanupLoop()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	port = ":" + strings.TrimPrefix(port, ":")

	logger.Info("Paymint portal server starting",
		zap.String("port", port),
		zap.String("fee_address", config.FeeAddress),
		zap.String("verifier_mode", config.VerifierMode),
		zap.String("network", config.Network),
		zap.Bool("wallet_configured", server.wallet != nil),
		zap.Duration("min_verify_age", config.MinVerifyAge),
	)

	logger.Info("Endpoints registered",
		zap.Strings("endpoints", []string{
			"POST /api/paymint/request - Issue a signed payment quote",
			"POST /api/paymint/verify - Verify payment and trigger payout",
			"POST /api/airdrop - Admin token transfer",
			"GET /health - Liveness probe (simple health check)",
			"GET /readiness - Readiness probe (dependency checks)",
			"GET /metrics - Prometheus metrics",
		}),
	)

	httpServer := &http.Server{
		Addr:         port,
		Handler:      server.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverDone := make(chan struct{})
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
		close(serverDone)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	close(server.shutdownChan)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	<-serverDone

	logger.Info("Server shutdown complete")
}

// cleanupLoop periodically drops stale rate-limit windows and expired
// transaction lookups.
func (s *PortalServer) cleanupLoop() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			windows := s.limiter.Cleanup(10 * time.Minute)
			lookups := s.verifier.cache.CleanupExpired()
			if windows > 0 || lookups > 0 {
				s.logger.Debug("Cleanup pass",
					zap.Int("rate_windows", windows),
					zap.Int("tx_lookups", lookups),
				)
			}
		case <-s.shutdownChan:
			return
		}
	}
}

// panicRecoveryMiddleware catches panics in HTTP handlers and logs them.
func panicRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				panicsRecovered.Inc()
				if logger != nil {
					logger.Error("panic recovered in HTTP handler",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.String("method", r.Method),
						zap.String("stack", string(debug.Stack())),
					)
				} else {
					log.Printf("PANIC: %v\nStack: %s", err, debug.Stack())
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware wraps HTTP handlers with request metrics
func metricsMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := fmt.Sprintf("%d", rw.statusCode)

		httpRequestsTotal.WithLabelValues(endpoint, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(endpoint, r.Method).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// getClientIP extracts the real client IP, handling X-Forwarded-For header
func getClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if ip != "" {
				return ip
			}
		}
	}

	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr (strip port)
	ip := r.RemoteAddr
	if colonIdx := strings.LastIndex(ip, ":"); colonIdx != -1 {
		ip = ip[:colonIdx]
	}
	return ip
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// allowRequest applies the fixed-window limit for one endpoint scope, writing
// the 429 itself when the caller is over budget.
func (s *PortalServer) allowRequest(w http.ResponseWriter, r *http.Request, scope string, limit int, window time.Duration) bool {
	clientIP := getClientIP(r)
	allowed, retryAfter := s.limiter.Allow(scope+":"+clientIP, limit, window)
	if allowed {
		return true
	}

	rateLimitRejected.WithLabelValues(r.URL.Path).Inc()
	s.logger.Warn("Rate limit exceeded",
		zap.String("client_ip", clientIP),
		zap.String("scope", scope),
	)
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"ok":           false,
		"error":        "rate_limited",
		"retryAfterMs": retryAfter.Milliseconds(),
	})
	return false
}

// QuoteRequest is the body of POST /api/paymint/request.
type QuoteRequest struct {
	ReceiverSparkAddress string `json:"receiverSparkAddress"`
	TokenID              string `json:"tokenId"`
	PayoutBase           string `json:"payoutBase"`
}

// QuoteResponse echoes the signed payload plus the order token the client
// must present at verify time.
type QuoteResponse struct {
	OK         bool   `json:"ok"`
	FeeAddress string `json:"feeAddress"`
	Amount     string `json:"amount"`
	Since      int64  `json:"since"`
	Receiver   string `json:"receiver"`
	TokenID    string `json:"tokenId,omitempty"`
	PayoutBase string `json:"payoutBase,omitempty"`
	OrderToken string `json:"orderToken"`
}

// handleRequest handles POST /api/paymint/request.
//
// Observed HTTP behaviors:
//   - 200: signed quote issued.
//   - 400: receiver is not a valid spark address.
//   - 405: method not allowed.
//   - 429: per-IP rate limit exceeded.
//   - 500: merchant fee address misconfigured.
func (s *PortalServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allowRequest(w, r, "paymint:request", s.config.RequestRLLimit, s.config.RequestRLWindow) {
		return
	}

	var req QuoteRequest
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		// Quotes for an empty receiver fail validation below; a missing
		// body gets the same answer as a bad receiver.
		req = QuoteRequest{}
	}

	payload, token, err := s.quotes.IssueQuote(
		strings.TrimSpace(req.ReceiverSparkAddress),
		QuoteOverride{TokenID: req.TokenID, PayoutBase: req.PayoutBase},
	)
	switch {
	case err == ErrBadReceiver:
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "bad_receiver"})
		return
	case err == ErrMerchantMisconfigured:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": "merchant_feeAddress_not_set"})
		return
	case err != nil:
		s.logger.Error("Quote issuance failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": "internal_error"})
		return
	}

	quotesIssued.Inc()
	writeJSON(w, http.StatusOK, QuoteResponse{
		OK:         true,
		FeeAddress: payload.FeeAddress,
		Amount:     payload.Amount,
		Since:      payload.Since,
		Receiver:   payload.Receiver,
		TokenID:    payload.TokenID,
		PayoutBase: payload.PayoutBase,
		OrderToken: token,
	})
}

// handleVerify handles POST /api/paymint/verify.
//
// Observed HTTP behaviors:
//   - 200: verification passed; body reports whether the payout minted.
//   - 400: bad token/payload/tx id, or the verifier rejected the payment.
//   - 405: method not allowed.
//   - 409: transaction id already claimed by an earlier payout.
//   - 425: quote too young, or payment still pending (with remap enabled).
//   - 429: per-IP rate limit exceeded.
//   - 500: issuer wallet not configured, or claim storage failure.
func (s *PortalServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allowRequest(w, r, "paymint:verify", s.config.VerifyRLLimit, s.config.VerifyRLWindow) {
		return
	}

	var req VerifyRequest
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		req = VerifyRequest{}
	}

	status, resp := s.orchestrator.Process(r.Context(), req)

	s.recordVerifyMetrics(status, resp)
	writeJSON(w, status, resp)
}

func (s *PortalServer) recordVerifyMetrics(status int, resp VerifyResponse) {
	source := resp.Source
	if source == "" {
		source = "none"
	}

	switch {
	case status == http.StatusConflict:
		claimConflicts.Inc()
		verificationsTotal.WithLabelValues(source, "conflict").Inc()
	case resp.OK:
		verificationsTotal.WithLabelValues(source, "verified").Inc()
		switch {
		case resp.Minted != nil && *resp.Minted:
			payoutsTotal.WithLabelValues("minted").Inc()
		case resp.ErrorMint != "":
			payoutsTotal.WithLabelValues("wallet_failed").Inc()
		default:
			payoutsTotal.WithLabelValues("unconfigured").Inc()
		}
	default:
		verificationsTotal.WithLabelValues(source, "rejected").Inc()
	}
}

// AirdropRequest is the body of POST /api/airdrop. When MinIncoming is set
// the transfer is gated on the recipient having already paid the merchant
// fee address at least that amount.
type AirdropRequest struct {
	TokenIdentifier string `json:"tokenIdentifier"`
	ToSparkAddress  string `json:"toSparkAddress"`
	TokenAmount     string `json:"tokenAmount"`
	MinIncoming     string `json:"minIncoming,omitempty"`
}

// handleAirdrop handles POST /api/airdrop: a direct admin-gated transfer from
// the issuer wallet, for seeding test receivers.
func (s *PortalServer) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.config.AdminToken == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ok": false, "error": "airdrop_disabled"})
		return
	}

	auth := r.Header.Get("Authorization")
	if !secureCompare(auth, "Bearer "+s.config.AdminToken) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"ok": false, "error": "unauthorized"})
		return
	}

	var req AirdropRequest
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		req = AirdropRequest{}
	}

	if !looksLikeTokenID(req.TokenIdentifier) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "bad_tokenIdentifier"})
		return
	}
	if !looksLikeSparkAddress(req.ToSparkAddress) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "bad_toSparkAddress"})
		return
	}
	amount, err := parseBaseUnits(req.TokenAmount)
	if err != nil || amount.Sign() <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "bad_tokenAmount"})
		return
	}
	if s.wallet == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": "issuer_secret_missing"})
		return
	}

	if req.MinIncoming != "" {
		minAmount, err := parseBaseUnits(req.MinIncoming)
		if err != nil || minAmount.Sign() <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "bad_minIncoming"})
			return
		}
		seen, err := s.verifier.VerifyIncomingByAddress(r.Context(), s.config.FeeAddress, minAmount, req.ToSparkAddress)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{"ok": false, "error": err.Error()})
			return
		}
		if !seen {
			writeJSON(w, http.StatusPreconditionFailed, map[string]interface{}{"ok": false, "error": "payment_not_found"})
			return
		}
	}

	txID, err := s.wallet.Transfer(r.Context(), req.TokenIdentifier, amount, req.ToSparkAddress)
	if err != nil {
		s.logger.Warn("Airdrop transfer failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}

	s.logger.Info("Airdrop transferred",
		zap.String("to", truncateForLog(req.ToSparkAddress)),
		zap.String("amount", amount.String()),
		zap.String("transfer_tx_id", truncateForLog(txID)),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "transferTxId": txID})
}

// Health describes one dependency in the readiness answer.
type Health struct {
	Status      string `json:"status"` // "up", "degraded", "down"
	Message     string `json:"message"`
	LastChecked string `json:"last_checked"`
}

// HealthResponse is the readiness probe body.
type HealthResponse struct {
	Status       string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp    string            `json:"timestamp"`
	Dependencies map[string]Health `json:"dependencies,omitempty"`
}

// GET /health - Liveness probe
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(serverStartTime).String(),
	}

	healthChecks.WithLabelValues("liveness", "healthy").Inc()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// GET /readiness - Readiness probe (is the server ready to accept traffic?)
func (s *PortalServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	now := time.Now().UTC().Format(time.RFC3339)
	deps := make(map[string]Health)
	overallStatus := "healthy"

	// 1. Signing secret must resolve or no quote can be verified later.
	if s.secrets.Secret() == "" {
		deps["signing_secret"] = Health{Status: "down", Message: "Signing secret unavailable", LastChecked: now}
		overallStatus = "unhealthy"
	} else {
		deps["signing_secret"] = Health{Status: "up", Message: "Signing secret resolved", LastChecked: now}
	}

	// 2. Claim dir must be writable or every verify will 500 after payment.
	if err := checkClaimDirWritable(s.config.TxLockDir); err != nil {
		deps["claim_storage"] = Health{Status: "down", Message: err.Error(), LastChecked: now}
		overallStatus = "unhealthy"
	} else {
		deps["claim_storage"] = Health{Status: "up", Message: "Claim directory writable", LastChecked: now}
	}

	// 3. Issuer wallet: absent or unreachable is degraded, not fatal - quotes
	// still issue and verifies still answer.
	switch {
	case s.wallet == nil:
		deps["issuer_wallet"] = Health{Status: "degraded", Message: "Issuer wallet not configured", LastChecked: now}
		if overallStatus == "healthy" {
			overallStatus = "degraded"
		}
	default:
		pingCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.pingWallet(pingCtx); err != nil {
			deps["issuer_wallet"] = Health{Status: "degraded", Message: "Issuer wallet unreachable: " + err.Error(), LastChecked: now}
			if overallStatus == "healthy" {
				overallStatus = "degraded"
			}
		} else {
			deps["issuer_wallet"] = Health{Status: "up", Message: "Issuer wallet reachable", LastChecked: now}
		}
	}

	response := HealthResponse{
		Status:       overallStatus,
		Timestamp:    now,
		Dependencies: deps,
	}

	healthChecks.WithLabelValues("readiness", overallStatus).Inc()

	if overallStatus == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// pingWallet probes the wallet daemon when the client exposes a ping.
func (s *PortalServer) pingWallet(ctx context.Context) error {
	p, ok := s.wallet.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// checkClaimDirWritable proves the claim dir accepts new files by creating
// and removing a probe.
func checkClaimDirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("claim dir not creatable: %w", err)
	}
	probe := filepath.Join(dir, fmt.Sprintf(".probe-%d", time.Now().UnixNano()))
	f, err := os.OpenFile(probe, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("claim dir not writable: %w", err)
	}
	f.Close()
	os.Remove(probe)
	return nil
}
