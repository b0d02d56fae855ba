package main

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Verifier modes. NONE disables chain-side checking entirely (dev only);
// anything else runs the API-then-scrape pipeline.
const (
	VerifierModeScrape = "SCRAPE_SPARKSCAN"
	VerifierModeNone   = "NONE"
)

// VerifyOpts narrows a verification beyond the destination address.
type VerifyOpts struct {
	Payer     string   // expected source address, matched when non-empty
	MinAmount *big.Int // minimum accepted amount, matched when non-nil
}

// VerifyResult is the outcome of a payment verification. Source names the
// path that produced the answer: "api" for the typed lookup, "scrape" for the
// page fallback, empty when no path ran.
type VerifyResult struct {
	OK         bool
	Source     string
	Reason     string
	AmountSats *big.Int
}

// PaymentVerifier confirms that a claimed transaction id pays the quote.
type PaymentVerifier interface {
	Verify(ctx context.Context, txID, feeAddress string, opts VerifyOpts) VerifyResult
}

// TxVerifier checks a transaction against the external explorer: the typed
// API first, then a degraded text-containment scrape of the public page. The
// scrape tier exists because the API rate-limits and goes down; it is less
// precise, so its failure reasons are coarser.
type TxVerifier struct {
	mode     string
	explorer *ExplorerClient
	cache    *TxLookupCache
	logger   *zap.Logger
}

// NewTxVerifier creates a verifier in the given mode.
func NewTxVerifier(mode string, explorer *ExplorerClient, logger *zap.Logger) *TxVerifier {
	return &TxVerifier{
		mode:     strings.ToUpper(strings.TrimSpace(mode)),
		explorer: explorer,
		cache:    NewTxLookupCache(),
		logger:   logger,
	}
}

// confirmedStatuses are the explorer statuses treated as settled. An empty
// status is accepted: some explorer deployments omit the field for finalized
// transactions.
var confirmedStatuses = map[string]bool{
	"confirmed": true,
	"completed": true,
	"success":   true,
}

// hyphenateTxID converts a plain 32-hex transaction id into the canonical
// hyphenated UUID form the upstream indexes by. Anything else (already
// hyphenated, 64-hex, malformed) passes through untouched.
func hyphenateTxID(txID string) string {
	t := strings.TrimSpace(txID)
	if t == "" || strings.Contains(t, "-") || !txIDHex32Regex.MatchString(t) {
		return t
	}
	u, err := uuid.Parse(t)
	if err != nil {
		return t
	}
	return u.String()
}

// amountVariants renders n the ways an explorer page might format it: plain
// digits plus comma, dot, and space thousands grouping. The scrape tier has
// no structured fields, so it must tolerate whatever locale the page uses.
func amountVariants(n *big.Int) []string {
	s := n.String()

	var parts []string
	for end := len(s); end > 0; end -= 3 {
		start := end - 3
		if start < 0 {
			start = 0
		}
		parts = append([]string{s[start:end]}, parts...)
	}
	grouped := strings.Join(parts, ",")

	variants := []string{s}
	if grouped != s {
		variants = append(variants,
			grouped,
			strings.ReplaceAll(grouped, ",", "."),
			strings.ReplaceAll(grouped, ",", " "),
		)
	}
	return variants
}

// Verify implements PaymentVerifier.
func (v *TxVerifier) Verify(ctx context.Context, txID, feeAddress string, opts VerifyOpts) VerifyResult {
	if txID == "" || feeAddress == "" {
		return VerifyResult{Reason: "missing_params"}
	}
	if v.mode == VerifierModeNone {
		return VerifyResult{OK: true}
	}

	// The upstream may index by either spelling; canonical form first.
	canonical := hyphenateTxID(txID)
	candidates := []string{canonical}
	if txID != canonical {
		candidates = append(candidates, txID)
	}

	for _, id := range candidates {
		tx := v.cache.Get(id)
		if tx == nil {
			fetched, err := v.explorer.FetchTx(ctx, id)
			if err != nil {
				v.logger.Debug("Explorer API lookup failed",
					zap.String("tx_id", truncateForLog(id)),
					zap.Error(err),
				)
				continue
			}
			v.cache.Set(id, fetched)
			tx = fetched
		}
		// First candidate with a usable response settles it, success or
		// definitive mismatch alike.
		return v.evaluate(tx, feeAddress, opts)
	}

	return v.verifyByScrape(ctx, canonical, feeAddress, opts)
}

// evaluate matches a typed transaction record against the quote.
func (v *TxVerifier) evaluate(tx *ExplorerTx, feeAddress string, opts VerifyOpts) VerifyResult {
	amount := big.NewInt(0)
	if s := tx.AmountSats.String(); s != "" && s != "null" {
		if parsed, ok := new(big.Int).SetString(s, 10); ok {
			amount = parsed
		}
	}

	to := tx.To.Identifier
	if to == "" || !strings.EqualFold(to, feeAddress) {
		return VerifyResult{Source: "api", Reason: "to_mismatch"}
	}
	if opts.Payer != "" {
		from := tx.From.Identifier
		if from == "" || !strings.EqualFold(from, opts.Payer) {
			return VerifyResult{Source: "api", Reason: "from_mismatch"}
		}
	}
	if opts.MinAmount != nil && amount.Cmp(opts.MinAmount) < 0 {
		return VerifyResult{
			Source:     "api",
			Reason:     fmt.Sprintf("amount_lt_min(%s < %s)", amount, opts.MinAmount),
			AmountSats: amount,
		}
	}
	status := strings.ToLower(tx.Status)
	if status != "" && !confirmedStatuses[status] {
		return VerifyResult{
			Source:     "api",
			Reason:     fmt.Sprintf("bad_status(%s)", status),
			AmountSats: amount,
		}
	}

	return VerifyResult{OK: true, Source: "api", AmountSats: amount}
}

// verifyByScrape is the degraded fallback: fetch the public transaction page
// and require every expected token to appear in its text.
func (v *TxVerifier) verifyByScrape(ctx context.Context, canonical, feeAddress string, opts VerifyOpts) VerifyResult {
	text, err := v.explorer.FetchTxPageText(ctx, canonical)
	if err != nil {
		return VerifyResult{Source: "scrape", Reason: err.Error()}
	}

	if !strings.Contains(text, canonical) || !strings.Contains(text, feeAddress) {
		return VerifyResult{Source: "scrape", Reason: "no_match_base"}
	}
	if opts.Payer != "" && !strings.Contains(text, opts.Payer) {
		return VerifyResult{Source: "scrape", Reason: "payer_not_found"}
	}
	if opts.MinAmount != nil {
		found := false
		for _, variant := range amountVariants(opts.MinAmount) {
			if strings.Contains(text, variant) {
				found = true
				break
			}
		}
		if !found {
			return VerifyResult{Source: "scrape", Reason: "amount_not_found"}
		}
	}

	return VerifyResult{OK: true, Source: "scrape"}
}

// VerifyIncomingByAddress checks, via the address page, that toAddress has
// received at least minAmount (and, when given, that payer appears). Used by
// the dev airdrop gate; it is even coarser than the transaction scrape.
func (v *TxVerifier) VerifyIncomingByAddress(ctx context.Context, toAddress string, minAmount *big.Int, payer string) (bool, error) {
	if toAddress == "" || minAmount == nil || minAmount.Sign() <= 0 {
		return false, nil
	}
	if v.mode == VerifierModeNone {
		return true, nil
	}

	text, err := v.explorer.FetchAddressPageText(ctx, toAddress)
	if err != nil {
		return false, err
	}

	hasAmount := false
	for _, variant := range amountVariants(minAmount) {
		if strings.Contains(text, variant) {
			hasAmount = true
			break
		}
	}
	if !hasAmount {
		return false, nil
	}
	if payer != "" {
		return strings.Contains(text, payer), nil
	}
	return true, nil
}
