package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBadReceiver means the caller-supplied receiver is not a valid
	// spark address.
	ErrBadReceiver = errors.New("bad_receiver")
	// ErrMerchantMisconfigured means the configured fee address does not
	// validate; no quote can be paid.
	ErrMerchantMisconfigured = errors.New("merchant_feeAddress_not_set")
)

// QuoteConfig is the merchant side of quote issuance.
type QuoteConfig struct {
	FeeAddress string // destination for the pay-in
	BaseAmount string // base pay-in amount, decimal base units
	SuffixMin  int    // random surcharge bounds, inclusive
	SuffixMax  int
	TokenID    string // default payout token
	PayoutBase string // default payout amount, decimal base units
}

// QuoteOverride carries per-request payout overrides. Each field is honored
// only when it independently validates; anything else silently falls back to
// the configured default, so a hostile client cannot steer the payout.
type QuoteOverride struct {
	TokenID    string
	PayoutBase string
}

// QuoteIssuer builds signed order payloads. The random amount suffix is what
// lets the verifier attribute an on-chain payment to one specific quote when
// several are outstanding against the same fee address.
type QuoteIssuer struct {
	cfg     QuoteConfig
	secrets *SecretProvider
	logger  *zap.Logger
}

// NewQuoteIssuer creates an issuer for the given merchant config.
func NewQuoteIssuer(cfg QuoteConfig, secrets *SecretProvider, logger *zap.Logger) *QuoteIssuer {
	return &QuoteIssuer{cfg: cfg, secrets: secrets, logger: logger}
}

// IssueQuote validates the receiver, computes the pay-in amount, and returns
// the signed payload plus its order token.
func (q *QuoteIssuer) IssueQuote(receiver string, override QuoteOverride) (*OrderPayload, string, error) {
	if !looksLikeSparkAddress(receiver) {
		return nil, "", ErrBadReceiver
	}
	if !looksLikeSparkAddress(q.cfg.FeeAddress) {
		return nil, "", ErrMerchantMisconfigured
	}

	amount, err := q.quoteAmount()
	if err != nil {
		return nil, "", err
	}

	tokenID := q.cfg.TokenID
	if looksLikeTokenID(override.TokenID) {
		tokenID = override.TokenID
	}
	payoutBase := q.cfg.PayoutBase
	if n, err := parseBaseUnits(override.PayoutBase); err == nil && n.Sign() > 0 {
		payoutBase = override.PayoutBase
	}

	payload := &OrderPayload{
		FeeAddress: q.cfg.FeeAddress,
		Amount:     amount.String(),
		Since:      time.Now().UnixMilli(),
		Receiver:   receiver,
		TokenID:    tokenID,
		PayoutBase: payoutBase,
	}

	token, err := MakeOrderToken(payload, q.secrets.Secret())
	if err != nil {
		return nil, "", err
	}

	q.logger.Debug("Issued quote",
		zap.String("amount", payload.Amount),
		zap.String("receiver", truncateForLog(receiver)),
	)
	return payload, token, nil
}

// quoteAmount is the configured base plus a uniformly random suffix from
// [SuffixMin, SuffixMax]. Inverted bounds are swapped and negative bounds
// clamped to zero, so misconfiguration degrades to a fixed amount instead of
// breaking issuance.
func (q *QuoteIssuer) quoteAmount() (*big.Int, error) {
	base, err := parseBaseUnits(q.cfg.BaseAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid base amount %q: %w", q.cfg.BaseAmount, err)
	}

	lo, hi := q.cfg.SuffixMin, q.cfg.SuffixMax
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo < 0 {
		lo = 0
	}
	if hi < 0 {
		hi = 0
	}

	suffix := int64(lo)
	if span := int64(hi - lo); span > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(span+1))
		if err != nil {
			return nil, fmt.Errorf("failed to draw amount suffix: %w", err)
		}
		suffix += n.Int64()
	}

	return new(big.Int).Add(base, big.NewInt(suffix)), nil
}
