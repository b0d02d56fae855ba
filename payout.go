package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PayoutPolicy tunes the verify-and-mint flow.
type PayoutPolicy struct {
	MinVerifyAge time.Duration // quotes younger than this are told to retry
	PendingRetry time.Duration // retry hint when a pending status is remapped

	// RemapPendingToTooEarly turns bad_status(sent|pending|processing)
	// verifier failures into a retryable too_early answer instead of
	// surfacing the raw reason. Off by default: the raw reason is more
	// useful to callers that can read it.
	RemapPendingToTooEarly bool

	TokenID    string // payout token identifier
	PayoutBase string // payout amount, decimal base units
}

// VerifyRequest is the body of a verify call.
type VerifyRequest struct {
	Token             string `json:"token"`
	PayerSparkAddress string `json:"payerSparkAddress"`
	TxID              string `json:"txId"`
}

// VerifyResponse is the body of every verify answer. Minted is a pointer so
// it only appears once the flow has reached the payout stage: a verification
// failure has no minted field at all.
type VerifyResponse struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	Source       string `json:"source,omitempty"`
	Minted       *bool  `json:"minted,omitempty"`
	MintTxID     string `json:"mintTxId,omitempty"`
	TransferTxID string `json:"transferTxId,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ErrorMint    string `json:"errorMint,omitempty"`
}

func mintedFlag(b bool) *bool { return &b }

// pendingReasonRegex matches the verifier reasons that mean "the payment
// exists but has not settled yet".
var pendingReasonRegex = regexp.MustCompile(`(?i)bad_status\((sent|pending|processing)\)`)

// PayoutOrchestrator runs the verify flow: authenticate the order token,
// confirm the payment on chain, claim the transaction id, and drive the
// mint-then-transfer payout. A nil wallet means the issuer key is not
// configured and every request fails closed before any chain lookup.
type PayoutOrchestrator struct {
	policy   PayoutPolicy
	secrets  *SecretProvider
	verifier PaymentVerifier
	wallet   Wallet
	claims   *TxClaimStore
	logger   *zap.Logger
}

// NewPayoutOrchestrator wires the flow together.
func NewPayoutOrchestrator(policy PayoutPolicy, secrets *SecretProvider, verifier PaymentVerifier, wallet Wallet, claims *TxClaimStore, logger *zap.Logger) *PayoutOrchestrator {
	return &PayoutOrchestrator{
		policy:   policy,
		secrets:  secrets,
		verifier: verifier,
		wallet:   wallet,
		claims:   claims,
		logger:   logger,
	}
}

// Process runs one verify request through the gate sequence and returns the
// HTTP status plus response body. Rate limiting happens in the handler, so
// the first gate here is the token itself.
func (o *PayoutOrchestrator) Process(ctx context.Context, req VerifyRequest) (int, VerifyResponse) {
	token := strings.TrimSpace(req.Token)
	payer := strings.TrimSpace(req.PayerSparkAddress)
	txID := strings.TrimSpace(req.TxID)

	if token == "" {
		return http.StatusBadRequest, VerifyResponse{Error: "missing token"}
	}
	if txID == "" {
		return http.StatusBadRequest, VerifyResponse{Error: "tx_required"}
	}
	if !looksLikeTxID(txID) {
		return http.StatusBadRequest, VerifyResponse{Error: "bad txId format"}
	}
	if o.wallet == nil {
		return http.StatusInternalServerError, VerifyResponse{Error: "issuer_secret_missing"}
	}

	payload, err := ReadOrderToken(token, o.secrets.Secret())
	if err != nil {
		switch {
		case errors.Is(err, ErrBadSignature):
			return http.StatusBadRequest, VerifyResponse{Error: "bad signature"}
		case errors.Is(err, ErrMalformedPayload):
			return http.StatusBadRequest, VerifyResponse{Error: "bad_payload"}
		default:
			return http.StatusBadRequest, VerifyResponse{Error: "bad token"}
		}
	}

	// Token fields are authenticated, not trusted: re-validate before use.
	amount, amountErr := parseBaseUnits(payload.Amount)
	if amountErr != nil || amount.Sign() <= 0 ||
		!looksLikeSparkAddress(payload.FeeAddress) ||
		!looksLikeSparkAddress(payload.Receiver) {
		return http.StatusBadRequest, VerifyResponse{Error: "bad_payload"}
	}

	// Give the upstream indexer time to see the payment before burning a
	// verification attempt on it.
	if age := time.Since(time.UnixMilli(payload.Since)); age < o.policy.MinVerifyAge {
		remaining := o.policy.MinVerifyAge - age
		return http.StatusTooEarly, VerifyResponse{
			Error:        "too_early",
			RetryAfterMs: remaining.Milliseconds(),
		}
	}

	result := o.verifier.Verify(ctx, txID, payload.FeeAddress, VerifyOpts{
		Payer:     payer,
		MinAmount: amount,
	})
	if !result.OK {
		if o.policy.RemapPendingToTooEarly && pendingReasonRegex.MatchString(result.Reason) {
			return http.StatusTooEarly, VerifyResponse{
				Error:        "too_early",
				Source:       result.Source,
				RetryAfterMs: o.policy.PendingRetry.Milliseconds(),
			}
		}
		reason := result.Reason
		if reason == "" {
			reason = "verify_failed"
		}
		return http.StatusBadRequest, VerifyResponse{Error: reason, Source: result.Source}
	}

	// One transaction pays for one payout, ever.
	claim, acquired, err := o.claims.Claim(txID, &ClaimMeta{
		Receiver:   payload.Receiver,
		FeeAddress: payload.FeeAddress,
		Amount:     amount.String(),
	})
	if err != nil {
		o.logger.Error("Claim store failure", zap.Error(err))
		return http.StatusInternalServerError, VerifyResponse{Error: "claim_failed"}
	}
	if !acquired {
		return http.StatusConflict, VerifyResponse{Error: "tx_already_used"}
	}

	tokenID := o.policy.TokenID
	if looksLikeTokenID(payload.TokenID) {
		tokenID = payload.TokenID
	}
	payoutBase := o.policy.PayoutBase
	if n, err := parseBaseUnits(payload.PayoutBase); err == nil && n.Sign() > 0 {
		payoutBase = payload.PayoutBase
	}

	// Payment is real but no payout is configured: the pay-in succeeded, so
	// answer ok, release the claim, and let a later retry mint once the
	// operator fixes the config.
	if !looksLikeTokenID(tokenID) {
		claim.Release()
		return http.StatusOK, VerifyResponse{
			OK: true, Source: result.Source,
			Minted: mintedFlag(false), Reason: "tokenId_missing_or_bad",
		}
	}
	payoutAmount, err := parseBaseUnits(payoutBase)
	if err != nil || payoutAmount.Sign() <= 0 {
		claim.Release()
		return http.StatusOK, VerifyResponse{
			OK: true, Source: result.Source,
			Minted: mintedFlag(false), Reason: "payoutBase_missing_or_bad",
		}
	}

	mintTxID, transferTxID, err := o.mintThenTransfer(ctx, tokenID, payoutAmount, payload.Receiver)
	if err != nil {
		// The claim must not outlive a failed payout or the payer could
		// never retry.
		claim.Release()
		o.logger.Warn("Payout failed, claim released",
			zap.String("tx_id", truncateForLog(txID)),
			zap.Error(err),
		)
		return http.StatusOK, VerifyResponse{
			OK: true, Source: result.Source,
			Minted: mintedFlag(false), ErrorMint: err.Error(),
		}
	}

	o.logger.Info("Payout completed",
		zap.String("mint_tx_id", truncateForLog(mintTxID)),
		zap.String("transfer_tx_id", truncateForLog(transferTxID)),
		zap.String("receiver", truncateForLog(payload.Receiver)),
	)
	return http.StatusOK, VerifyResponse{
		OK: true, Source: result.Source,
		Minted:       mintedFlag(true),
		MintTxID:     mintTxID,
		TransferTxID: transferTxID,
	}
}

// mintThenTransfer mints the payout into the issuer wallet and moves it to
// the receiver. Two separate wallet calls: a transfer failure after a
// successful mint strands the minted amount in the issuer wallet, which is
// recoverable, whereas transferring unminted tokens is not possible.
func (o *PayoutOrchestrator) mintThenTransfer(ctx context.Context, tokenID string, amount *big.Int, receiver string) (string, string, error) {
	mintTxID, err := o.wallet.Mint(ctx, tokenID, amount)
	if err != nil {
		return "", "", err
	}
	transferTxID, err := o.wallet.Transfer(ctx, tokenID, amount, receiver)
	if err != nil {
		return "", "", err
	}
	return mintTxID, transferTxID, nil
}
