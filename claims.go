package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClaimMeta is the context recorded alongside a claim for operator forensics.
type ClaimMeta struct {
	Receiver   string `json:"receiver"`
	FeeAddress string `json:"feeAddress"`
	Amount     string `json:"amount"`
}

// claimRecord is the JSON body written into a claim file.
type claimRecord struct {
	TxID      string     `json:"txId"`
	ClaimedAt int64      `json:"claimedAt"` // epoch ms
	Meta      *ClaimMeta `json:"meta"`
}

// TxClaim is an acquired claim. Release deletes the backing record so the
// transaction id becomes claimable again; it is idempotent.
type TxClaim struct {
	path string

	mu       sync.Mutex
	released bool
}

// Release makes the claimed transaction id usable again. Called when the
// payout after a successful verification fails, so the payer can retry with
// the same transaction id.
func (c *TxClaim) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	// Best effort: a missing file means another path already cleaned up.
	_ = os.Remove(c.path)
}

// TxClaimStore enforces at-most-one live claim per transaction id using
// exclusive file creation in a shared directory. O_EXCL is the sole
// linearization point: it is atomic on one filesystem even across independent
// server processes, so two concurrent verifications of the same id cannot
// both claim it.
type TxClaimStore struct {
	dir    string
	logger *zap.Logger
}

// NewTxClaimStore creates a store rooted at dir (created on first claim).
func NewTxClaimStore(dir string, logger *zap.Logger) *TxClaimStore {
	return &TxClaimStore{dir: dir, logger: logger}
}

// normalizeTxID maps every accepted spelling of a transaction id (case,
// surrounding space, hyphenated vs plain hex) onto one fixed-width key, so
// resubmitting "ABC-DEF" after claiming "abcdef" cannot bypass the
// single-use guarantee.
func normalizeTxID(txID string) string {
	t := strings.ToLower(strings.TrimSpace(txID))
	t = strings.ReplaceAll(t, "-", "")
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])[:32]
}

// claimPath returns the lock file path for a transaction id.
func (s *TxClaimStore) claimPath(txID string) string {
	return filepath.Join(s.dir, "tx-"+normalizeTxID(txID)+".lock")
}

// Claim atomically creates the record for txID. It returns (claim, true) on
// success and (nil, false) if a live claim already exists. Any other error
// (unwritable dir, full disk) fails closed: no claim, no payout.
func (s *TxClaimStore) Claim(txID string, meta *ClaimMeta) (*TxClaim, bool, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, false, fmt.Errorf("failed to create claim dir: %w", err)
	}

	path := s.claimPath(txID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to create claim: %w", err)
	}
	defer f.Close()

	record := claimRecord{
		TxID:      txID,
		ClaimedAt: time.Now().UnixMilli(),
		Meta:      meta,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err == nil {
		_, err = f.Write(data)
	}
	if err != nil {
		// The claim exists but its body is incomplete. Keep the claim (the
		// exclusive create already won) and log; the body is informational.
		s.logger.Warn("Failed to write claim record body",
			zap.String("path", path),
			zap.Error(err),
		)
	}

	return &TxClaim{path: path}, true, nil
}

// IsClaimed reports whether a live claim exists for txID.
func (s *TxClaimStore) IsClaimed(txID string) bool {
	_, err := os.Stat(s.claimPath(txID))
	return err == nil
}
