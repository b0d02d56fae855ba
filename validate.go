package main

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Address and identifier shapes accepted by the portal. The regexes reject
// obviously malformed input cheaply; the bech32m checksum decode catches
// transcription errors the shape check cannot.
var (
	sparkAddrRegex = regexp.MustCompile(`^sp1[0-9a-z]{20,100}$`)
	tokenIDRegex   = regexp.MustCompile(`^btkn1[0-9a-z]{10,}$`)
	digitsRegex    = regexp.MustCompile(`^[0-9]+$`)

	txIDHex32Regex  = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	txIDHex64Regex  = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	txIDDashedRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}(-[0-9a-fA-F]{4}){3}-[0-9a-fA-F]{12}$`)
)

// looksLikeSparkAddress reports whether s is a plausible Spark address:
// bech32m with human-readable part "sp" and a valid checksum.
func looksLikeSparkAddress(s string) bool {
	t := strings.ToLower(strings.TrimSpace(s))
	if !sparkAddrRegex.MatchString(t) {
		return false
	}
	hrp, _, _, err := bech32.DecodeGeneric(t)
	if err != nil {
		return false
	}
	return hrp == "sp"
}

// looksLikeTokenID reports whether s is a plausible token identifier
// (bech32m, human-readable part "btkn").
func looksLikeTokenID(s string) bool {
	t := strings.ToLower(strings.TrimSpace(s))
	if !tokenIDRegex.MatchString(t) {
		return false
	}
	hrp, _, _, err := bech32.DecodeGeneric(t)
	if err != nil {
		return false
	}
	return hrp == "btkn"
}

// looksLikeTxID accepts the transaction id formats the upstream ledger hands
// out: 32 hex chars (16 bytes), 64 hex chars (32 bytes), or a UUID in the
// standard 8-4-4-4-12 form.
func looksLikeTxID(s string) bool {
	t := strings.TrimSpace(s)
	return txIDHex32Regex.MatchString(t) || txIDHex64Regex.MatchString(t) || txIDDashedRegex.MatchString(t)
}

// parseBaseUnits parses a digits-only decimal string into an arbitrary
// precision integer. Base-unit amounts never carry signs, decimals, or
// exponents; anything else is rejected.
func parseBaseUnits(s string) (*big.Int, error) {
	t := strings.TrimSpace(s)
	if !digitsRegex.MatchString(t) {
		return nil, fmt.Errorf("amount must be a decimal integer string, got %q", s)
	}
	n, ok := new(big.Int).SetString(t, 10)
	if !ok {
		return nil, fmt.Errorf("failed to parse amount %q", s)
	}
	return n, nil
}
