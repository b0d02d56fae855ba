package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// OrderPayload is the signed quote a client carries between the request and
// verify endpoints. It is produced by the server but transits an untrusted
// client, so every field is re-validated after decoding; the signature only
// proves the server issued it, not that its contents are still acceptable.
type OrderPayload struct {
	FeeAddress string `json:"feeAddress"`           // merchant fee address the payment must reach
	Amount     string `json:"amount"`               // base units, decimal integer string
	Since      int64  `json:"since"`                // issuance time, epoch ms
	Receiver   string `json:"receiver"`             // payout destination declared by the payer
	TokenID    string `json:"tokenId,omitempty"`    // payout token identifier
	PayoutBase string `json:"payoutBase,omitempty"` // payout amount, base units
}

// Token decode failures. The codec fails closed: no payload field is ever
// exposed from a token whose signature did not check out.
var (
	ErrMalformedToken   = errors.New("bad token")
	ErrBadSignature     = errors.New("bad signature")
	ErrMalformedPayload = errors.New("bad payload")
)

const orderTokenSeparator = "."

// MakeOrderToken serializes the payload, base64url-encodes it, and appends a
// base64url HMAC-SHA256 signature computed with the signing secret. The
// result is a stateless bearer capability; nothing is stored server-side.
func MakeOrderToken(payload *OrderPayload, secret string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding.EncodeToString(raw)
	return enc + orderTokenSeparator + signOrderPayload(enc, secret), nil
}

// ReadOrderToken verifies and decodes an order token. The HMAC is recomputed
// over the encoded part and compared in constant time before any decoding
// happens, so a forged token leaks nothing about its contents or timing.
func ReadOrderToken(token, secret string) (*OrderPayload, error) {
	enc, sig, found := strings.Cut(strings.TrimSpace(token), orderTokenSeparator)
	if !found || enc == "" || sig == "" {
		return nil, ErrMalformedToken
	}

	expect := signOrderPayload(enc, secret)
	if !hmac.Equal([]byte(sig), []byte(expect)) {
		return nil, ErrBadSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrMalformedPayload
	}

	var payload OrderPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrMalformedPayload
	}
	return &payload, nil
}

func signOrderPayload(enc, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(enc))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
