package main

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const testSecret = "unit-test-signing-secret-0123456789"

func testPayload() *OrderPayload {
	return &OrderPayload{
		FeeAddress: "sp1feeaddressplaceholderqqqqqqqq",
		Amount:     "1003",
		Since:      1756700000000,
		Receiver:   "sp1receiverplaceholderqqqqqqqqqq",
		TokenID:    "btkn1payouttokenqqqqqq",
		PayoutBase: "250000",
	}
}

func TestOrderToken_RoundTrip(t *testing.T) {
	payload := testPayload()

	token, err := MakeOrderToken(payload, testSecret)
	if err != nil {
		t.Fatalf("MakeOrderToken failed: %v", err)
	}

	got, err := ReadOrderToken(token, testSecret)
	if err != nil {
		t.Fatalf("ReadOrderToken failed: %v", err)
	}

	if *got != *payload {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, payload)
	}
}

func TestOrderToken_OptionalFieldsOmitted(t *testing.T) {
	payload := &OrderPayload{
		FeeAddress: "sp1fee",
		Amount:     "7",
		Since:      1,
		Receiver:   "sp1rcv",
	}

	token, err := MakeOrderToken(payload, testSecret)
	if err != nil {
		t.Fatalf("MakeOrderToken failed: %v", err)
	}
	got, err := ReadOrderToken(token, testSecret)
	if err != nil {
		t.Fatalf("ReadOrderToken failed: %v", err)
	}
	if got.TokenID != "" || got.PayoutBase != "" {
		t.Errorf("optional fields not empty: %+v", got)
	}
}

func TestOrderToken_WrongSecret(t *testing.T) {
	token, err := MakeOrderToken(testPayload(), testSecret)
	if err != nil {
		t.Fatalf("MakeOrderToken failed: %v", err)
	}

	if _, err := ReadOrderToken(token, "a-completely-different-secret"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestOrderToken_Malformed(t *testing.T) {
	token, _ := MakeOrderToken(testPayload(), testSecret)
	enc, sig, _ := strings.Cut(token, ".")

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMalformedToken},
		{"no separator", enc, ErrMalformedToken},
		{"missing signature", enc + ".", ErrMalformedToken},
		{"missing payload", "." + sig, ErrMalformedToken},
		{"whitespace only", "   ", ErrMalformedToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadOrderToken(tt.token, testSecret); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

// Flipping any single bit of the encoded payload or the signature must fail
// verification; a tampered token never silently decodes.
func TestOrderToken_TamperDetection(t *testing.T) {
	token, err := MakeOrderToken(testPayload(), testSecret)
	if err != nil {
		t.Fatalf("MakeOrderToken failed: %v", err)
	}

	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			continue
		}
		mutated := []byte(token)
		// Swap the character for a different base64url character so the
		// token stays structurally valid.
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}

		_, err := ReadOrderToken(string(mutated), testSecret)
		if err == nil {
			t.Fatalf("tampered token at offset %d decoded successfully", i)
		}
		if !errors.Is(err, ErrBadSignature) {
			t.Fatalf("tampered token at offset %d: err = %v, want ErrBadSignature", i, err)
		}
	}
}

// A correctly signed token whose payload is not a JSON object fails with a
// payload error, not a signature error.
func TestOrderToken_SignedGarbagePayload(t *testing.T) {
	enc := base64.RawURLEncoding.EncodeToString([]byte("not json at all"))
	token := enc + "." + signOrderPayload(enc, testSecret)

	if _, err := ReadOrderToken(token, testSecret); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("err = %v, want ErrMalformedPayload", err)
	}
}
