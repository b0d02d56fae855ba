package main

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// makeBech32m encodes payload bytes under the given human-readable part with
// a bech32m checksum. Used to build syntactically valid test addresses
// without depending on real chain data.
func makeBech32m(tb testing.TB, hrp string, payload []byte) string {
	tb.Helper()
	conv, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		tb.Fatalf("ConvertBits failed: %v", err)
	}
	s, err := bech32.EncodeM(hrp, conv)
	if err != nil {
		tb.Fatalf("EncodeM failed: %v", err)
	}
	return s
}

// testSparkAddress returns a deterministic valid sp1 address seeded by b.
func testSparkAddress(tb testing.TB, b byte) string {
	tb.Helper()
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = b + byte(i)
	}
	return makeBech32m(tb, "sp", payload)
}

// testTokenID returns a deterministic valid btkn1 token identifier.
func testTokenID(tb testing.TB, b byte) string {
	tb.Helper()
	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = b ^ byte(i*7)
	}
	return makeBech32m(tb, "btkn", payload)
}

func TestLooksLikeSparkAddress(t *testing.T) {
	valid := testSparkAddress(t, 0x11)

	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid address", valid, true},
		{"valid with surrounding space", "  " + valid + "  ", true},
		{"uppercase input is normalized", strings.ToUpper(valid), true},
		{"empty", "", false},
		{"wrong prefix", "sq1" + valid[3:], false},
		{"token id is not an address", testTokenID(t, 0x22), false},
		{"too short", "sp1abc", false},
		{"corrupted checksum", valid[:len(valid)-1] + flipChar(valid[len(valid)-1]), false},
		{"illegal charset", "sp1" + strings.Repeat("b1o", 10), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := looksLikeSparkAddress(tt.in); got != tt.want {
				t.Errorf("looksLikeSparkAddress(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// flipChar returns a different character from the bech32 charset, used to
// corrupt checksums in tests.
func flipChar(c byte) string {
	if c == 'q' {
		return "p"
	}
	return "q"
}

func TestLooksLikeTokenID(t *testing.T) {
	valid := testTokenID(t, 0x33)

	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid token id", valid, true},
		{"trimmed", " " + valid, true},
		{"address is not a token id", testSparkAddress(t, 0x44), false},
		{"empty", "", false},
		{"bad checksum", valid[:len(valid)-1] + flipChar(valid[len(valid)-1]), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := looksLikeTokenID(tt.in); got != tt.want {
				t.Errorf("looksLikeTokenID(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLooksLikeTxID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"32 hex", "0123456789abcdef0123456789abcdef", true},
		{"32 hex uppercase", "0123456789ABCDEF0123456789ABCDEF", true},
		{"64 hex", strings.Repeat("ab", 32), true},
		{"uuid form", "01234567-89ab-cdef-0123-456789abcdef", true},
		{"trimmed", "  0123456789abcdef0123456789abcdef ", true},
		{"31 hex", "0123456789abcdef0123456789abcde", false},
		{"non-hex", "0123456789abcdef0123456789abcdeg", false},
		{"misplaced hyphens", "0123456789-abcdef-0123456789abcdef", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := looksLikeTxID(tt.in); got != tt.want {
				t.Errorf("looksLikeTxID(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseBaseUnits(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"simple", "1003", "1003", false},
		{"zero", "0", "0", false},
		{"larger than uint64", "340282366920938463463374607431768211456", "340282366920938463463374607431768211456", false},
		{"leading space trimmed", " 42", "42", false},
		{"negative", "-5", "", true},
		{"decimal point", "10.5", "", true},
		{"exponent", "1e9", "", true},
		{"empty", "", "", true},
		{"hex", "0xff", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := parseBaseUnits(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseBaseUnits(%q) expected error, got %v", tt.in, n)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseBaseUnits(%q) unexpected error: %v", tt.in, err)
			}
			if n.String() != tt.want {
				t.Errorf("parseBaseUnits(%q) = %s, want %s", tt.in, n, tt.want)
			}
		})
	}
}
