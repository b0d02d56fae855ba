// Package walletauth signs requests to the issuer wallet daemon. The daemon
// authenticates callers by an Ethereum-style JWT: the request body digest is
// embedded in the claims and the token is signed with the issuer key using
// the prefixed-message scheme, so the daemon can recover the signer address
// and match it against the configured issuer.
package walletauth

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// tokenTTL bounds how long a signed request token stays valid. Requests are
// signed per call, so a short window is enough.
const tokenTTL = 5 * time.Minute

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type tokenClaims struct {
	Digest string `json:"digest"`
	Iss    string `json:"iss"`
	Iat    int64  `json:"iat"`
	Exp    int64  `json:"exp"`
	Jti    string `json:"jti"`
}

// Credentials holds the issuer identity used to sign wallet requests.
type Credentials struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewCredentials parses a 64-hex-character secp256k1 private key. The scalar
// is range-checked against the curve order by the underlying parser.
func NewCredentials(privKeyHex string) (*Credentials, error) {
	key, err := ethcrypto.HexToECDSA(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer private key: %w", err)
	}
	return &Credentials{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address returns the issuer address derived from the signing key.
func (c *Credentials) Address() string {
	return c.address
}

// RequestToken builds the bearer token for one wallet RPC call: a JWT with
// alg "ETH" whose claims carry the request body digest, the issuer address,
// and a fresh jti. The "header.payload" string is signed with the prefixed
// message scheme and the 65-byte signature appended base64url-encoded.
func (c *Credentials) RequestToken(digest string) (string, error) {
	jti, err := newNonce()
	if err != nil {
		return "", err
	}

	headerJSON, err := json.Marshal(tokenHeader{Alg: "ETH", Typ: "JWT"})
	if err != nil {
		return "", err
	}

	now := time.Now()
	claimsJSON, err := json.Marshal(tokenClaims{
		Digest: digest,
		Iss:    c.address,
		Iat:    now.Unix(),
		Exp:    now.Add(tokenTTL).Unix(),
		Jti:    jti,
	})
	if err != nil {
		return "", err
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	sig, err := c.SignPrefixed(signingInput)
	if err != nil {
		return "", err
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// SignPrefixed signs a message under the "\x19Ethereum Signed Message:\n"
// prefix and returns the 65-byte r||s||v signature. s is normalized to the
// lower half of the curve order; v is recoveryID + 27.
func (c *Credentials) SignPrefixed(message string) ([]byte, error) {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)

	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(prefixed))
	digest := hasher.Sum(nil)

	keyBytes := c.key.D.Bytes()
	if len(keyBytes) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(keyBytes):], keyBytes)
		keyBytes = padded
	}
	_, pubKey := btcec.PrivKeyFromBytes(keyBytes)

	r, s, err := ecdsa.Sign(rand.Reader, c.key, digest)
	if err != nil {
		return nil, err
	}

	curve := btcec.S256()
	halfOrder := new(big.Int).Rsh(curve.Params().N, 1)
	if s.Cmp(halfOrder) > 0 {
		s = new(big.Int).Sub(curve.Params().N, s)
	}

	recID, err := findRecoveryID(pubKey, digest, r, s)
	if err != nil {
		return nil, err
	}

	sig := make([]byte, 65)
	r.FillBytes(sig[0:32])
	s.FillBytes(sig[32:64])
	sig[64] = recID + 27
	return sig, nil
}

// findRecoveryID returns the recovery identifier (0-3) under which the
// signature recovers to pubKey.
func findRecoveryID(pubKey *btcec.PublicKey, digest []byte, r, s *big.Int) (byte, error) {
	want := pubKey.SerializeUncompressed()

	for v := byte(0); v < 4; v++ {
		candidate := recoverCandidate(digest, r, s, v)
		if candidate == nil {
			continue
		}
		if bytes.Equal(want, candidate.SerializeUncompressed()) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("no recovery id matches signature (r=%x)", r.Bytes()[:8])
}

// recoverCandidate recovers the public key a signature would verify under for
// one recovery id, or nil when that id yields no valid curve point.
// Q = r^-1 * (s*R - e*G), with R reconstructed from r and the id.
func recoverCandidate(digest []byte, r, s *big.Int, recID byte) *btcec.PublicKey {
	curve := btcec.S256()

	rX := new(big.Int).Set(r)
	if recID >= 2 {
		rX.Add(rX, curve.Params().N)
	}
	if rX.Cmp(curve.Params().P) >= 0 {
		return nil
	}

	// y^2 = x^3 + 7 on secp256k1
	ySq := new(big.Int).Mul(rX, rX)
	ySq.Mul(ySq, rX)
	ySq.Add(ySq, big.NewInt(7))
	ySq.Mod(ySq, curve.Params().P)

	y := new(big.Int).ModSqrt(ySq, curve.Params().P)
	if y == nil {
		return nil
	}
	if (y.Bit(0) == 1) != (recID&1 == 1) {
		y.Sub(curve.Params().P, y)
	}
	if !curve.IsOnCurve(rX, y) {
		return nil
	}

	rInv := new(big.Int).ModInverse(r, curve.Params().N)
	if rInv == nil {
		return nil
	}
	e := new(big.Int).SetBytes(digest)

	sRx, sRy := curve.ScalarMult(rX, y, s.Bytes())
	eGx, eGy := curve.ScalarBaseMult(e.Bytes())
	negEGy := new(big.Int).Sub(curve.Params().P, eGy)
	diffX, diffY := curve.Add(sRx, sRy, eGx, negEGy)
	qX, qY := curve.ScalarMult(diffX, diffY, rInv.Bytes())

	if !curve.IsOnCurve(qX, qY) {
		return nil
	}

	var xVal, yVal btcec.FieldVal
	xVal.SetByteSlice(qX.Bytes())
	yVal.SetByteSlice(qY.Bytes())
	return btcec.NewPublicKey(&xVal, &yVal)
}

// newNonce returns a random 32-character hex string for the jti claim.
func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand.Read failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
