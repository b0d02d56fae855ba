package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"paymint/internal/walletauth"
)

// Wallet is the payout side of the portal: mint reward tokens into the issuer
// wallet, then transfer them out to the receiver. Both calls return the
// resulting transaction id. Partial failure is a normal condition; the payout
// orchestrator owns the recovery.
type Wallet interface {
	Mint(ctx context.Context, tokenID string, amount *big.Int) (string, error)
	Transfer(ctx context.Context, tokenID string, amount *big.Int, receiver string) (string, error)
}

// IssuerWalletClient talks JSON-RPC to the issuer wallet daemon. Every
// request body is marshaled deterministically, digested, and the digest
// signed into a bearer token so the daemon can authenticate the caller as
// the issuer.
type IssuerWalletClient struct {
	rpcURL     string
	creds      *walletauth.Credentials
	httpClient *http.Client
	logger     *zap.Logger
}

// NewIssuerWalletClient creates a client for the wallet daemon at rpcURL,
// signing requests with the given private key.
func NewIssuerWalletClient(rpcURL, privKeyHex string, logger *zap.Logger) (*IssuerWalletClient, error) {
	creds, err := walletauth.NewCredentials(privKeyHex)
	if err != nil {
		return nil, err
	}
	return &IssuerWalletClient{
		rpcURL: rpcURL,
		creds:  creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}, nil
}

// IssuerAddress returns the signing identity presented to the daemon.
func (c *IssuerWalletClient) IssuerAddress() string {
	return c.creds.Address()
}

// Mint implements Wallet.
func (c *IssuerWalletClient) Mint(ctx context.Context, tokenID string, amount *big.Int) (string, error) {
	return c.call(ctx, "issuer.mintTokens", map[string]interface{}{
		"tokenIdentifier": tokenID,
		"tokenAmount":     amount.String(),
	})
}

// Transfer implements Wallet.
func (c *IssuerWalletClient) Transfer(ctx context.Context, tokenID string, amount *big.Int, receiver string) (string, error) {
	return c.call(ctx, "issuer.transferTokens", map[string]interface{}{
		"tokenIdentifier": tokenID,
		"tokenAmount":     amount.String(),
		"receiverAddress": receiver,
	})
}

// Ping checks daemon reachability without moving funds.
func (c *IssuerWalletClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "issuer.ping", map[string]interface{}{})
	return err
}

type walletRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type walletRPCResponse struct {
	Result *struct {
		TxID string `json:"txId"`
	} `json:"result"`
	Error *walletRPCError `json:"error"`
}

func (c *IssuerWalletClient) call(ctx context.Context, method string, params map[string]interface{}) (string, error) {
	rpcRequest := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}

	// Deterministic marshaling: the signed digest must match the bytes on
	// the wire regardless of map iteration order.
	body, err := marshalSorted(rpcRequest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	digest := sha256.Sum256(body)
	token, err := c.creds.RequestToken("0x" + hex.EncodeToString(digest[:]))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("wallet rpc %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read wallet rpc response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wallet rpc %s returned status %d: %s",
			method, resp.StatusCode, truncateForLog(string(respBody)))
	}

	var parsed walletRPCResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse wallet rpc response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("wallet rpc %s error %d: %s", method, parsed.Error.Code, parsed.Error.Message)
	}
	if parsed.Result == nil {
		return "", fmt.Errorf("wallet rpc %s returned no result", method)
	}

	c.logger.Debug("Wallet RPC call succeeded",
		zap.String("method", method),
		zap.String("tx_id", truncateForLog(parsed.Result.TxID)),
	)
	return parsed.Result.TxID, nil
}

// marshalSorted marshals v to JSON with all map keys sorted lexicographically
// at every level, so equal requests always produce equal bytes.
func marshalSorted(v interface{}) ([]byte, error) {
	temp, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var data interface{}
	if err := json.Unmarshal(temp, &data); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := marshalSortedRecursive(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalSortedRecursive(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteString(":")
			if err := marshalSortedRecursive(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	case []interface{}:
		buf.WriteString("[")
		for i, item := range val {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := marshalSortedRecursive(buf, item); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
