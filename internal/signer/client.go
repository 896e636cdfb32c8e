// Package signer talks to the custodial signing and execution service.
//
// The service holds the actual keys. It accepts a contract execution or a
// typed-data signing request for a wallet and responds with either a
// transaction hash (the action was executed) or a challenge id (a human must
// approve interactively). This layer never implements signing itself.
//
// Execute requests are deliberately not retried here: a request that timed
// out may still have reached the service, and re-submitting a value-moving
// call is never safe to do silently. Callers decide whether to retry.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ExecuteRequest asks the service to run a contract call from a wallet.
type ExecuteRequest struct {
	WalletID string `json:"wallet_id"`
	Chain    string `json:"chain"`
	Contract string `json:"contract_address"`
	// Function is the human-readable function signature, e.g.
	// "depositForBurn(uint256,uint32,bytes32,address)".
	Function string `json:"function"`
	// Params are ABI-encodable arguments, opaque to this layer.
	Params []interface{} `json:"params"`
	// SessionKeyID selects delegated signing; empty means the user's own
	// key, which may require an interactive challenge.
	SessionKeyID string `json:"session_key_id,omitempty"`
	UserToken    string `json:"user_token,omitempty"`
}

// SignRequest asks the service to sign a typed-data digest.
type SignRequest struct {
	WalletID     string `json:"wallet_id"`
	Digest       string `json:"digest"` // 0x-prefixed 32-byte hash
	SessionKeyID string `json:"session_key_id,omitempty"`
	UserToken    string `json:"user_token,omitempty"`
}

// Result is the service's answer to either request kind. Exactly one of
// TxHash/Signature or ChallengeID is populated on success.
type Result struct {
	TxID        string `json:"tx_id,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	Signature   string `json:"signature,omitempty"`
	ChallengeID string `json:"challenge_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NeedsApproval reports whether the service demanded interactive approval
// instead of executing.
func (r Result) NeedsApproval() bool { return r.ChallengeID != "" }

// Config holds client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is an HTTP client for the signing service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new signing service client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("signer base URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Execute submits a contract execution request.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (Result, error) {
	return c.post(ctx, fmt.Sprintf("/v1/wallets/%s/execute", req.WalletID), req)
}

// SignTypedData submits a typed-data signing request.
func (c *Client) SignTypedData(ctx context.Context, req SignRequest) (Result, error) {
	return c.post(ctx, fmt.Sprintf("/v1/wallets/%s/sign", req.WalletID), req)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshal signer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build signer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("signer request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read signer response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("decode signer response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg := result.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return Result{}, fmt.Errorf("signer service status %d: %s", resp.StatusCode, msg)
	}
	if result.Error != "" {
		return Result{}, fmt.Errorf("signer service error: %s", result.Error)
	}
	return result, nil
}
