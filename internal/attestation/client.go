// Package attestation queries the cross-chain attestation service.
//
// The service indexes burn transactions by source domain and transaction
// hash and issues an attestation once the configured finality depth is
// reached. The client treats the service as opaque: it fetches messages and
// reports their status without interpreting the proof bytes.
package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Message statuses reported by the attestation service.
const (
	StatusPendingConfirmations = "pending_confirmations"
	StatusConfirmed            = "confirmed"
	StatusComplete             = "complete"
)

// ErrNotIndexed is returned when the service has not yet indexed the source
// transaction. Callers should retry; it is not a failure.
var ErrNotIndexed = errors.New("transaction not yet indexed by attestation service")

// Message is one attested (or pending) cross-chain message.
type Message struct {
	Message           string `json:"message"`
	Attestation       string `json:"attestation"`
	Status            string `json:"status"`
	EventNonce        string `json:"eventNonce,omitempty"`
	SourceDomain      string `json:"sourceDomain,omitempty"`
	DestinationDomain string `json:"destinationDomain,omitempty"`
}

// Ready reports whether the message carries a usable proof for the given
// finality profile. The fast profile accepts soft finality (confirmed); the
// standard profile requires full finality (complete). Both require the
// message and attestation bytes to be present.
func (m Message) Ready(fast bool) bool {
	if m.Message == "" || m.Attestation == "" {
		return false
	}
	if fast {
		return m.Status == StatusConfirmed || m.Status == StatusComplete
	}
	return m.Status == StatusComplete
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is an HTTP client for the attestation service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new attestation client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("attestation base URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Messages fetches the messages recorded for a source transaction. A 404
// from the service means the transaction is not indexed yet and surfaces as
// ErrNotIndexed.
func (c *Client) Messages(ctx context.Context, sourceDomain uint32, txHash string) ([]Message, error) {
	url := fmt.Sprintf("%s/v2/messages/%d?transactionHash=%s", c.baseURL, sourceDomain, txHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build attestation request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attestation request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotIndexed
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("attestation service status %d", resp.StatusCode)
	}

	var payload struct {
		Messages []Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode attestation response: %w", err)
	}
	return payload.Messages, nil
}
