package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// IntentSubmission is a signed burn intent for the instant-transfer path.
// The signature over the typed-data digest is the sole authorization the
// relay accepts; no further per-field validation happens client-side.
type IntentSubmission struct {
	SourceDomain      uint32 `json:"sourceDomain"`
	DestinationDomain uint32 `json:"destinationDomain"`
	Depositor         string `json:"depositor"`
	Recipient         string `json:"recipient"`
	Value             int64  `json:"value"`
	Salt              string `json:"salt"`
	MaxBlockHeight    int64  `json:"maxBlockHeight"`
	MaxFee            int64  `json:"maxFee"`
	HookData          string `json:"hookData,omitempty"`
	Signature         string `json:"signature"`
}

// IntentReceipt is the relay's acknowledgement of an accepted intent.
type IntentReceipt struct {
	TransferID  string `json:"transferId"`
	Attestation string `json:"attestation"`
	Message     string `json:"message"`
	Error       string `json:"error,omitempty"`
}

// SubmitIntent posts a signed burn intent to the relay. The relay either
// accepts the whole intent and returns an immediately usable attestation, or
// rejects it; there is no partial acceptance.
func (c *Client) SubmitIntent(ctx context.Context, sub IntentSubmission) (IntentReceipt, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return IntentReceipt{}, fmt.Errorf("marshal intent: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/transfers", bytes.NewReader(payload))
	if err != nil {
		return IntentReceipt{}, fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return IntentReceipt{}, fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return IntentReceipt{}, fmt.Errorf("read relay response: %w", err)
	}

	var receipt IntentReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return IntentReceipt{}, fmt.Errorf("decode relay response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := receipt.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return IntentReceipt{}, fmt.Errorf("relay status %d: %s", resp.StatusCode, msg)
	}
	if receipt.Error != "" {
		return IntentReceipt{}, fmt.Errorf("relay error: %s", receipt.Error)
	}
	return receipt, nil
}
