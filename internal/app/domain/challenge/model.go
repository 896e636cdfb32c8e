// Package challenge defines interactive approval challenges, the fallback
// path when a delegated action is denied.
package challenge

import (
	"encoding/json"
	"time"
)

// Status of an approval challenge.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Challenge records a pending human-approval request. No funds move while a
// challenge is outstanding.
type Challenge struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"wallet_id"`
	UserID    string          `json:"user_id"`
	AgentID   string          `json:"agent_id"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}
