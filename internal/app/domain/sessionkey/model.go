// Package sessionkey defines delegated-authority grants for agents.
package sessionkey

import "time"

// Status of a session key grant.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Action is a wallet-mutating operation an agent can be scoped to.
type Action string

const (
	ActionTransfer Action = "transfer"
	ActionApprove  Action = "approve"
	ActionSwap     Action = "swap"
	ActionBridge   Action = "bridge"
)

// SessionKey is a grant of delegated authority from a wallet owner to an
// agent. Amounts are in the token's smallest unit. Invariant:
// 0 <= SpendingUsed <= SpendingLimit at all times; any spend that would break
// it is rejected before execution.
type SessionKey struct {
	ID       string
	WalletID string
	UserID   string
	AgentID  string

	AllowedActions []Action
	// AllowedChains restricts chains the key may act on; empty means all.
	AllowedChains []string
	// AllowedTokens restricts tokens the key may move; empty means all.
	AllowedTokens []string

	SpendingLimit int64
	SpendingUsed  int64
	// MaxPerTransaction caps a single spend; 0 means unset.
	MaxPerTransaction int64

	ExpiresAt time.Time
	AutoRenew bool
	Status    Status

	// Version supports optimistic concurrency on SpendingUsed updates.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the key's lifetime has lapsed, independent of the
// persisted Status field (expiry is evaluated lazily, not swept).
func (k SessionKey) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// Usable reports whether the key can authorize new actions at the given time.
func (k SessionKey) Usable(now time.Time) bool {
	return k.Status == StatusActive && !k.Expired(now)
}

// AllowsAction reports whether the action is within the key's scope.
func (k SessionKey) AllowsAction(action Action) bool {
	for _, a := range k.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// AllowsChain reports whether the chain is within scope. An empty list means
// every chain is allowed.
func (k SessionKey) AllowsChain(chain string) bool {
	if len(k.AllowedChains) == 0 {
		return true
	}
	for _, c := range k.AllowedChains {
		if c == chain {
			return true
		}
	}
	return false
}

// AllowsToken reports whether the token is within scope. An empty list means
// every token is allowed.
func (k SessionKey) AllowsToken(token string) bool {
	if len(k.AllowedTokens) == 0 {
		return true
	}
	for _, t := range k.AllowedTokens {
		if t == token {
			return true
		}
	}
	return false
}

// Remaining returns the unspent portion of the limit.
func (k SessionKey) Remaining() int64 {
	if k.SpendingUsed >= k.SpendingLimit {
		return 0
	}
	return k.SpendingLimit - k.SpendingUsed
}
