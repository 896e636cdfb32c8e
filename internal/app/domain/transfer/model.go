// Package transfer defines the cross-chain transfer domain model.
package transfer

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a transfer record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBurning   Status = "burning"
	StatusAttesting Status = "attesting"
	StatusMinting   Status = "minting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses along the happy path so monotonicity can be checked.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusBurning:
		return 1
	case StatusAttesting:
		return 2
	case StatusMinting:
		return 3
	case StatusCompleted:
		return 4
	case StatusFailed:
		return 5
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
// Failed is reachable from any non-terminal state; forward progress only
// otherwise.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() == s.rank()+1
}

// Spec is the immutable description of a single value movement. Value is in
// the token's smallest unit.
type Spec struct {
	SourceDomain        uint32
	DestinationDomain   uint32
	SourceContract      common.Address
	DestinationContract common.Address
	SourceToken         common.Address
	DestinationToken    common.Address
	Depositor           common.Address
	Recipient           common.Address
	Signer              common.Address
	// DestinationCaller restricts who may trigger the destination mint.
	// The zero address means unrestricted.
	DestinationCaller common.Address
	Value             int64
	// Salt must be unique per transfer; the destination rejects reused
	// salts to prevent replay.
	Salt     [32]byte
	HookData []byte
}

// BurnIntent is a Spec plus execution bounds. The signed hash of a BurnIntent
// is the sole authorization artifact accepted by the relay path.
type BurnIntent struct {
	Spec Spec
	// MaxBlockHeight bounds how long the intent remains executable.
	MaxBlockHeight int64
	// MaxFee selects the finality profile: 0 means the standard finalized
	// path, any positive value buys the fast confirmed path.
	MaxFee int64
}

// Fast reports whether the intent uses the fast (soft-finality) profile.
func (b BurnIntent) Fast() bool { return b.MaxFee > 0 }

// Record tracks one transfer through the burn/attest/mint pipeline. Records
// are mutated only by the orchestrator and are never deleted; terminal states
// supersede them.
type Record struct {
	ID       string
	WalletID string
	UserID   string
	// SessionKeyID records the delegated grant the transfer runs under, so
	// a resumed pipeline presents the same authority to the signing
	// service. The user token itself is never persisted.
	SessionKeyID      string
	SourceChain       string
	DestinationChain  string
	Spec              Spec
	Fast              bool
	Status            Status
	SourceTxHash      string
	Message           []byte
	Attestation       []byte
	DestinationTxHash string
	Error             string
	// Progress is a monotonic 0-100 indicator for display.
	Progress    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}
