package storage

import (
	"context"
	"errors"
	"time"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/challenge"
	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/sessionkey"
	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/transfer"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrLimitExceeded is returned by RecordSpend when the increment would
	// push SpendingUsed past SpendingLimit. The stored value is unchanged.
	ErrLimitExceeded = errors.New("spending limit exceeded")
	// ErrConflict is returned when an optimistic update lost the race and
	// should be re-read before retrying.
	ErrConflict = errors.New("concurrent update conflict")
)

// SessionKeyStore persists delegated-authority grants.
type SessionKeyStore interface {
	CreateSessionKey(ctx context.Context, key sessionkey.SessionKey) (sessionkey.SessionKey, error)
	UpdateSessionKey(ctx context.Context, key sessionkey.SessionKey) (sessionkey.SessionKey, error)
	GetSessionKey(ctx context.Context, id string) (sessionkey.SessionKey, error)
	ListSessionKeys(ctx context.Context, walletID, userID string) ([]sessionkey.SessionKey, error)

	// FindActiveForAgent returns the most recently created key for the
	// (wallet, user, agent) triple that is active and unexpired, or
	// ErrNotFound.
	FindActiveForAgent(ctx context.Context, walletID, userID, agentID string) (sessionkey.SessionKey, error)

	// RecordSpend atomically increments SpendingUsed. Implementations must
	// fail closed: two concurrent spends against the same key must never
	// both pass a limit check against a stale value. Returns
	// ErrLimitExceeded without mutating when the increment would exceed
	// the limit. Callers reserve before executing and release on failure.
	RecordSpend(ctx context.Context, id string, amount int64) (sessionkey.SessionKey, error)

	// ReleaseSpend atomically decrements SpendingUsed, undoing a
	// reservation whose execution did not happen. The decrement never
	// takes SpendingUsed below zero.
	ReleaseSpend(ctx context.Context, id string, amount int64) (sessionkey.SessionKey, error)
}

// TransferStore persists transfer records.
type TransferStore interface {
	CreateTransfer(ctx context.Context, rec transfer.Record) (transfer.Record, error)
	UpdateTransfer(ctx context.Context, rec transfer.Record) (transfer.Record, error)
	GetTransfer(ctx context.Context, id string) (transfer.Record, error)
	ListTransfers(ctx context.Context, walletID string) ([]transfer.Record, error)

	// ListStuckAttesting returns records still in the attesting state whose
	// last update predates the cutoff; used by the reconciliation sweep.
	ListStuckAttesting(ctx context.Context, cutoff time.Time) ([]transfer.Record, error)
}

// ChallengeStore persists interactive approval challenges. Implementations
// may expire pending challenges lazily or via TTL.
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, ch challenge.Challenge) (challenge.Challenge, error)
	UpdateChallenge(ctx context.Context, ch challenge.Challenge) (challenge.Challenge, error)
	GetChallenge(ctx context.Context, id string) (challenge.Challenge, error)
}
