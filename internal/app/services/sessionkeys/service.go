// Package sessionkeys manages delegated-authority grants.
package sessionkeys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/sessionkey"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage"
	"github.com/AgentPay-Network/wallet_layer/pkg/logger"
)

// Service coordinates session key grants over the backing store.
type Service struct {
	store storage.SessionKeyStore
	log   *logger.Logger
}

// New creates a configured session key service.
func New(store storage.SessionKeyStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("sessionkeys")
	}
	return &Service{store: store, log: log}
}

// GrantRequest is the scope+duration+limit bundle a user approves when
// delegating authority to an agent.
type GrantRequest struct {
	WalletID          string
	UserID            string
	AgentID           string
	AllowedActions    []sessionkey.Action
	AllowedChains     []string
	AllowedTokens     []string
	SpendingLimit     int64
	MaxPerTransaction int64
	Duration          time.Duration
	AutoRenew         bool
}

// Grant creates an active session key from an approved bundle.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (sessionkey.SessionKey, error) {
	req.WalletID = strings.TrimSpace(req.WalletID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.AgentID = strings.TrimSpace(req.AgentID)

	if req.WalletID == "" {
		return sessionkey.SessionKey{}, fmt.Errorf("wallet_id is required")
	}
	if req.UserID == "" {
		return sessionkey.SessionKey{}, fmt.Errorf("user_id is required")
	}
	if req.AgentID == "" {
		return sessionkey.SessionKey{}, fmt.Errorf("agent_id is required")
	}
	if len(req.AllowedActions) == 0 {
		return sessionkey.SessionKey{}, fmt.Errorf("at least one allowed action is required")
	}
	if req.SpendingLimit <= 0 {
		return sessionkey.SessionKey{}, fmt.Errorf("spending limit must be positive")
	}
	if req.MaxPerTransaction < 0 {
		return sessionkey.SessionKey{}, fmt.Errorf("per-transaction cap must be non-negative")
	}
	if req.Duration <= 0 {
		return sessionkey.SessionKey{}, fmt.Errorf("duration must be positive")
	}

	key := sessionkey.SessionKey{
		WalletID:          req.WalletID,
		UserID:            req.UserID,
		AgentID:           req.AgentID,
		AllowedActions:    req.AllowedActions,
		AllowedChains:     req.AllowedChains,
		AllowedTokens:     req.AllowedTokens,
		SpendingLimit:     req.SpendingLimit,
		MaxPerTransaction: req.MaxPerTransaction,
		ExpiresAt:         time.Now().UTC().Add(req.Duration),
		AutoRenew:         req.AutoRenew,
		Status:            sessionkey.StatusActive,
	}

	key, err := s.store.CreateSessionKey(ctx, key)
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	s.log.WithField("session_key_id", key.ID).
		WithField("wallet_id", key.WalletID).
		WithField("agent_id", key.AgentID).
		WithField("spending_limit", key.SpendingLimit).
		Info("session key granted")
	return key, nil
}

// Get returns a session key by id.
func (s *Service) Get(ctx context.Context, id string) (sessionkey.SessionKey, error) {
	return s.store.GetSessionKey(ctx, id)
}

// List returns the session keys for a wallet/user pair, most recent first.
func (s *Service) List(ctx context.Context, walletID, userID string) ([]sessionkey.SessionKey, error) {
	return s.store.ListSessionKeys(ctx, walletID, userID)
}

// Revoke transitions a key to revoked. Revocation is terminal.
func (s *Service) Revoke(ctx context.Context, id string) (sessionkey.SessionKey, error) {
	key, err := s.store.GetSessionKey(ctx, id)
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	if key.Status == sessionkey.StatusRevoked {
		return key, nil
	}
	key.Status = sessionkey.StatusRevoked

	key, err = s.store.UpdateSessionKey(ctx, key)
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	s.log.WithField("session_key_id", key.ID).Info("session key revoked")
	return key, nil
}

// FindActiveForAgent returns the newest usable key for the triple, or nil
// when none exists.
func (s *Service) FindActiveForAgent(ctx context.Context, walletID, userID, agentID string) (*sessionkey.SessionKey, error) {
	key, err := s.store.FindActiveForAgent(ctx, walletID, userID, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// RecordSpend books a delegated spend against the key. The guarded store
// increment is the authoritative limit check: callers reserve before
// executing, so two concurrent spends can never both pass against a stale
// value. A reservation whose execution fails is undone with ReleaseSpend.
func (s *Service) RecordSpend(ctx context.Context, id string, amount int64) (sessionkey.SessionKey, error) {
	key, err := s.store.RecordSpend(ctx, id, amount)
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	s.log.WithField("session_key_id", id).
		WithField("amount", amount).
		WithField("spending_used", key.SpendingUsed).
		Info("delegated spend recorded")
	return key, nil
}

// ReleaseSpend returns a reserved amount to the key's budget after the
// corresponding execution failed.
func (s *Service) ReleaseSpend(ctx context.Context, id string, amount int64) (sessionkey.SessionKey, error) {
	key, err := s.store.ReleaseSpend(ctx, id, amount)
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	s.log.WithField("session_key_id", id).
		WithField("amount", amount).
		WithField("spending_used", key.SpendingUsed).
		Info("reserved spend released")
	return key, nil
}

// Renew extends an auto-renewing key for another period of the same length
// it was originally granted for, resetting its spend counter. Keys without
// AutoRenew are rejected.
func (s *Service) Renew(ctx context.Context, id string, duration time.Duration) (sessionkey.SessionKey, error) {
	key, err := s.store.GetSessionKey(ctx, id)
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	if !key.AutoRenew {
		return sessionkey.SessionKey{}, fmt.Errorf("session key %s is not auto-renewing", id)
	}
	if key.Status == sessionkey.StatusRevoked {
		return sessionkey.SessionKey{}, fmt.Errorf("session key %s is revoked", id)
	}
	if duration <= 0 {
		return sessionkey.SessionKey{}, fmt.Errorf("duration must be positive")
	}

	key.ExpiresAt = time.Now().UTC().Add(duration)
	key.SpendingUsed = 0
	key.Status = sessionkey.StatusActive

	key, err = s.store.UpdateSessionKey(ctx, key)
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	s.log.WithField("session_key_id", key.ID).
		WithField("expires_at", key.ExpiresAt).
		Info("session key renewed")
	return key, nil
}
