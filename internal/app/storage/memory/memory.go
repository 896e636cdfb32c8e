// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It is intended for tests and prototyping and
// deliberately keeps the implementation simple.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/challenge"
	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/sessionkey"
	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage"
)

// Store is the in-memory persistence layer.
type Store struct {
	mu         sync.RWMutex
	nextID     int64
	keys       map[string]sessionkey.SessionKey
	transfers  map[string]transfer.Record
	challenges map[string]challenge.Challenge
}

var (
	_ storage.SessionKeyStore = (*Store)(nil)
	_ storage.TransferStore   = (*Store)(nil)
	_ storage.ChallengeStore  = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextID:     1,
		keys:       make(map[string]sessionkey.SessionKey),
		transfers:  make(map[string]transfer.Record),
		challenges: make(map[string]challenge.Challenge),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// SessionKeyStore implementation ---------------------------------------------

func (s *Store) CreateSessionKey(_ context.Context, key sessionkey.SessionKey) (sessionkey.SessionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.ID == "" {
		key.ID = s.nextIDLocked()
	} else if _, exists := s.keys[key.ID]; exists {
		return sessionkey.SessionKey{}, fmt.Errorf("session key %s already exists", key.ID)
	}

	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now
	key.Version = 1

	s.keys[key.ID] = cloneKey(key)
	return cloneKey(key), nil
}

func (s *Store) UpdateSessionKey(_ context.Context, key sessionkey.SessionKey) (sessionkey.SessionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.keys[key.ID]
	if !ok {
		return sessionkey.SessionKey{}, storage.ErrNotFound
	}
	if key.Version != original.Version {
		return sessionkey.SessionKey{}, storage.ErrConflict
	}

	key.CreatedAt = original.CreatedAt
	key.UpdatedAt = time.Now().UTC()
	key.Version = original.Version + 1

	s.keys[key.ID] = cloneKey(key)
	return cloneKey(key), nil
}

func (s *Store) GetSessionKey(_ context.Context, id string) (sessionkey.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[id]
	if !ok {
		return sessionkey.SessionKey{}, storage.ErrNotFound
	}
	return cloneKey(key), nil
}

func (s *Store) ListSessionKeys(_ context.Context, walletID, userID string) ([]sessionkey.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []sessionkey.SessionKey
	for _, key := range s.keys {
		if key.WalletID == walletID && key.UserID == userID {
			result = append(result, cloneKey(key))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) FindActiveForAgent(_ context.Context, walletID, userID, agentID string) (sessionkey.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var best sessionkey.SessionKey
	found := false
	for _, key := range s.keys {
		if key.WalletID != walletID || key.UserID != userID || key.AgentID != agentID {
			continue
		}
		if !key.Usable(now) {
			continue
		}
		if !found || key.CreatedAt.After(best.CreatedAt) {
			best = key
			found = true
		}
	}
	if !found {
		return sessionkey.SessionKey{}, storage.ErrNotFound
	}
	return cloneKey(best), nil
}

func (s *Store) RecordSpend(_ context.Context, id string, amount int64) (sessionkey.SessionKey, error) {
	if amount < 0 {
		return sessionkey.SessionKey{}, fmt.Errorf("spend amount must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return sessionkey.SessionKey{}, storage.ErrNotFound
	}
	// Subtraction keeps the comparison overflow-safe for any amount.
	if amount > key.SpendingLimit-key.SpendingUsed {
		return sessionkey.SessionKey{}, storage.ErrLimitExceeded
	}

	key.SpendingUsed += amount
	key.Version++
	key.UpdatedAt = time.Now().UTC()
	s.keys[id] = key
	return cloneKey(key), nil
}

func (s *Store) ReleaseSpend(_ context.Context, id string, amount int64) (sessionkey.SessionKey, error) {
	if amount < 0 {
		return sessionkey.SessionKey{}, fmt.Errorf("release amount must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return sessionkey.SessionKey{}, storage.ErrNotFound
	}
	if amount > key.SpendingUsed {
		return sessionkey.SessionKey{}, fmt.Errorf("release of %d exceeds booked spend %d", amount, key.SpendingUsed)
	}

	key.SpendingUsed -= amount
	key.Version++
	key.UpdatedAt = time.Now().UTC()
	s.keys[id] = key
	return cloneKey(key), nil
}

// TransferStore implementation -----------------------------------------------

func (s *Store) CreateTransfer(_ context.Context, rec transfer.Record) (transfer.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = s.nextIDLocked()
	} else if _, exists := s.transfers[rec.ID]; exists {
		return transfer.Record{}, fmt.Errorf("transfer %s already exists", rec.ID)
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.transfers[rec.ID] = cloneRecord(rec)
	return cloneRecord(rec), nil
}

func (s *Store) UpdateTransfer(_ context.Context, rec transfer.Record) (transfer.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.transfers[rec.ID]
	if !ok {
		return transfer.Record{}, storage.ErrNotFound
	}

	rec.CreatedAt = original.CreatedAt
	rec.UpdatedAt = time.Now().UTC()

	s.transfers[rec.ID] = cloneRecord(rec)
	return cloneRecord(rec), nil
}

func (s *Store) GetTransfer(_ context.Context, id string) (transfer.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.transfers[id]
	if !ok {
		return transfer.Record{}, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *Store) ListTransfers(_ context.Context, walletID string) ([]transfer.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []transfer.Record
	for _, rec := range s.transfers {
		if rec.WalletID == walletID {
			result = append(result, cloneRecord(rec))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListStuckAttesting(_ context.Context, cutoff time.Time) ([]transfer.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []transfer.Record
	for _, rec := range s.transfers {
		if rec.Status == transfer.StatusAttesting && rec.UpdatedAt.Before(cutoff) {
			result = append(result, cloneRecord(rec))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	return result, nil
}

// ChallengeStore implementation ----------------------------------------------

func (s *Store) CreateChallenge(_ context.Context, ch challenge.Challenge) (challenge.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.ID == "" {
		ch.ID = s.nextIDLocked()
	} else if _, exists := s.challenges[ch.ID]; exists {
		return challenge.Challenge{}, fmt.Errorf("challenge %s already exists", ch.ID)
	}

	ch.CreatedAt = time.Now().UTC()
	s.challenges[ch.ID] = ch
	return ch, nil
}

func (s *Store) UpdateChallenge(_ context.Context, ch challenge.Challenge) (challenge.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.challenges[ch.ID]
	if !ok {
		return challenge.Challenge{}, storage.ErrNotFound
	}
	ch.CreatedAt = original.CreatedAt
	s.challenges[ch.ID] = ch
	return ch, nil
}

func (s *Store) GetChallenge(_ context.Context, id string) (challenge.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[id]
	if !ok {
		return challenge.Challenge{}, storage.ErrNotFound
	}
	if ch.Status == challenge.StatusPending && time.Now().UTC().After(ch.ExpiresAt) {
		ch.Status = challenge.StatusExpired
		s.challenges[id] = ch
	}
	return ch, nil
}

// clone helpers ---------------------------------------------------------------

func cloneKey(key sessionkey.SessionKey) sessionkey.SessionKey {
	key.AllowedActions = append([]sessionkey.Action(nil), key.AllowedActions...)
	key.AllowedChains = append([]string(nil), key.AllowedChains...)
	key.AllowedTokens = append([]string(nil), key.AllowedTokens...)
	return key
}

func cloneRecord(rec transfer.Record) transfer.Record {
	rec.Message = append([]byte(nil), rec.Message...)
	rec.Attestation = append([]byte(nil), rec.Attestation...)
	rec.Spec.HookData = append([]byte(nil), rec.Spec.HookData...)
	return rec
}
