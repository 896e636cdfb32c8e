// Package redisstore implements the challenge store on Redis. Challenges are
// short-lived interactive approvals, so a TTL-backed store keeps them from
// accumulating without a sweep job.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/challenge"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage"
)

const keyPrefix = "wallet_layer:challenge:"

// graceTTL keeps resolved/expired challenges readable for a short window
// after their nominal expiry so clients polling the outcome still see it.
const graceTTL = 15 * time.Minute

// ChallengeStore persists approval challenges in Redis with TTL expiry.
type ChallengeStore struct {
	client *redis.Client
}

var _ storage.ChallengeStore = (*ChallengeStore)(nil)

// NewChallengeStore creates a store over the given Redis client.
func NewChallengeStore(client *redis.Client) *ChallengeStore {
	return &ChallengeStore{client: client}
}

func (s *ChallengeStore) CreateChallenge(ctx context.Context, ch challenge.Challenge) (challenge.Challenge, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	ch.CreatedAt = time.Now().UTC()
	if err := s.write(ctx, ch); err != nil {
		return challenge.Challenge{}, err
	}
	return ch, nil
}

func (s *ChallengeStore) UpdateChallenge(ctx context.Context, ch challenge.Challenge) (challenge.Challenge, error) {
	existing, err := s.GetChallenge(ctx, ch.ID)
	if err != nil {
		return challenge.Challenge{}, err
	}
	ch.CreatedAt = existing.CreatedAt
	if err := s.write(ctx, ch); err != nil {
		return challenge.Challenge{}, err
	}
	return ch, nil
}

func (s *ChallengeStore) GetChallenge(ctx context.Context, id string) (challenge.Challenge, error) {
	data, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return challenge.Challenge{}, storage.ErrNotFound
	}
	if err != nil {
		return challenge.Challenge{}, fmt.Errorf("redis get challenge: %w", err)
	}

	var ch challenge.Challenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return challenge.Challenge{}, fmt.Errorf("decode challenge: %w", err)
	}
	if ch.Status == challenge.StatusPending && time.Now().UTC().After(ch.ExpiresAt) {
		ch.Status = challenge.StatusExpired
	}
	return ch, nil
}

func (s *ChallengeStore) write(ctx context.Context, ch challenge.Challenge) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	ttl := time.Until(ch.ExpiresAt) + graceTTL
	if ttl <= 0 {
		ttl = graceTTL
	}
	if err := s.client.Set(ctx, keyPrefix+ch.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set challenge: %w", err)
	}
	return nil
}
