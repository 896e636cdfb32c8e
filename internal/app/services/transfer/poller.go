package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AgentPay-Network/wallet_layer/internal/app/metrics"
	"github.com/AgentPay-Network/wallet_layer/internal/attestation"
	"github.com/AgentPay-Network/wallet_layer/pkg/backoff"
	"github.com/AgentPay-Network/wallet_layer/pkg/logger"
)

// Finality profiles. Fast polls aggressively within the soft-finality window
// (~30-90s); standard paces itself across the hard-finality window (~5-19min).
var (
	FastProfile     = backoff.Policy{Initial: time.Second, Max: 3 * time.Second, Factor: 1.2, MaxAttempts: 30}
	StandardProfile = backoff.Policy{Initial: 5 * time.Second, Max: 10 * time.Second, Factor: 1.0, MaxAttempts: 60}
)

// transientDelay is the fixed pause after a swallowed network error before
// the next poll attempt.
const transientDelay = 2 * time.Second

// AttestationSource fetches the messages recorded for a burn transaction.
type AttestationSource interface {
	Messages(ctx context.Context, sourceDomain uint32, txHash string) ([]attestation.Message, error)
}

// TimeoutError reports exhaustion of a profile's attempt budget. The burn may
// still attest later; the caller must not re-burn.
type TimeoutError struct {
	Fast     bool
	Attempts int
	TxHash   string
}

func (e *TimeoutError) Error() string {
	profile := "standard finality"
	if e.Fast {
		profile = "fast finality"
	}
	return fmt.Sprintf("attestation for %s not available after %d attempts (%s profile)", e.TxHash, e.Attempts, profile)
}

// Poller waits for an attestation with profile-dependent backoff.
type Poller struct {
	source   AttestationSource
	fast     backoff.Policy
	standard backoff.Policy
	pause    time.Duration
	log      *logger.Logger
}

// NewPoller creates a poller with the production finality profiles.
func NewPoller(source AttestationSource, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.NewDefault("attestation-poller")
	}
	return &Poller{
		source:   source,
		fast:     FastProfile,
		standard: StandardProfile,
		pause:    transientDelay,
		log:      log,
	}
}

// WithProfiles overrides the polling profiles; used by tests to shrink the
// schedule.
func (p *Poller) WithProfiles(fast, standard backoff.Policy, pause time.Duration) *Poller {
	p.fast = fast
	p.standard = standard
	p.pause = pause
	return p
}

// Poll blocks until a ready message is observed, the attempt budget runs out,
// or ctx is cancelled. It returns the raw message and attestation bytes.
//
// A not-yet-indexed transaction and a transient network error are both
// retried; only budget exhaustion (or cancellation) is terminal.
func (p *Poller) Poll(ctx context.Context, txHash string, sourceDomain uint32, fast bool) (message, att []byte, err error) {
	policy := p.standard
	if fast {
		policy = p.fast
	}

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := policy.Wait(ctx, attempt); err != nil {
				return nil, nil, err
			}
		}

		msgs, err := p.source.Messages(ctx, sourceDomain, txHash)
		switch {
		case errors.Is(err, attestation.ErrNotIndexed):
			metrics.RecordAttestationPoll(fast, "not_indexed")
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, nil, err
		case err != nil:
			metrics.RecordAttestationPoll(fast, "error")
			p.log.WithError(err).WithField("tx_hash", txHash).Warn("attestation query failed; retrying")
			if werr := sleep(ctx, p.pause); werr != nil {
				return nil, nil, werr
			}
			continue
		}

		for _, msg := range msgs {
			if !msg.Ready(fast) {
				continue
			}
			messageBytes, err := hexutil.Decode(msg.Message)
			if err != nil {
				return nil, nil, fmt.Errorf("decode attested message: %w", err)
			}
			attBytes, err := hexutil.Decode(msg.Attestation)
			if err != nil {
				return nil, nil, fmt.Errorf("decode attestation: %w", err)
			}
			metrics.RecordAttestationPoll(fast, "ready")
			return messageBytes, attBytes, nil
		}
		metrics.RecordAttestationPoll(fast, "pending")
	}

	metrics.RecordAttestationPoll(fast, "timeout")
	return nil, nil, &TimeoutError{Fast: fast, Attempts: policy.MaxAttempts, TxHash: txHash}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
