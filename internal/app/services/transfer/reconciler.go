package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AgentPay-Network/wallet_layer/internal/app/storage"
	"github.com/AgentPay-Network/wallet_layer/internal/app/system"
	"github.com/AgentPay-Network/wallet_layer/pkg/logger"
)

// Resumer resumes a transfer stranded mid-pipeline.
type Resumer interface {
	Resume(ctx context.Context, id string) error
}

// ReconcilerConfig tunes the periodic sweep.
type ReconcilerConfig struct {
	// Schedule is a cron expression; defaults to every minute.
	Schedule string
	// StuckAfter is how long a transfer may sit in the attesting state
	// before the sweep picks it up. It must comfortably exceed the polling
	// budget so the sweep never races a live pipeline.
	StuckAfter time.Duration
}

// Reconciler periodically resumes transfers stuck in the attesting state.
// A transfer gets stuck when the process restarts mid-pipeline or the
// attestation poll exhausted its budget while the burn eventually attested
// anyway. Resuming re-polls from the recorded source tx hash; it never
// re-issues a burn.
type Reconciler struct {
	store      storage.TransferStore
	resumer    Resumer
	schedule   string
	stuckAfter time.Duration
	log        *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc
}

var _ system.Service = (*Reconciler)(nil)

// NewReconciler creates a reconciler over the given store and resumer.
func NewReconciler(store storage.TransferStore, resumer Resumer, cfg ReconcilerConfig, log *logger.Logger) *Reconciler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 30 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault("transfer-reconciler")
	}
	return &Reconciler{
		store:      store,
		resumer:    resumer,
		schedule:   cfg.Schedule,
		stuckAfter: cfg.StuckAfter,
		log:        log,
	}
}

func (r *Reconciler) Name() string { return "transfer-reconciler" }

// Start schedules the sweep.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	r.baseCtx, r.cancel = context.WithCancel(context.Background())
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.Sweep(r.baseCtx) }); err != nil {
		r.cancel()
		r.cancel = nil
		return fmt.Errorf("invalid reconciler schedule %q: %w", r.schedule, err)
	}
	c.Start()
	r.cron = c
	r.log.WithField("schedule", r.schedule).Info("transfer reconciler started")
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	cancel := r.cancel
	r.cron = nil
	r.cancel = nil
	r.mu.Unlock()

	if c == nil {
		return nil
	}
	cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep resumes every transfer stuck in the attesting state. Individual
// failures are logged and do not stop the sweep; the next run retries them.
// It returns the number of transfers successfully resumed.
func (r *Reconciler) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-r.stuckAfter)
	stuck, err := r.store.ListStuckAttesting(ctx, cutoff)
	if err != nil {
		r.log.WithError(err).Error("list stuck transfers")
		return 0
	}
	if len(stuck) == 0 {
		return 0
	}
	r.log.WithField("count", len(stuck)).Info("resuming stuck transfers")

	resumed := 0
	for _, rec := range stuck {
		if ctx.Err() != nil {
			return resumed
		}
		if err := r.resumer.Resume(ctx, rec.ID); err != nil {
			r.log.WithError(err).WithField("transfer_id", rec.ID).Warn("resume failed")
			continue
		}
		resumed++
	}
	return resumed
}
