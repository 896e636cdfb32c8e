package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage/memory"
)

type fakeResumer struct {
	mu     sync.Mutex
	ids    []string
	failOn map[string]error
}

func (f *fakeResumer) Resume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	if err, ok := f.failOn[id]; ok {
		return err
	}
	return nil
}

func stuckRecord(t *testing.T, store *memory.Store, age time.Duration) transfer.Record {
	t.Helper()
	rec, err := store.CreateTransfer(context.Background(), transfer.Record{
		WalletID:     "w1",
		Status:       transfer.StatusPending,
		SourceTxHash: "0xstuck",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.Status = transfer.StatusAttesting
	if rec, err = store.UpdateTransfer(context.Background(), rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if age > 0 {
		time.Sleep(age)
	}
	return rec
}

func TestSweepResumesStuckTransfers(t *testing.T) {
	store := memory.New()
	resumer := &fakeResumer{}

	old := stuckRecord(t, store, 5*time.Millisecond)
	if _, err := store.CreateTransfer(context.Background(), transfer.Record{
		WalletID: "w1",
		Status:   transfer.StatusPending,
	}); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	r := NewReconciler(store, resumer, ReconcilerConfig{StuckAfter: time.Millisecond}, nil)
	if got := r.Sweep(context.Background()); got != 1 {
		t.Fatalf("expected 1 resumed, got %d", got)
	}
	if len(resumer.ids) != 1 || resumer.ids[0] != old.ID {
		t.Fatalf("unexpected resumed set: %v", resumer.ids)
	}
}

func TestSweepSkipsRecentlyActive(t *testing.T) {
	store := memory.New()
	resumer := &fakeResumer{}
	stuckRecord(t, store, 0)

	// A generous threshold keeps a live pipeline out of the sweep.
	r := NewReconciler(store, resumer, ReconcilerConfig{StuckAfter: time.Hour}, nil)
	if got := r.Sweep(context.Background()); got != 0 {
		t.Fatalf("expected nothing resumed, got %d", got)
	}
	if len(resumer.ids) != 0 {
		t.Fatalf("fresh transfer was swept: %v", resumer.ids)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	store := memory.New()
	first := stuckRecord(t, store, 0)
	stuckRecord(t, store, 5*time.Millisecond)

	resumer := &fakeResumer{failOn: map[string]error{first.ID: errors.New("still not attested")}}
	r := NewReconciler(store, resumer, ReconcilerConfig{StuckAfter: time.Millisecond}, nil)

	if got := r.Sweep(context.Background()); got != 1 {
		t.Fatalf("expected 1 resumed, got %d", got)
	}
	if len(resumer.ids) != 2 {
		t.Fatalf("sweep stopped early: %v", resumer.ids)
	}
}

func TestReconcilerLifecycle(t *testing.T) {
	store := memory.New()
	r := NewReconciler(store, &fakeResumer{}, ReconcilerConfig{Schedule: "@every 1h"}, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Idempotent start.
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestReconcilerRejectsBadSchedule(t *testing.T) {
	r := NewReconciler(memory.New(), &fakeResumer{}, ReconcilerConfig{Schedule: "not a schedule"}, nil)
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}
