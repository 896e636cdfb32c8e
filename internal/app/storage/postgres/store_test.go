package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/AgentPay-Network/wallet_layer/internal/app/storage"
)

var sessionKeyCols = []string{
	"id", "wallet_id", "user_id", "agent_id", "allowed_actions", "allowed_chains",
	"allowed_tokens", "spending_limit", "spending_used", "max_per_transaction",
	"expires_at", "auto_renew", "status", "version", "created_at", "updated_at",
}

func keyRow(used int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(sessionKeyCols).AddRow(
		"key-1", "w1", "u1", "agent-pay", []byte(`["transfer"]`), []byte(`[]`), []byte(`[]`),
		int64(1000), used, int64(0), now.Add(time.Hour), false, "active", int64(2), now, now,
	)
}

func TestRecordSpendGuardedUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("UPDATE session_keys").
		WithArgs("key-1", int64(100)).
		WillReturnRows(keyRow(100))

	store := New(db)
	key, err := store.RecordSpend(context.Background(), "key-1", 100)
	if err != nil {
		t.Fatalf("record spend: %v", err)
	}
	if key.SpendingUsed != 100 {
		t.Fatalf("unexpected spending used: %d", key.SpendingUsed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordSpendLimitRefused(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// The guarded update matches no row, so the store re-reads the key to
	// distinguish "missing" from "over limit".
	mock.ExpectQuery("UPDATE session_keys").
		WithArgs("key-1", int64(100)).
		WillReturnRows(sqlmock.NewRows(sessionKeyCols))
	mock.ExpectQuery("SELECT .* FROM session_keys WHERE id").
		WithArgs("key-1").
		WillReturnRows(keyRow(950))

	store := New(db)
	if _, err := store.RecordSpend(context.Background(), "key-1", 100); !errors.Is(err, storage.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReleaseSpendGuardedUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("UPDATE session_keys").
		WithArgs("key-1", int64(100)).
		WillReturnRows(keyRow(0))

	store := New(db)
	key, err := store.ReleaseSpend(context.Background(), "key-1", 100)
	if err != nil {
		t.Fatalf("release spend: %v", err)
	}
	if key.SpendingUsed != 0 {
		t.Fatalf("unexpected spending used: %d", key.SpendingUsed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReleaseSpendBelowZeroRefused(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// The guard matches no row; the key exists, so the release was too big.
	mock.ExpectQuery("UPDATE session_keys").
		WithArgs("key-1", int64(500)).
		WillReturnRows(sqlmock.NewRows(sessionKeyCols))
	mock.ExpectQuery("SELECT .* FROM session_keys WHERE id").
		WithArgs("key-1").
		WillReturnRows(keyRow(100))

	store := New(db)
	if _, err := store.ReleaseSpend(context.Background(), "key-1", 500); err == nil {
		t.Fatal("release past zero should be refused")
	}
}

func TestRecordSpendMissingKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("UPDATE session_keys").
		WithArgs("nope", int64(10)).
		WillReturnRows(sqlmock.NewRows(sessionKeyCols))
	mock.ExpectQuery("SELECT .* FROM session_keys WHERE id").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(sessionKeyCols))

	store := New(db)
	if _, err := store.RecordSpend(context.Background(), "nope", 10); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindActiveForAgentFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM session_keys\\s+WHERE wallet_id").
		WithArgs("w1", "u1", "agent-pay").
		WillReturnRows(keyRow(0))

	store := New(db)
	key, err := store.FindActiveForAgent(context.Background(), "w1", "u1", "agent-pay")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if key.ID != "key-1" || key.AgentID != "agent-pay" {
		t.Fatalf("unexpected key: %+v", key)
	}
	if len(key.AllowedActions) != 1 {
		t.Fatalf("scopes not decoded: %+v", key.AllowedActions)
	}
}

func TestGetTransferNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM transfers WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := New(db)
	if _, err := store.GetTransfer(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
