// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/challenge"
	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/sessionkey"
	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ storage.SessionKeyStore = (*Store)(nil)
	_ storage.TransferStore   = (*Store)(nil)
	_ storage.ChallengeStore  = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- SessionKeyStore ---------------------------------------------------------

const sessionKeyColumns = `id, wallet_id, user_id, agent_id, allowed_actions, allowed_chains,
	allowed_tokens, spending_limit, spending_used, max_per_transaction, expires_at,
	auto_renew, status, version, created_at, updated_at`

func (s *Store) CreateSessionKey(ctx context.Context, key sessionkey.SessionKey) (sessionkey.SessionKey, error) {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now
	key.Version = 1

	actionsJSON, chainsJSON, tokensJSON, err := marshalScopes(key)
	if err != nil {
		return sessionkey.SessionKey{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_keys (`+sessionKeyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, key.ID, key.WalletID, key.UserID, key.AgentID, actionsJSON, chainsJSON, tokensJSON,
		key.SpendingLimit, key.SpendingUsed, key.MaxPerTransaction, key.ExpiresAt,
		key.AutoRenew, string(key.Status), key.Version, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	return key, nil
}

func (s *Store) UpdateSessionKey(ctx context.Context, key sessionkey.SessionKey) (sessionkey.SessionKey, error) {
	actionsJSON, chainsJSON, tokensJSON, err := marshalScopes(key)
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	key.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE session_keys
		SET allowed_actions = $2, allowed_chains = $3, allowed_tokens = $4,
		    spending_limit = $5, spending_used = $6, max_per_transaction = $7,
		    expires_at = $8, auto_renew = $9, status = $10,
		    version = version + 1, updated_at = $11
		WHERE id = $1 AND version = $12
	`, key.ID, actionsJSON, chainsJSON, tokensJSON, key.SpendingLimit, key.SpendingUsed,
		key.MaxPerTransaction, key.ExpiresAt, key.AutoRenew, string(key.Status),
		key.UpdatedAt, key.Version)
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	if affected == 0 {
		if _, err := s.GetSessionKey(ctx, key.ID); errors.Is(err, storage.ErrNotFound) {
			return sessionkey.SessionKey{}, storage.ErrNotFound
		}
		return sessionkey.SessionKey{}, storage.ErrConflict
	}
	key.Version++
	return key, nil
}

func (s *Store) GetSessionKey(ctx context.Context, id string) (sessionkey.SessionKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionKeyColumns+` FROM session_keys WHERE id = $1
	`, id)
	return scanSessionKey(row)
}

func (s *Store) ListSessionKeys(ctx context.Context, walletID, userID string) ([]sessionkey.SessionKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionKeyColumns+` FROM session_keys
		WHERE wallet_id = $1 AND user_id = $2
		ORDER BY created_at DESC
	`, walletID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []sessionkey.SessionKey
	for rows.Next() {
		key, err := scanSessionKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) FindActiveForAgent(ctx context.Context, walletID, userID, agentID string) (sessionkey.SessionKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionKeyColumns+` FROM session_keys
		WHERE wallet_id = $1 AND user_id = $2 AND agent_id = $3
		  AND status = 'active' AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`, walletID, userID, agentID)
	return scanSessionKey(row)
}

// RecordSpend increments spending_used in a single guarded statement so two
// concurrent spends can never both pass a limit check against a stale value.
func (s *Store) RecordSpend(ctx context.Context, id string, amount int64) (sessionkey.SessionKey, error) {
	if amount < 0 {
		return sessionkey.SessionKey{}, fmt.Errorf("spend amount must be non-negative")
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE session_keys
		SET spending_used = spending_used + $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND spending_used + $2 <= spending_limit
		RETURNING `+sessionKeyColumns+`
	`, id, amount)
	key, err := scanSessionKey(row)
	if errors.Is(err, storage.ErrNotFound) {
		// Either the key is missing or the guard refused the increment.
		if _, getErr := s.GetSessionKey(ctx, id); getErr != nil {
			return sessionkey.SessionKey{}, getErr
		}
		return sessionkey.SessionKey{}, storage.ErrLimitExceeded
	}
	return key, err
}

// ReleaseSpend undoes a reservation with the same single-statement guard, so
// a release can never take spending_used below zero.
func (s *Store) ReleaseSpend(ctx context.Context, id string, amount int64) (sessionkey.SessionKey, error) {
	if amount < 0 {
		return sessionkey.SessionKey{}, fmt.Errorf("release amount must be non-negative")
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE session_keys
		SET spending_used = spending_used - $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND spending_used - $2 >= 0
		RETURNING `+sessionKeyColumns+`
	`, id, amount)
	key, err := scanSessionKey(row)
	if errors.Is(err, storage.ErrNotFound) {
		if _, getErr := s.GetSessionKey(ctx, id); getErr != nil {
			return sessionkey.SessionKey{}, getErr
		}
		return sessionkey.SessionKey{}, fmt.Errorf("release of %d exceeds booked spend on key %s", amount, id)
	}
	return key, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSessionKey(row rowScanner) (sessionkey.SessionKey, error) {
	var (
		key                                 sessionkey.SessionKey
		actionsJSON, chainsJSON, tokensJSON []byte
		status                              string
	)
	err := row.Scan(&key.ID, &key.WalletID, &key.UserID, &key.AgentID,
		&actionsJSON, &chainsJSON, &tokensJSON,
		&key.SpendingLimit, &key.SpendingUsed, &key.MaxPerTransaction,
		&key.ExpiresAt, &key.AutoRenew, &status, &key.Version,
		&key.CreatedAt, &key.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sessionkey.SessionKey{}, storage.ErrNotFound
	}
	if err != nil {
		return sessionkey.SessionKey{}, err
	}
	key.Status = sessionkey.Status(status)
	if err := json.Unmarshal(actionsJSON, &key.AllowedActions); err != nil {
		return sessionkey.SessionKey{}, fmt.Errorf("decode allowed actions: %w", err)
	}
	if err := json.Unmarshal(chainsJSON, &key.AllowedChains); err != nil {
		return sessionkey.SessionKey{}, fmt.Errorf("decode allowed chains: %w", err)
	}
	if err := json.Unmarshal(tokensJSON, &key.AllowedTokens); err != nil {
		return sessionkey.SessionKey{}, fmt.Errorf("decode allowed tokens: %w", err)
	}
	return key, nil
}

func marshalScopes(key sessionkey.SessionKey) (actions, chains, tokens []byte, err error) {
	if actions, err = json.Marshal(key.AllowedActions); err != nil {
		return nil, nil, nil, err
	}
	if chains, err = json.Marshal(key.AllowedChains); err != nil {
		return nil, nil, nil, err
	}
	if tokens, err = json.Marshal(key.AllowedTokens); err != nil {
		return nil, nil, nil, err
	}
	return actions, chains, tokens, nil
}

// --- TransferStore -----------------------------------------------------------

const transferColumns = `id, wallet_id, user_id, session_key_id, source_chain, destination_chain,
	source_domain, destination_domain, source_contract, destination_contract,
	source_token, destination_token, depositor, recipient, signer, destination_caller,
	value, salt, hook_data, fast, status, source_tx_hash, message, attestation,
	destination_tx_hash, error, progress, created_at, updated_at, completed_at`

func (s *Store) CreateTransfer(ctx context.Context, rec transfer.Record) (transfer.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
	`, rec.ID, rec.WalletID, rec.UserID, rec.SessionKeyID, rec.SourceChain, rec.DestinationChain,
		rec.Spec.SourceDomain, rec.Spec.DestinationDomain,
		rec.Spec.SourceContract.Hex(), rec.Spec.DestinationContract.Hex(),
		rec.Spec.SourceToken.Hex(), rec.Spec.DestinationToken.Hex(),
		rec.Spec.Depositor.Hex(), rec.Spec.Recipient.Hex(), rec.Spec.Signer.Hex(),
		rec.Spec.DestinationCaller.Hex(), rec.Spec.Value,
		hex.EncodeToString(rec.Spec.Salt[:]), rec.Spec.HookData, rec.Fast,
		string(rec.Status), rec.SourceTxHash, rec.Message, rec.Attestation,
		rec.DestinationTxHash, rec.Error, rec.Progress,
		rec.CreatedAt, rec.UpdatedAt, nullTime(rec.CompletedAt))
	if err != nil {
		return transfer.Record{}, err
	}
	return rec, nil
}

func (s *Store) UpdateTransfer(ctx context.Context, rec transfer.Record) (transfer.Record, error) {
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE transfers
		SET status = $2, source_tx_hash = $3, message = $4, attestation = $5,
		    destination_tx_hash = $6, error = $7, progress = $8,
		    updated_at = $9, completed_at = $10
		WHERE id = $1
	`, rec.ID, string(rec.Status), rec.SourceTxHash, rec.Message, rec.Attestation,
		rec.DestinationTxHash, rec.Error, rec.Progress, rec.UpdatedAt, nullTime(rec.CompletedAt))
	if err != nil {
		return transfer.Record{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return transfer.Record{}, err
	}
	if affected == 0 {
		return transfer.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) GetTransfer(ctx context.Context, id string) (transfer.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM transfers WHERE id = $1
	`, id)
	return scanTransfer(row)
}

func (s *Store) ListTransfers(ctx context.Context, walletID string) ([]transfer.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE wallet_id = $1
		ORDER BY created_at DESC
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func (s *Store) ListStuckAttesting(ctx context.Context, cutoff time.Time) ([]transfer.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE status = 'attesting' AND updated_at < $1
		ORDER BY updated_at ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func collectTransfers(rows *sql.Rows) ([]transfer.Record, error) {
	var recs []transfer.Record
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanTransfer(row rowScanner) (transfer.Record, error) {
	var (
		rec transfer.Record

		sourceContract, destContract, sourceToken, destToken string
		depositor, recipient, signer, destCaller             string
		salt, status                                         string
		completedAt                                          sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.WalletID, &rec.UserID, &rec.SessionKeyID, &rec.SourceChain, &rec.DestinationChain,
		&rec.Spec.SourceDomain, &rec.Spec.DestinationDomain,
		&sourceContract, &destContract, &sourceToken, &destToken,
		&depositor, &recipient, &signer, &destCaller,
		&rec.Spec.Value, &salt, &rec.Spec.HookData, &rec.Fast,
		&status, &rec.SourceTxHash, &rec.Message, &rec.Attestation,
		&rec.DestinationTxHash, &rec.Error, &rec.Progress,
		&rec.CreatedAt, &rec.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return transfer.Record{}, err
	}
	rec.Status = transfer.Status(status)
	rec.Spec.SourceContract = common.HexToAddress(sourceContract)
	rec.Spec.DestinationContract = common.HexToAddress(destContract)
	rec.Spec.SourceToken = common.HexToAddress(sourceToken)
	rec.Spec.DestinationToken = common.HexToAddress(destToken)
	rec.Spec.Depositor = common.HexToAddress(depositor)
	rec.Spec.Recipient = common.HexToAddress(recipient)
	rec.Spec.Signer = common.HexToAddress(signer)
	rec.Spec.DestinationCaller = common.HexToAddress(destCaller)
	saltBytes, err := hex.DecodeString(salt)
	if err != nil || len(saltBytes) != len(rec.Spec.Salt) {
		return transfer.Record{}, fmt.Errorf("decode salt %q: %v", salt, err)
	}
	copy(rec.Spec.Salt[:], saltBytes)
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time
	}
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// --- ChallengeStore ----------------------------------------------------------

func (s *Store) CreateChallenge(ctx context.Context, ch challenge.Challenge) (challenge.Challenge, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	ch.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (id, wallet_id, user_id, agent_id, action, params, reason,
		                        status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ch.ID, ch.WalletID, ch.UserID, ch.AgentID, ch.Action, []byte(ch.Params), ch.Reason,
		string(ch.Status), ch.CreatedAt, ch.ExpiresAt)
	if err != nil {
		return challenge.Challenge{}, err
	}
	return ch, nil
}

func (s *Store) UpdateChallenge(ctx context.Context, ch challenge.Challenge) (challenge.Challenge, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE challenges SET status = $2 WHERE id = $1
	`, ch.ID, string(ch.Status))
	if err != nil {
		return challenge.Challenge{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return challenge.Challenge{}, err
	}
	if affected == 0 {
		return challenge.Challenge{}, storage.ErrNotFound
	}
	return ch, nil
}

func (s *Store) GetChallenge(ctx context.Context, id string) (challenge.Challenge, error) {
	var (
		ch     challenge.Challenge
		params []byte
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, wallet_id, user_id, agent_id, action, params, reason, status,
		       created_at, expires_at
		FROM challenges WHERE id = $1
	`, id).Scan(&ch.ID, &ch.WalletID, &ch.UserID, &ch.AgentID, &ch.Action, &params,
		&ch.Reason, &status, &ch.CreatedAt, &ch.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return challenge.Challenge{}, storage.ErrNotFound
	}
	if err != nil {
		return challenge.Challenge{}, err
	}
	ch.Params = params
	ch.Status = challenge.Status(status)
	if ch.Status == challenge.StatusPending && time.Now().UTC().After(ch.ExpiresAt) {
		ch.Status = challenge.StatusExpired
	}
	return ch, nil
}
