// Package delegate executes agent-initiated actions under session key
// authority.
//
// Every action runs the same gate: find the agent's session key, validate the
// request against its scope, reserve the spend, then execute through the
// signing service, or create an interactive approval challenge on denial. The
// reservation happens before execution and is released when execution fails,
// so a spend past the limit is refused before funds move, even under
// concurrent requests. A signing failure after a positive permission decision
// is surfaced as a failure; it is never silently converted into an approval
// challenge.
package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/challenge"
	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/sessionkey"
	domaintransfer "github.com/AgentPay-Network/wallet_layer/internal/app/domain/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/metrics"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/permission"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/sessionkeys"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage"
	"github.com/AgentPay-Network/wallet_layer/internal/signer"
	"github.com/AgentPay-Network/wallet_layer/pkg/logger"
)

// challengeTTL bounds how long an approval request stays actionable.
const challengeTTL = 10 * time.Minute

// ExecutionClient submits contract executions to the signing service.
type ExecutionClient interface {
	Execute(ctx context.Context, req signer.ExecuteRequest) (signer.Result, error)
}

// TransferStarter hands cross-chain transfer actions to the orchestrator.
type TransferStarter interface {
	Begin(ctx context.Context, req transfer.Request) (domaintransfer.Record, error)
}

// Request is one delegated action. Amount is nil for actions that move no
// quantifiable value.
type Request struct {
	WalletID string
	UserID   string
	AgentID  string
	Action   sessionkey.Action
	Amount   *int64
	Chain    string
	Token    string
	// Contract call fields for direct executions.
	Contract string
	Function string
	Params   []interface{}
	// DestinationChain and Recipient route the action through the transfer
	// orchestrator instead of a direct contract call.
	DestinationChain string
	Recipient        common.Address
	UserToken        string
}

// crossChain reports whether the request must go through the orchestrator.
func (r Request) crossChain() bool { return r.DestinationChain != "" }

// Result is the outcome of one delegated execution attempt.
type Result struct {
	Success               bool   `json:"success"`
	ExecutedViaSessionKey bool   `json:"executed_via_session_key"`
	ChallengeID           string `json:"challenge_id,omitempty"`
	TxID                  string `json:"tx_id,omitempty"`
	TxHash                string `json:"tx_hash,omitempty"`
	TransferID            string `json:"transfer_id,omitempty"`
	// Partial marks a failure that left earlier work in place, as opposed
	// to a failure where nothing happened.
	Partial bool   `json:"partial,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor runs delegated actions for registered agents.
type Executor struct {
	keys       *sessionkeys.Service
	challenges storage.ChallengeStore
	exec       ExecutionClient
	transfers  TransferStarter
	registry   *Registry
	log        *logger.Logger
}

// NewExecutor creates a configured executor. transfers may be nil when the
// deployment does not offer cross-chain actions.
func NewExecutor(keys *sessionkeys.Service, challenges storage.ChallengeStore, exec ExecutionClient, transfers TransferStarter, registry *Registry, log *logger.Logger) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	if log == nil {
		log = logger.NewDefault("delegate")
	}
	return &Executor{
		keys:       keys,
		challenges: challenges,
		exec:       exec,
		transfers:  transfers,
		registry:   registry,
		log:        log,
	}
}

// Execute runs one delegated action end to end: permission gate, execution,
// spend accounting. Denials return a Result carrying the challenge id; only
// infrastructure problems return an error.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return Result{}, fmt.Errorf("agent_id is required")
	}
	if !e.registry.Known(req.AgentID) {
		return Result{}, fmt.Errorf("agent %q is not registered", req.AgentID)
	}

	key, err := e.keys.FindActiveForAgent(ctx, req.WalletID, req.UserID, req.AgentID)
	if err != nil {
		return Result{}, err
	}

	decision := permission.Validate(time.Now().UTC(), permission.Request{
		Action: req.Action,
		Amount: req.Amount,
		Chain:  req.Chain,
		Token:  req.Token,
	}, key)
	if !decision.Allowed {
		return e.deny(ctx, req, decision.Reason)
	}

	// Reserve the spend before anything executes. The guarded store
	// increment is the authoritative limit check; a request that loses
	// the race to a concurrent spend is denied here, before funds move.
	reserved := req.Amount != nil && *req.Amount > 0
	if reserved {
		if _, err := e.keys.RecordSpend(ctx, key.ID, *req.Amount); err != nil {
			if errors.Is(err, storage.ErrLimitExceeded) {
				return e.deny(ctx, req, fmt.Sprintf("spending limit exceeded: concurrent spends consumed the budget for %d", *req.Amount))
			}
			return Result{}, err
		}
	}

	res, err := e.dispatch(ctx, req, key)
	if err != nil {
		if reserved {
			e.release(ctx, key.ID, *req.Amount)
		}
		metrics.RecordDelegatedExecution(string(req.Action), "error")
		return Result{}, err
	}
	if !res.Success {
		if reserved {
			e.release(ctx, key.ID, *req.Amount)
		}
		metrics.RecordDelegatedExecution(string(req.Action), "failed")
		return res, nil
	}

	if reserved {
		metrics.RecordSpend(req.AgentID, *req.Amount)
	}
	metrics.RecordDelegatedExecution(string(req.Action), "allowed")
	return res, nil
}

// release returns a reserved amount after a failed execution. A failed
// release leaves the budget over-reserved, never over-spent.
func (e *Executor) release(ctx context.Context, keyID string, amount int64) {
	if _, err := e.keys.ReleaseSpend(ctx, keyID, amount); err != nil {
		e.log.WithError(err).
			WithField("session_key_id", keyID).
			WithField("amount", amount).
			Error("release of reserved spend failed")
	}
}

// dispatch routes an approved request to the orchestrator or the signing
// service. Session key execution is attempted exactly once; a signing failure
// is a failure.
func (e *Executor) dispatch(ctx context.Context, req Request, key *sessionkey.SessionKey) (Result, error) {
	if req.crossChain() {
		if e.transfers == nil {
			return Result{}, fmt.Errorf("cross-chain actions are not enabled")
		}
		var amount int64
		if req.Amount != nil {
			amount = *req.Amount
		}
		rec, err := e.transfers.Begin(ctx, transfer.Request{
			WalletID:         req.WalletID,
			UserID:           req.UserID,
			SourceChain:      req.Chain,
			DestinationChain: req.DestinationChain,
			Amount:           amount,
			Recipient:        req.Recipient,
			SessionKeyID:     key.ID,
			UserToken:        req.UserToken,
		})
		if err != nil {
			return Result{Success: false, Error: err.Error()}, nil
		}
		return Result{
			Success:               true,
			ExecutedViaSessionKey: true,
			TransferID:            rec.ID,
		}, nil
	}

	res, err := e.exec.Execute(ctx, signer.ExecuteRequest{
		WalletID:     req.WalletID,
		Chain:        req.Chain,
		Contract:     req.Contract,
		Function:     req.Function,
		Params:       req.Params,
		SessionKeyID: key.ID,
		UserToken:    req.UserToken,
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	if res.NeedsApproval() {
		// The signing service demanded its own interactive approval.
		return Result{Success: false, ChallengeID: res.ChallengeID, Error: "signing service requires interactive approval"}, nil
	}
	return Result{
		Success:               true,
		ExecutedViaSessionKey: true,
		TxID:                  res.TxID,
		TxHash:                res.TxHash,
	}, nil
}

// deny records an approval challenge for the refused action and returns the
// denial to the caller. No funds move.
func (e *Executor) deny(ctx context.Context, req Request, reason string) (Result, error) {
	params, err := json.Marshal(map[string]interface{}{
		"action":            req.Action,
		"amount":            req.Amount,
		"chain":             req.Chain,
		"token":             req.Token,
		"contract":          req.Contract,
		"function":          req.Function,
		"destination_chain": req.DestinationChain,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal challenge params: %w", err)
	}

	now := time.Now().UTC()
	ch, err := e.challenges.CreateChallenge(ctx, challenge.Challenge{
		ID:        uuid.NewString(),
		WalletID:  req.WalletID,
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		Action:    string(req.Action),
		Params:    params,
		Reason:    reason,
		Status:    challenge.StatusPending,
		ExpiresAt: now.Add(challengeTTL),
	})
	if err != nil {
		return Result{}, fmt.Errorf("create approval challenge: %w", err)
	}

	metrics.RecordDelegatedExecution(string(req.Action), "denied")
	e.log.WithField("agent_id", req.AgentID).
		WithField("challenge_id", ch.ID).
		WithField("reason", reason).
		Info("delegated action denied, approval challenge created")

	return Result{
		Success:     false,
		ChallengeID: ch.ID,
		Error:       reason,
	}, nil
}

// GetChallenge returns a challenge by id.
func (e *Executor) GetChallenge(ctx context.Context, id string) (challenge.Challenge, error) {
	return e.challenges.GetChallenge(ctx, id)
}

// ResolveChallenge records the user's approve/reject decision. Resolution does
// not execute anything; the client re-submits the action with the user's own
// token once approved.
func (e *Executor) ResolveChallenge(ctx context.Context, id string, approve bool) (challenge.Challenge, error) {
	ch, err := e.challenges.GetChallenge(ctx, id)
	if err != nil {
		return challenge.Challenge{}, err
	}
	if ch.Status != challenge.StatusPending {
		return challenge.Challenge{}, fmt.Errorf("challenge %s is %s, not pending", id, ch.Status)
	}
	if time.Now().UTC().After(ch.ExpiresAt) {
		return challenge.Challenge{}, fmt.Errorf("challenge %s has expired", id)
	}

	if approve {
		ch.Status = challenge.StatusApproved
	} else {
		ch.Status = challenge.StatusRejected
	}
	ch, err = e.challenges.UpdateChallenge(ctx, ch)
	if err != nil {
		return challenge.Challenge{}, err
	}
	e.log.WithField("challenge_id", ch.ID).
		WithField("status", string(ch.Status)).
		Info("approval challenge resolved")
	return ch, nil
}
