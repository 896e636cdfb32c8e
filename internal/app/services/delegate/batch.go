package delegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/sessionkey"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/permission"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage"
	"github.com/AgentPay-Network/wallet_layer/internal/signer"
)

// multicallFunction aggregates several calls into one transaction. The batch
// either lands atomically or reverts as a whole.
const multicallFunction = "multicall(bytes[])"

// Operation is one step of a batch. Identity fields come from the enclosing
// BatchRequest.
type Operation struct {
	Action   sessionkey.Action
	Amount   *int64
	Chain    string
	Token    string
	Contract string
	Function string
	Params   []interface{}
	// DestinationChain routes the step through the transfer orchestrator;
	// such steps are never batchable.
	DestinationChain string
	Recipient        common.Address
}

// BatchRequest executes several operations under one session key.
type BatchRequest struct {
	WalletID   string
	UserID     string
	AgentID    string
	Operations []Operation
	UserToken  string
}

// BatchResult is the outcome of a batch execution.
type BatchResult struct {
	Success bool `json:"success"`
	// Batched reports whether the operations went out as one atomic
	// multicall transaction.
	Batched     bool     `json:"batched"`
	ChallengeID string   `json:"challenge_id,omitempty"`
	TxHash      string   `json:"tx_hash,omitempty"`
	Results     []Result `json:"results,omitempty"`
	// Partial marks a sequential run that failed after at least one
	// operation had already executed.
	Partial bool   `json:"partial,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CanBatch reports whether the operations can go out as a single multicall:
// every step a plain contract call on the same chain. Cross-chain steps and
// mixed-chain sets fall back to sequential execution.
func CanBatch(ops []Operation) bool {
	if len(ops) < 2 {
		return false
	}
	chain := ops[0].Chain
	for _, op := range ops {
		if op.DestinationChain != "" {
			return false
		}
		if op.Contract == "" || op.Function == "" {
			return false
		}
		if !strings.EqualFold(op.Chain, chain) {
			return false
		}
	}
	return true
}

// ExecuteBatch validates every operation against the session key, including
// the summed amount, then executes: atomically as one multicall when the set
// is batchable, sequentially otherwise. A denial of any step denies the whole
// batch before anything executes.
func (e *Executor) ExecuteBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return BatchResult{}, fmt.Errorf("agent_id is required")
	}
	if !e.registry.Known(req.AgentID) {
		return BatchResult{}, fmt.Errorf("agent %q is not registered", req.AgentID)
	}
	if len(req.Operations) == 0 {
		return BatchResult{}, fmt.Errorf("batch is empty")
	}

	key, err := e.keys.FindActiveForAgent(ctx, req.WalletID, req.UserID, req.AgentID)
	if err != nil {
		return BatchResult{}, err
	}

	steps := make([]permission.Request, len(req.Operations))
	for i, op := range req.Operations {
		steps[i] = permission.Request{
			Action: op.Action,
			Amount: op.Amount,
			Chain:  op.Chain,
			Token:  op.Token,
		}
	}
	decision := permission.ValidateSteps(time.Now().UTC(), steps, key)
	if !decision.Allowed {
		denial, err := e.deny(ctx, Request{
			WalletID: req.WalletID,
			UserID:   req.UserID,
			AgentID:  req.AgentID,
			Action:   req.Operations[0].Action,
		}, decision.Reason)
		if err != nil {
			return BatchResult{}, err
		}
		return BatchResult{
			Success:     false,
			ChallengeID: denial.ChallengeID,
			Error:       decision.Reason,
		}, nil
	}

	if CanBatch(req.Operations) {
		return e.executeMulticall(ctx, req, key)
	}
	return e.executeSequential(ctx, req, key)
}

// executeMulticall submits the whole batch as one transaction. All-or-nothing:
// the summed spend is reserved before submission and released when the
// transaction does not land, so a failed batch books nothing.
func (e *Executor) executeMulticall(ctx context.Context, req BatchRequest, key *sessionkey.SessionKey) (BatchResult, error) {
	calls := make([]interface{}, len(req.Operations))
	var total int64
	for i, op := range req.Operations {
		calls[i] = map[string]interface{}{
			"contract": op.Contract,
			"function": op.Function,
			"params":   op.Params,
		}
		if op.Amount != nil {
			total += *op.Amount
		}
	}

	if total > 0 {
		if _, err := e.keys.RecordSpend(ctx, key.ID, total); err != nil {
			if !errors.Is(err, storage.ErrLimitExceeded) {
				return BatchResult{}, err
			}
			reason := fmt.Sprintf("spending limit exceeded: concurrent spends consumed the budget for %d", total)
			denial, derr := e.deny(ctx, Request{
				WalletID: req.WalletID,
				UserID:   req.UserID,
				AgentID:  req.AgentID,
				Action:   req.Operations[0].Action,
			}, reason)
			if derr != nil {
				return BatchResult{}, derr
			}
			return BatchResult{Success: false, ChallengeID: denial.ChallengeID, Error: reason}, nil
		}
	}

	res, err := e.exec.Execute(ctx, signer.ExecuteRequest{
		WalletID:     req.WalletID,
		Chain:        req.Operations[0].Chain,
		Contract:     req.Operations[0].Contract,
		Function:     multicallFunction,
		Params:       calls,
		SessionKeyID: key.ID,
		UserToken:    req.UserToken,
	})
	if err != nil {
		if total > 0 {
			e.release(ctx, key.ID, total)
		}
		return BatchResult{Success: false, Batched: true, Error: err.Error()}, nil
	}
	if res.NeedsApproval() {
		if total > 0 {
			e.release(ctx, key.ID, total)
		}
		return BatchResult{
			Success:     false,
			Batched:     true,
			ChallengeID: res.ChallengeID,
			Error:       "signing service requires interactive approval",
		}, nil
	}

	e.log.WithField("agent_id", req.AgentID).
		WithField("operations", len(req.Operations)).
		WithField("tx_hash", res.TxHash).
		Info("batch executed as multicall")
	return BatchResult{Success: true, Batched: true, TxHash: res.TxHash}, nil
}

// executeSequential runs the operations one by one, each through the full
// Execute gate. The run stops at the first failure; earlier operations stay
// executed and their spends stay booked, so the result is marked partial.
func (e *Executor) executeSequential(ctx context.Context, req BatchRequest, key *sessionkey.SessionKey) (BatchResult, error) {
	results := make([]Result, 0, len(req.Operations))
	for _, op := range req.Operations {
		res, err := e.Execute(ctx, Request{
			WalletID:         req.WalletID,
			UserID:           req.UserID,
			AgentID:          req.AgentID,
			Action:           op.Action,
			Amount:           op.Amount,
			Chain:            op.Chain,
			Token:            op.Token,
			Contract:         op.Contract,
			Function:         op.Function,
			Params:           op.Params,
			DestinationChain: op.DestinationChain,
			Recipient:        op.Recipient,
			UserToken:        req.UserToken,
		})
		if err != nil {
			return BatchResult{
				Success: false,
				Results: results,
				Partial: len(results) > 0,
				Error:   err.Error(),
			}, nil
		}
		results = append(results, res)
		if !res.Success {
			return BatchResult{
				Success:     false,
				ChallengeID: res.ChallengeID,
				Results:     results,
				Partial:     len(results) > 1,
				Error:       res.Error,
			}, nil
		}
	}
	return BatchResult{Success: true, Results: results}, nil
}
