// Package permission decides whether a delegated action is authorized.
//
// Validation is a pure function over (request, session key, now): no I/O, no
// hidden state, identical inputs always produce the identical result. Actual
// spend accounting happens elsewhere; this package only decides.
package permission

import (
	"fmt"
	"math"
	"time"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/sessionkey"
)

// Result is the validation outcome. When denied, RequiresUserApproval tells
// the caller to fall back to an interactive approval challenge rather than
// retry the delegated path.
type Result struct {
	Allowed              bool   `json:"allowed"`
	Reason               string `json:"reason,omitempty"`
	RequiresUserApproval bool   `json:"requires_user_approval"`
}

// Request describes one action an agent wants to perform. Amount is nil for
// actions that move no quantifiable value.
type Request struct {
	Action sessionkey.Action
	Amount *int64
	Chain  string
	Token  string
}

func deny(reason string) Result {
	return Result{Allowed: false, Reason: reason, RequiresUserApproval: true}
}

// Validate runs the decision chain. The first failing check wins.
func Validate(now time.Time, req Request, key *sessionkey.SessionKey) Result {
	if key == nil {
		return deny("no active session")
	}
	if key.Expired(now) || key.Status != sessionkey.StatusActive {
		return deny("session key expired or revoked")
	}
	if !key.AllowsAction(req.Action) {
		return deny(fmt.Sprintf("action %q is not within the session key's scope", req.Action))
	}
	if req.Chain != "" && !key.AllowsChain(req.Chain) {
		return deny(fmt.Sprintf("chain %q is not within the session key's scope", req.Chain))
	}
	if req.Token != "" && !key.AllowsToken(req.Token) {
		return deny(fmt.Sprintf("token %q is not within the session key's scope", req.Token))
	}
	if req.Amount != nil {
		if *req.Amount < 0 {
			return deny("amount must be non-negative")
		}
		// Compared by subtraction: both operands are non-negative, so an
		// adversarially large amount cannot wrap the sum past the limit.
		if *req.Amount > key.Remaining() {
			return deny(fmt.Sprintf("spending limit exceeded: %d of %d used, requested %d",
				key.SpendingUsed, key.SpendingLimit, *req.Amount))
		}
		if key.MaxPerTransaction > 0 && *req.Amount > key.MaxPerTransaction {
			return deny(fmt.Sprintf("amount %d exceeds per-transaction cap %d",
				*req.Amount, key.MaxPerTransaction))
		}
	}
	return Result{Allowed: true}
}

// ValidateSteps validates a multi-step operation. Each step is checked
// individually, then the summed amount is checked against the spending limit
// once more so a large transfer cannot be sliced into several under-limit
// steps that collectively exceed the cap.
func ValidateSteps(now time.Time, steps []Request, key *sessionkey.SessionKey) Result {
	if len(steps) == 0 {
		return deny("no steps to validate")
	}

	var total int64
	haveAmount := false
	for i, step := range steps {
		if res := Validate(now, step, key); !res.Allowed {
			res.Reason = fmt.Sprintf("step %d: %s", i, res.Reason)
			return res
		}
		if step.Amount != nil {
			// A sum that would overflow certainly exceeds the limit.
			if *step.Amount > math.MaxInt64-total {
				return deny(fmt.Sprintf("combined amount exceeds remaining spending limit %d", key.Remaining()))
			}
			total += *step.Amount
			haveAmount = true
		}
	}

	if haveAmount && total > key.Remaining() {
		return deny(fmt.Sprintf("combined amount %d exceeds remaining spending limit %d",
			total, key.Remaining()))
	}
	return Result{Allowed: true}
}
