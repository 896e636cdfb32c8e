package delegate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/challenge"
	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/sessionkey"
	domaintransfer "github.com/AgentPay-Network/wallet_layer/internal/app/domain/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/sessionkeys"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage/memory"
	"github.com/AgentPay-Network/wallet_layer/internal/signer"
)

type fakeExec struct {
	mu      sync.Mutex
	calls   []signer.ExecuteRequest
	outcome func(req signer.ExecuteRequest) (signer.Result, error)
}

func (f *fakeExec) Execute(_ context.Context, req signer.ExecuteRequest) (signer.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.outcome != nil {
		return f.outcome(req)
	}
	return signer.Result{TxID: "tx-1", TxHash: "0xexec"}, nil
}

type fakeStarter struct {
	reqs []transfer.Request
	err  error
}

func (f *fakeStarter) Begin(_ context.Context, req transfer.Request) (domaintransfer.Record, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return domaintransfer.Record{}, f.err
	}
	return domaintransfer.Record{ID: "t-1", Status: domaintransfer.StatusPending}, nil
}

type fixture struct {
	exec    *fakeExec
	starter *fakeStarter
	store   *memory.Store
	keys    *sessionkeys.Service
	ex      *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	keys := sessionkeys.New(store, nil)
	exec := &fakeExec{}
	starter := &fakeStarter{}
	registry := NewRegistry(Agent{ID: "agent-pay", Name: "Payments Agent"})
	ex := NewExecutor(keys, store, exec, starter, registry, nil)
	return &fixture{exec: exec, starter: starter, store: store, keys: keys, ex: ex}
}

func (f *fixture) grant(t *testing.T, mutate func(*sessionkeys.GrantRequest)) sessionkey.SessionKey {
	t.Helper()
	req := sessionkeys.GrantRequest{
		WalletID:       "w1",
		UserID:         "u1",
		AgentID:        "agent-pay",
		AllowedActions: []sessionkey.Action{sessionkey.ActionTransfer},
		SpendingLimit:  1000,
		Duration:       time.Hour,
	}
	if mutate != nil {
		mutate(&req)
	}
	key, err := f.keys.Grant(context.Background(), req)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	return key
}

func amount(v int64) *int64 { return &v }

func execRequest() Request {
	return Request{
		WalletID: "w1",
		UserID:   "u1",
		AgentID:  "agent-pay",
		Action:   sessionkey.ActionTransfer,
		Amount:   amount(100),
		Chain:    "base",
		Contract: "0xcontract",
		Function: "transfer(address,uint256)",
	}
}

func TestExecuteRejectsUnknownAgent(t *testing.T) {
	f := newFixture(t)
	req := execRequest()
	req.AgentID = "rogue"
	if _, err := f.ex.Execute(context.Background(), req); err == nil {
		t.Fatal("unregistered agent must be rejected")
	}
}

func TestExecuteWithoutKeyCreatesChallenge(t *testing.T) {
	f := newFixture(t)

	res, err := f.ex.Execute(context.Background(), execRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("execution without a session key must be denied")
	}
	if res.ChallengeID == "" {
		t.Fatal("denial must create an approval challenge")
	}
	if !strings.Contains(res.Error, "no active session") {
		t.Fatalf("unexpected reason: %q", res.Error)
	}
	if len(f.exec.calls) != 0 {
		t.Fatal("denied action must not reach the signing service")
	}

	ch, err := f.ex.GetChallenge(context.Background(), res.ChallengeID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if ch.Status != challenge.StatusPending || ch.AgentID != "agent-pay" {
		t.Fatalf("unexpected challenge: %+v", ch)
	}
}

func TestExecuteAllowedBooksSpend(t *testing.T) {
	f := newFixture(t)
	key := f.grant(t, nil)

	res, err := f.ex.Execute(context.Background(), execRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || !res.ExecutedViaSessionKey {
		t.Fatalf("expected delegated success, got %+v", res)
	}
	if res.TxHash != "0xexec" {
		t.Fatalf("tx hash not propagated: %+v", res)
	}
	if f.exec.calls[0].SessionKeyID != key.ID {
		t.Fatalf("session key not forwarded: %+v", f.exec.calls[0])
	}

	after, err := f.keys.Get(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if after.SpendingUsed != 100 {
		t.Fatalf("spend not booked: %d", after.SpendingUsed)
	}
}

func TestExecuteOverLimitDenied(t *testing.T) {
	f := newFixture(t)
	f.grant(t, nil)

	req := execRequest()
	req.Amount = amount(5000)
	res, err := f.ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success || res.ChallengeID == "" {
		t.Fatalf("over-limit action must be denied with a challenge: %+v", res)
	}
	if len(f.exec.calls) != 0 {
		t.Fatal("denied action must not execute")
	}
}

func TestExecuteSigningFailureIsFailure(t *testing.T) {
	f := newFixture(t)
	key := f.grant(t, nil)
	f.exec.outcome = func(signer.ExecuteRequest) (signer.Result, error) {
		return signer.Result{}, errors.New("nonce too low")
	}

	res, err := f.ex.Execute(context.Background(), execRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("signing failure must fail the execution")
	}
	// A signing failure is surfaced, never converted into an approval
	// challenge, and never booked as a spend.
	if res.ChallengeID != "" {
		t.Fatalf("signing failure re-routed to approval: %+v", res)
	}
	after, err := f.keys.Get(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if after.SpendingUsed != 0 {
		t.Fatalf("failed execution booked a spend: %d", after.SpendingUsed)
	}

	// The released reservation leaves the full budget available.
	f.exec.outcome = nil
	full := execRequest()
	full.Amount = amount(1000)
	res, err = f.ex.Execute(context.Background(), full)
	if err != nil {
		t.Fatalf("execute after release: %v", err)
	}
	if !res.Success {
		t.Fatalf("full budget unavailable after failed execution: %+v", res)
	}
}

func TestConcurrentSpendsCannotBothExecute(t *testing.T) {
	f := newFixture(t)
	key := f.grant(t, nil) // limit 1000

	entered := make(chan struct{}, 2)
	proceed := make(chan struct{})
	f.exec.outcome = func(signer.ExecuteRequest) (signer.Result, error) {
		entered <- struct{}{}
		<-proceed
		return signer.Result{TxHash: "0xslow"}, nil
	}

	req := execRequest()
	req.Amount = amount(600)

	firstDone := make(chan Result, 1)
	go func() {
		res, err := f.ex.Execute(context.Background(), req)
		if err != nil {
			t.Errorf("first execute: %v", err)
		}
		firstDone <- res
	}()
	// Wait until the first spend has reserved its amount and is sitting in
	// the signing service.
	<-entered

	second, err := f.ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	close(proceed)
	first := <-firstDone

	// Limit 1000, two spends of 600: exactly one may execute, the other is
	// denied before it reaches the signing service.
	if !first.Success {
		t.Fatalf("winning spend should succeed: %+v", first)
	}
	if second.Success {
		t.Fatalf("both spends executed against limit 1000: %+v", second)
	}
	if second.ChallengeID == "" {
		t.Fatalf("losing spend must fall back to an approval challenge: %+v", second)
	}

	f.exec.mu.Lock()
	calls := len(f.exec.calls)
	f.exec.mu.Unlock()
	if calls != 1 {
		t.Fatalf("only one spend may reach the signing service, got %d", calls)
	}

	after, err := f.keys.Get(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if after.SpendingUsed != 600 {
		t.Fatalf("expected only the winning spend booked, got %d", after.SpendingUsed)
	}
}

func TestExecuteCrossChainHandsOff(t *testing.T) {
	f := newFixture(t)
	key := f.grant(t, nil)

	req := execRequest()
	req.Contract = ""
	req.Function = ""
	req.DestinationChain = "arbitrum"
	res, err := f.ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.TransferID != "t-1" {
		t.Fatalf("expected orchestrator handoff, got %+v", res)
	}
	if len(f.starter.reqs) != 1 || f.starter.reqs[0].SessionKeyID != key.ID {
		t.Fatalf("unexpected orchestrator request: %+v", f.starter.reqs)
	}
	if len(f.exec.calls) != 0 {
		t.Fatal("cross-chain action must not hit the signer directly")
	}
}

func TestResolveChallenge(t *testing.T) {
	f := newFixture(t)

	res, err := f.ex.Execute(context.Background(), execRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	ch, err := f.ex.ResolveChallenge(context.Background(), res.ChallengeID, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ch.Status != challenge.StatusApproved {
		t.Fatalf("expected approved, got %s", ch.Status)
	}

	// A resolved challenge cannot be resolved again.
	if _, err := f.ex.ResolveChallenge(context.Background(), res.ChallengeID, false); err == nil {
		t.Fatal("double resolution should fail")
	}
}
