package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/routes"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage/memory"
	"github.com/AgentPay-Network/wallet_layer/internal/attestation"
	"github.com/AgentPay-Network/wallet_layer/internal/signer"
)

type fakeExec struct {
	mu    sync.Mutex
	calls []signer.ExecuteRequest
	signs []signer.SignRequest
	// outcome overrides the default success response per execute call.
	outcome func(req signer.ExecuteRequest) (signer.Result, error)
	sign    func(req signer.SignRequest) (signer.Result, error)
}

func (f *fakeExec) Execute(_ context.Context, req signer.ExecuteRequest) (signer.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.outcome != nil {
		return f.outcome(req)
	}
	return signer.Result{TxHash: fmt.Sprintf("0xtx%d", len(f.calls))}, nil
}

func (f *fakeExec) SignTypedData(_ context.Context, req signer.SignRequest) (signer.Result, error) {
	f.mu.Lock()
	f.signs = append(f.signs, req)
	f.mu.Unlock()
	if f.sign != nil {
		return f.sign(req)
	}
	return signer.Result{Signature: "0xsigned"}, nil
}

func (f *fakeExec) functions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.calls))
	for i, c := range f.calls {
		names[i] = c.Function
	}
	return names
}

type fakeRelay struct {
	mu          sync.Mutex
	submissions []attestation.IntentSubmission
	receipt     attestation.IntentReceipt
	err         error
}

func (f *fakeRelay) SubmitIntent(_ context.Context, sub attestation.IntentSubmission) (attestation.IntentReceipt, error) {
	f.mu.Lock()
	f.submissions = append(f.submissions, sub)
	f.mu.Unlock()
	return f.receipt, f.err
}

type testHarness struct {
	orch  *Orchestrator
	store *memory.Store
	exec  *fakeExec
	relay *fakeRelay
}

func newHarness(t *testing.T, source AttestationSource) *testHarness {
	t.Helper()
	if source == nil {
		source = &scriptedSource{responses: []scriptedResponse{
			{msgs: []attestation.Message{readyMessage()}},
		}}
	}
	store := memory.New()
	exec := &fakeExec{}
	relay := &fakeRelay{receipt: attestation.IntentReceipt{
		TransferID:  "relay-1",
		Message:     "0x0102",
		Attestation: "0x0304",
	}}
	orch := New(store, routes.New(routes.DefaultChains()), exec, relay, testPoller(source), nil)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Stop(ctx)
	})
	return &testHarness{orch: orch, store: store, exec: exec, relay: relay}
}

func validRequest() Request {
	return Request{
		WalletID:         "w1",
		UserID:           "u1",
		SourceChain:      "base",
		DestinationChain: "arbitrum",
		Amount:           2_500_000,
		Depositor:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Recipient:        common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
}

func waitTerminal(t *testing.T, h *testHarness, id string) transfer.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.orch.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("transfer did not reach a terminal state")
	return transfer.Record{}
}

func TestBeginRejectsInvalidRoute(t *testing.T) {
	h := newHarness(t, nil)

	req := validRequest()
	req.DestinationChain = "dogechain"
	_, err := h.orch.Begin(context.Background(), req)

	var routeErr *RouteError
	if !errors.As(err, &routeErr) {
		t.Fatalf("expected RouteError, got %v", err)
	}
	if routeErr.Result.Code != routes.CodeInvalidChain {
		t.Fatalf("unexpected code: %s", routeErr.Result.Code)
	}
	if len(h.exec.functions()) != 0 {
		t.Fatal("invalid route must not reach the signing service")
	}
	if recs, _ := h.store.ListTransfers(context.Background(), "w1"); len(recs) != 0 {
		t.Fatal("invalid route must not create a record")
	}
}

func TestPipelineCompletes(t *testing.T) {
	h := newHarness(t, nil)

	rec, err := h.orch.Begin(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if rec.Status != transfer.StatusPending {
		t.Fatalf("expected pending snapshot, got %s", rec.Status)
	}

	final := waitTerminal(t, h, rec.ID)
	if final.Status != transfer.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if final.SourceTxHash == "" || final.DestinationTxHash == "" {
		t.Fatalf("missing tx hashes: %+v", final)
	}
	if final.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", final.Progress)
	}
	if len(final.Message) == 0 || len(final.Attestation) == 0 {
		t.Fatal("attestation payload not recorded")
	}

	funcs := h.exec.functions()
	if len(funcs) != 2 || !strings.HasPrefix(funcs[0], "depositForBurn") || !strings.HasPrefix(funcs[1], "receiveMessage") {
		t.Fatalf("unexpected call sequence: %v", funcs)
	}
}

func TestBurnFailureLeavesNoSourceTx(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.outcome = func(req signer.ExecuteRequest) (signer.Result, error) {
		return signer.Result{}, errors.New("insufficient balance")
	}

	rec, err := h.orch.Begin(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	final := waitTerminal(t, h, rec.ID)
	if final.Status != transfer.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.SourceTxHash != "" {
		t.Fatalf("no burn happened but source tx recorded: %s", final.SourceTxHash)
	}
	if !strings.HasPrefix(final.Error, "burn:") {
		t.Fatalf("error should name the failed stage: %q", final.Error)
	}
}

func TestAttestationTimeoutPreservesSourceTx(t *testing.T) {
	source := &scriptedSource{responses: []scriptedResponse{{err: attestation.ErrNotIndexed}}}
	h := newHarness(t, source)

	rec, err := h.orch.Begin(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	final := waitTerminal(t, h, rec.ID)
	if final.Status != transfer.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.SourceTxHash == "" {
		t.Fatal("source tx hash must survive an attestation timeout")
	}
	if !strings.Contains(final.Error, "attestation") {
		t.Fatalf("error should name the failed stage: %q", final.Error)
	}
	// The burn must never be re-issued.
	if funcs := h.exec.functions(); len(funcs) != 1 {
		t.Fatalf("expected exactly one execution, got %v", funcs)
	}
}

func TestMintApprovalDemandFails(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.outcome = func(req signer.ExecuteRequest) (signer.Result, error) {
		if strings.HasPrefix(req.Function, "receiveMessage") {
			return signer.Result{ChallengeID: "ch-9"}, nil
		}
		return signer.Result{TxHash: "0xburned"}, nil
	}

	rec, err := h.orch.Begin(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	final := waitTerminal(t, h, rec.ID)
	if final.Status != transfer.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.SourceTxHash != "0xburned" {
		t.Fatalf("burn tx lost: %q", final.SourceTxHash)
	}
	if !strings.Contains(final.Error, "ch-9") {
		t.Fatalf("challenge id missing from error: %q", final.Error)
	}
}

func TestResumeStuckAttesting(t *testing.T) {
	h := newHarness(t, nil)

	rec := transfer.Record{
		WalletID:         "w1",
		UserID:           "u1",
		SessionKeyID:     "sk-7",
		SourceChain:      "base",
		DestinationChain: "arbitrum",
		Status:           transfer.StatusPending,
		SourceTxHash:     "0xstuck",
	}
	rec, err := h.store.CreateTransfer(context.Background(), rec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.Status = transfer.StatusAttesting
	if rec, err = h.store.UpdateTransfer(context.Background(), rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := h.orch.Resume(context.Background(), rec.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	final, err := h.orch.GetStatus(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if final.Status != transfer.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if final.SourceTxHash != "0xstuck" {
		t.Fatalf("source tx hash changed: %q", final.SourceTxHash)
	}
	if funcs := h.exec.functions(); len(funcs) != 1 || !strings.HasPrefix(funcs[0], "receiveMessage") {
		t.Fatalf("resume must only mint, got %v", funcs)
	}
	// The resumed mint runs under the session key recorded on the transfer.
	if h.exec.calls[0].SessionKeyID != "sk-7" {
		t.Fatalf("recorded session key not presented on resume: %+v", h.exec.calls[0])
	}
}

func TestResumeRefusesNonAttesting(t *testing.T) {
	h := newHarness(t, nil)

	rec, err := h.store.CreateTransfer(context.Background(), transfer.Record{
		WalletID: "w1",
		Status:   transfer.StatusPending,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.orch.Resume(context.Background(), rec.ID); err == nil {
		t.Fatal("resuming a pending transfer should fail")
	}
}

func TestInstantTransfer(t *testing.T) {
	h := newHarness(t, nil)

	req := validRequest()
	req.MaxFee = 500
	rec, err := h.orch.BeginInstant(context.Background(), req)
	if err != nil {
		t.Fatalf("begin instant: %v", err)
	}

	final := waitTerminal(t, h, rec.ID)
	if final.Status != transfer.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if !final.Fast {
		t.Fatal("instant transfers must use the fast profile")
	}

	funcs := h.exec.functions()
	if len(funcs) != 2 || !strings.HasPrefix(funcs[0], "deposit(") || !strings.HasPrefix(funcs[1], "receiveMessage") {
		t.Fatalf("unexpected call sequence: %v", funcs)
	}
	if len(h.exec.signs) != 1 {
		t.Fatalf("expected one typed-data signature, got %d", len(h.exec.signs))
	}

	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	if len(h.relay.submissions) != 1 {
		t.Fatalf("expected one relay submission, got %d", len(h.relay.submissions))
	}
	sub := h.relay.submissions[0]
	if sub.MaxFee != 500 || sub.Signature != "0xsigned" || sub.Value != req.Amount {
		t.Fatalf("unexpected submission: %+v", sub)
	}
}

func TestInstantRequiresMaxFee(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.orch.BeginInstant(context.Background(), validRequest()); err == nil {
		t.Fatal("instant transfer without max fee should be rejected")
	}
}
