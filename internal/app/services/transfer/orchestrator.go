// Package transfer drives the cross-chain transfer pipeline.
//
// A transfer moves through burn -> attest -> mint, each step recorded before
// the next begins. The central safety property: once a burn has (or may
// have) happened, the pipeline never re-issues it. Failures preserve all
// captured progress, in particular the source transaction hash, so a human
// or the reconciler can resume from the attestation step instead of burning
// twice.
package transfer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/metrics"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/routes"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage"
	"github.com/AgentPay-Network/wallet_layer/internal/app/system"
	"github.com/AgentPay-Network/wallet_layer/internal/attestation"
	"github.com/AgentPay-Network/wallet_layer/internal/intent"
	"github.com/AgentPay-Network/wallet_layer/internal/signer"
	"github.com/AgentPay-Network/wallet_layer/pkg/logger"
)

// Progress checkpoints per pipeline stage.
const (
	progressPending   = 0
	progressBurning   = 10
	progressAttesting = 40
	progressMinting   = 70
	progressCompleted = 100
)

// defaultMaxBlockHeight bounds intent liveness when the caller does not.
const defaultMaxBlockHeight = int64(1) << 62

// On-chain entry points invoked through the signing service.
const (
	burnFunction    = "depositForBurn(uint256,uint32,bytes32,bytes32,uint256,bytes32)"
	mintFunction    = "receiveMessage(bytes,bytes)"
	depositFunction = "deposit(address,uint256)"
)

// RouteError reports an invalid route. Nothing was signed or submitted.
type RouteError struct {
	Result routes.RouteResult
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Result.Code, e.Result.Message)
}

// ExecutionClient submits contract executions and typed-data signatures to
// the custodial signing service.
type ExecutionClient interface {
	Execute(ctx context.Context, req signer.ExecuteRequest) (signer.Result, error)
	SignTypedData(ctx context.Context, req signer.SignRequest) (signer.Result, error)
}

// IntentRelay accepts signed burn intents for the instant-transfer path.
type IntentRelay interface {
	SubmitIntent(ctx context.Context, sub attestation.IntentSubmission) (attestation.IntentReceipt, error)
}

// Request describes a transfer to start. Amount is in the token's smallest
// unit.
type Request struct {
	WalletID         string
	UserID           string
	SourceChain      string
	DestinationChain string
	Amount           int64
	Depositor        common.Address
	Recipient        common.Address
	Fast             bool
	// MaxFee must be positive for the instant path; it buys soft finality.
	MaxFee         int64
	MaxBlockHeight int64
	HookData       []byte
	// SessionKeyID and UserToken are passed through to the signing
	// service unchanged.
	SessionKeyID string
	UserToken    string
}

// Orchestrator runs transfer pipelines in the background and owns every
// mutation of transfer records.
type Orchestrator struct {
	store  storage.TransferStore
	routes *routes.Validator
	exec   ExecutionClient
	relay  IntentRelay
	poller *Poller
	log    *logger.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Orchestrator)(nil)

// New creates a configured orchestrator. relay may be nil when the instant
// path is not offered.
func New(store storage.TransferStore, validator *routes.Validator, exec ExecutionClient, relay IntentRelay, poller *Poller, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewDefault("transfer-orchestrator")
	}
	return &Orchestrator{
		store:  store,
		routes: validator,
		exec:   exec,
		relay:  relay,
		poller: poller,
		log:    log,
	}
}

func (o *Orchestrator) Name() string { return "transfer-orchestrator" }

// Start enables background pipeline execution.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	o.running = true
	o.log.Info("transfer orchestrator started")
	return nil
}

// Stop cancels running pipelines and waits for them to unwind.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	cancel := o.cancel
	o.running = false
	o.cancel = nil
	o.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Begin validates the request, persists a pending record and starts the
// burn/attest/mint pipeline in the background. The returned record is the
// created snapshot; poll GetStatus for progress.
//
// Route validation runs before anything is signed or persisted: a burn
// toward an unsupported destination cannot be undone.
func (o *Orchestrator) Begin(ctx context.Context, req Request) (transfer.Record, error) {
	rec, err := o.prepare(ctx, req)
	if err != nil {
		return transfer.Record{}, err
	}
	o.spawn(rec, req, o.runPipeline)
	return rec, nil
}

// BeginInstant starts the instant-transfer variant: deposit, sign the burn
// intent, submit it to the relay. Requires a positive MaxFee.
func (o *Orchestrator) BeginInstant(ctx context.Context, req Request) (transfer.Record, error) {
	if req.MaxFee <= 0 {
		return transfer.Record{}, fmt.Errorf("instant transfers require a positive max fee")
	}
	if o.relay == nil {
		return transfer.Record{}, fmt.Errorf("instant transfers are not enabled")
	}
	req.Fast = true
	rec, err := o.prepare(ctx, req)
	if err != nil {
		return transfer.Record{}, err
	}
	o.spawn(rec, req, o.runInstant)
	return rec, nil
}

func (o *Orchestrator) prepare(ctx context.Context, req Request) (transfer.Record, error) {
	if strings.TrimSpace(req.WalletID) == "" {
		return transfer.Record{}, fmt.Errorf("wallet_id is required")
	}
	if req.Amount <= 0 {
		return transfer.Record{}, fmt.Errorf("amount must be positive")
	}
	if req.Recipient == (common.Address{}) {
		return transfer.Record{}, fmt.Errorf("recipient is required")
	}

	if res := o.routes.Validate(req.SourceChain, req.DestinationChain); !res.Valid {
		return transfer.Record{}, &RouteError{Result: res}
	}
	source, _ := o.routes.ChainByName(req.SourceChain)
	destination, _ := o.routes.ChainByName(req.DestinationChain)

	salt, err := intent.NewSalt()
	if err != nil {
		return transfer.Record{}, err
	}

	rec := transfer.Record{
		WalletID:         req.WalletID,
		UserID:           req.UserID,
		SessionKeyID:     req.SessionKeyID,
		SourceChain:      source.Name,
		DestinationChain: destination.Name,
		Fast:             req.Fast,
		Status:           transfer.StatusPending,
		Progress:         progressPending,
		Spec: transfer.Spec{
			SourceDomain:        source.Domain,
			DestinationDomain:   destination.Domain,
			SourceContract:      source.TokenMessenger,
			DestinationContract: destination.TokenMessenger,
			SourceToken:         source.USDC,
			DestinationToken:    destination.USDC,
			Depositor:           req.Depositor,
			Recipient:           req.Recipient,
			Signer:              req.Depositor,
			Value:               req.Amount,
			Salt:                salt,
			HookData:            req.HookData,
		},
	}

	rec, err = o.store.CreateTransfer(ctx, rec)
	if err != nil {
		return transfer.Record{}, err
	}
	metrics.RecordTransferStarted(req.Fast)
	o.log.WithField("transfer_id", rec.ID).
		WithField("route", rec.SourceChain+"->"+rec.DestinationChain).
		WithField("amount", req.Amount).
		Info("transfer accepted")
	return rec, nil
}

// spawn runs the given pipeline in the background, bounded by the polling
// budget plus slack so an unresponsive remote cannot leak the goroutine.
func (o *Orchestrator) spawn(rec transfer.Record, req Request, run func(context.Context, transfer.Record, Request)) {
	o.mu.Lock()
	base := o.baseCtx
	running := o.running
	if running {
		o.wg.Add(1)
	}
	o.mu.Unlock()

	if !running {
		// Not started (tests drive pipelines synchronously) or already
		// stopped; leave the record pending for the reconciler.
		return
	}

	budget := StandardProfile.MaxElapsed()
	if rec.Fast {
		budget = FastProfile.MaxElapsed()
	}

	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(base, budget+5*time.Minute)
		defer cancel()
		run(ctx, rec, req)
	}()
}

// runPipeline executes the standard burn -> attest -> mint pipeline.
func (o *Orchestrator) runPipeline(ctx context.Context, rec transfer.Record, req Request) {
	if !o.burn(ctx, &rec, req) {
		return
	}
	if !o.attest(ctx, &rec) {
		return
	}
	o.mint(ctx, &rec, req)
}

// runInstant executes the deposit -> sign -> submit variant.
func (o *Orchestrator) runInstant(ctx context.Context, rec transfer.Record, req Request) {
	if !o.transition(ctx, &rec, transfer.StatusBurning, progressBurning) {
		return
	}

	res, err := o.exec.Execute(ctx, signer.ExecuteRequest{
		WalletID: rec.WalletID,
		Chain:    rec.SourceChain,
		Contract: rec.Spec.SourceContract.Hex(),
		Function: depositFunction,
		Params: []interface{}{
			rec.Spec.SourceToken.Hex(),
			rec.Spec.Value,
		},
		SessionKeyID: req.SessionKeyID,
		UserToken:    req.UserToken,
	})
	if err != nil {
		o.fail(ctx, &rec, "deposit", err)
		return
	}
	if res.NeedsApproval() {
		o.fail(ctx, &rec, "deposit", fmt.Errorf("interactive approval required (challenge %s); no funds moved", res.ChallengeID))
		return
	}
	rec.SourceTxHash = res.TxHash
	if !o.transition(ctx, &rec, transfer.StatusAttesting, progressAttesting) {
		return
	}

	maxBlockHeight := req.MaxBlockHeight
	if maxBlockHeight == 0 {
		maxBlockHeight = defaultMaxBlockHeight
	}
	burnIntent := transfer.BurnIntent{
		Spec:           rec.Spec,
		MaxBlockHeight: maxBlockHeight,
		MaxFee:         req.MaxFee,
	}
	digest := intent.HashIntent(burnIntent)

	signRes, err := o.exec.SignTypedData(ctx, signer.SignRequest{
		WalletID:     rec.WalletID,
		Digest:       digest.Hex(),
		SessionKeyID: req.SessionKeyID,
		UserToken:    req.UserToken,
	})
	if err != nil {
		o.fail(ctx, &rec, "sign-intent", err)
		return
	}
	if signRes.NeedsApproval() {
		o.fail(ctx, &rec, "sign-intent", fmt.Errorf("interactive approval required (challenge %s); deposit tx %s needs reconciliation", signRes.ChallengeID, rec.SourceTxHash))
		return
	}

	receipt, err := o.relay.SubmitIntent(ctx, attestation.IntentSubmission{
		SourceDomain:      rec.Spec.SourceDomain,
		DestinationDomain: rec.Spec.DestinationDomain,
		Depositor:         rec.Spec.Depositor.Hex(),
		Recipient:         rec.Spec.Recipient.Hex(),
		Value:             rec.Spec.Value,
		Salt:              hexutil.Encode(rec.Spec.Salt[:]),
		MaxBlockHeight:    maxBlockHeight,
		MaxFee:            req.MaxFee,
		HookData:          hexutil.Encode(rec.Spec.HookData),
		Signature:         signRes.Signature,
	})
	if err != nil {
		o.fail(ctx, &rec, "relay-submit", err)
		return
	}

	if receipt.Message != "" {
		if rec.Message, err = hexutil.Decode(receipt.Message); err != nil {
			o.fail(ctx, &rec, "relay-submit", fmt.Errorf("decode relay message: %w", err))
			return
		}
	}
	if receipt.Attestation != "" {
		if rec.Attestation, err = hexutil.Decode(receipt.Attestation); err != nil {
			o.fail(ctx, &rec, "relay-submit", fmt.Errorf("decode relay attestation: %w", err))
			return
		}
	}

	o.mint(ctx, &rec, req)
}

// burn submits the burn and captures the source transaction hash. Returns
// false when the pipeline must stop.
func (o *Orchestrator) burn(ctx context.Context, rec *transfer.Record, req Request) bool {
	if !o.transition(ctx, rec, transfer.StatusBurning, progressBurning) {
		return false
	}

	res, err := o.exec.Execute(ctx, signer.ExecuteRequest{
		WalletID: rec.WalletID,
		Chain:    rec.SourceChain,
		Contract: rec.Spec.SourceContract.Hex(),
		Function: burnFunction,
		Params: []interface{}{
			rec.Spec.Value,
			rec.Spec.DestinationDomain,
			addressTo32(rec.Spec.Recipient),
			addressTo32(rec.Spec.SourceToken),
			req.MaxFee,
			hexutil.Encode(rec.Spec.Salt[:]),
		},
		SessionKeyID: req.SessionKeyID,
		UserToken:    req.UserToken,
	})
	if err != nil {
		// The burn was not accepted; nothing moved, safe to retry from
		// scratch.
		o.fail(ctx, rec, "burn", err)
		return false
	}
	if res.NeedsApproval() {
		o.fail(ctx, rec, "burn", fmt.Errorf("interactive approval required (challenge %s); no funds moved", res.ChallengeID))
		return false
	}

	rec.SourceTxHash = res.TxHash
	return o.transition(ctx, rec, transfer.StatusAttesting, progressAttesting)
}

// attest waits for the attestation. Returns false when the pipeline must
// stop; the source tx hash stays on the record either way.
func (o *Orchestrator) attest(ctx context.Context, rec *transfer.Record) bool {
	message, att, err := o.poller.Poll(ctx, rec.SourceTxHash, rec.Spec.SourceDomain, rec.Fast)
	if err != nil {
		o.fail(ctx, rec, "attestation", err)
		return false
	}
	rec.Message = message
	rec.Attestation = att
	return o.transition(ctx, rec, transfer.StatusMinting, progressMinting)
}

// mint submits the destination mint and finalizes the record.
func (o *Orchestrator) mint(ctx context.Context, rec *transfer.Record, req Request) {
	if rec.Status != transfer.StatusMinting {
		if !o.transition(ctx, rec, transfer.StatusMinting, progressMinting) {
			return
		}
	}

	res, err := o.exec.Execute(ctx, signer.ExecuteRequest{
		WalletID: rec.WalletID,
		Chain:    rec.DestinationChain,
		Contract: rec.Spec.DestinationContract.Hex(),
		Function: mintFunction,
		Params: []interface{}{
			hexutil.Encode(rec.Message),
			hexutil.Encode(rec.Attestation),
		},
		SessionKeyID: req.SessionKeyID,
		UserToken:    req.UserToken,
	})
	if err != nil {
		o.fail(ctx, rec, "mint", err)
		return
	}
	if res.NeedsApproval() {
		o.fail(ctx, rec, "mint", fmt.Errorf("interactive approval required (challenge %s); burn tx %s attested, mint pending", res.ChallengeID, rec.SourceTxHash))
		return
	}

	rec.DestinationTxHash = res.TxHash
	rec.CompletedAt = time.Now().UTC()
	if !o.transition(ctx, rec, transfer.StatusCompleted, progressCompleted) {
		return
	}
	metrics.RecordTransferFinished(string(transfer.StatusCompleted), "", rec.Fast, rec.CompletedAt.Sub(rec.CreatedAt))
	o.log.WithField("transfer_id", rec.ID).
		WithField("source_tx", rec.SourceTxHash).
		WithField("destination_tx", rec.DestinationTxHash).
		Info("transfer completed")
}

// Resume picks up a transfer stranded in the attesting state, polling again
// from the captured source tx hash. It never re-issues the burn. The mint is
// submitted under the session key recorded on the transfer; no user token is
// carried because an attested message authorizes its own mint.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	rec, err := o.store.GetTransfer(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != transfer.StatusAttesting {
		return fmt.Errorf("transfer %s is %s, not attesting", id, rec.Status)
	}
	if rec.SourceTxHash == "" {
		return fmt.Errorf("transfer %s has no source tx hash to resume from", id)
	}
	if !o.attest(ctx, &rec) {
		return fmt.Errorf("transfer %s: %s", id, rec.Error)
	}
	o.mint(ctx, &rec, Request{SessionKeyID: rec.SessionKeyID})
	if rec.Status == transfer.StatusFailed {
		return fmt.Errorf("transfer %s: %s", id, rec.Error)
	}
	return nil
}

// GetStatus returns the record as stored. Reading never mutates state.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (transfer.Record, error) {
	return o.store.GetTransfer(ctx, id)
}

// List returns the wallet's transfers, most recent first.
func (o *Orchestrator) List(ctx context.Context, walletID string) ([]transfer.Record, error) {
	return o.store.ListTransfers(ctx, walletID)
}

// transition advances the record to the next state and persists it. Illegal
// transitions (including any move out of a terminal state) are refused.
func (o *Orchestrator) transition(ctx context.Context, rec *transfer.Record, next transfer.Status, progress int) bool {
	if !rec.Status.CanTransitionTo(next) {
		o.log.WithField("transfer_id", rec.ID).
			WithField("from", string(rec.Status)).
			WithField("to", string(next)).
			Error("illegal state transition refused")
		return false
	}
	rec.Status = next
	if progress > rec.Progress {
		rec.Progress = progress
	}
	updated, err := o.store.UpdateTransfer(ctx, *rec)
	if err != nil {
		o.log.WithError(err).WithField("transfer_id", rec.ID).Error("persist state transition")
		return false
	}
	*rec = updated
	return true
}

// fail moves the record to the terminal failed state, keeping every captured
// field (source tx hash above all) for reconciliation.
func (o *Orchestrator) fail(ctx context.Context, rec *transfer.Record, stage string, cause error) {
	if rec.Status.Terminal() {
		return
	}
	rec.Error = fmt.Sprintf("%s: %v", stage, cause)
	rec.Status = transfer.StatusFailed
	if _, err := o.store.UpdateTransfer(ctx, *rec); err != nil {
		o.log.WithError(err).WithField("transfer_id", rec.ID).Error("persist failure state")
	}
	metrics.RecordTransferFinished(string(transfer.StatusFailed), stage, rec.Fast, 0)
	o.log.WithError(cause).
		WithField("transfer_id", rec.ID).
		WithField("stage", stage).
		WithField("source_tx", rec.SourceTxHash).
		Warn("transfer failed")
}

// addressTo32 left-pads an address to the 32-byte form used by cross-chain
// message parameters.
func addressTo32(a common.Address) string {
	return hexutil.Encode(common.LeftPadBytes(a.Bytes(), 32))
}
