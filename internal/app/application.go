// Package app wires the wallet layer together: stores, upstream clients and
// domain services under one lifecycle manager.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/AgentPay-Network/wallet_layer/internal/app/services/delegate"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/routes"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/sessionkeys"
	transfersvc "github.com/AgentPay-Network/wallet_layer/internal/app/services/transfer"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage/memory"
	"github.com/AgentPay-Network/wallet_layer/internal/app/system"
	"github.com/AgentPay-Network/wallet_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	SessionKeys storage.SessionKeyStore
	Transfers   storage.TransferStore
	Challenges  storage.ChallengeStore
}

// Clients are the upstream service dependencies. Signer and Attestation are
// required; Relay is optional and enables the instant-transfer path.
type Clients struct {
	Signer      transfersvc.ExecutionClient
	Attestation transfersvc.AttestationSource
	Relay       transfersvc.IntentRelay
}

// Options tune optional behaviour.
type Options struct {
	Chains             []routes.Chain
	Agents             []delegate.Agent
	ReconcilerSchedule string
	StuckAfter         time.Duration
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Routes      *routes.Validator
	SessionKeys *sessionkeys.Service
	Transfers   *transfersvc.Orchestrator
	Delegate    *delegate.Executor
}

// New builds a fully initialised application with the provided stores and
// clients.
func New(stores Stores, clients Clients, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if clients.Signer == nil {
		return nil, fmt.Errorf("signer client is required")
	}
	if clients.Attestation == nil {
		return nil, fmt.Errorf("attestation client is required")
	}

	mem := memory.New()
	if stores.SessionKeys == nil {
		stores.SessionKeys = mem
	}
	if stores.Transfers == nil {
		stores.Transfers = mem
	}
	if stores.Challenges == nil {
		stores.Challenges = mem
	}

	chains := opts.Chains
	if len(chains) == 0 {
		chains = routes.DefaultChains()
	}
	validator := routes.New(chains)

	manager := system.NewManager(log)

	keyService := sessionkeys.New(stores.SessionKeys, log)
	poller := transfersvc.NewPoller(clients.Attestation, log)
	orchestrator := transfersvc.New(stores.Transfers, validator, clients.Signer, clients.Relay, poller, log)
	reconciler := transfersvc.NewReconciler(stores.Transfers, orchestrator, transfersvc.ReconcilerConfig{
		Schedule:   opts.ReconcilerSchedule,
		StuckAfter: opts.StuckAfter,
	}, log)

	registry := delegate.NewRegistry(opts.Agents...)
	executor := delegate.NewExecutor(keyService, stores.Challenges, clients.Signer, orchestrator, registry, log)

	if err := manager.Register(system.NoopService{ServiceName: "sessionkeys"}); err != nil {
		return nil, fmt.Errorf("register sessionkeys: %w", err)
	}
	if err := manager.Register(orchestrator); err != nil {
		return nil, fmt.Errorf("register orchestrator: %w", err)
	}
	if err := manager.Register(reconciler); err != nil {
		return nil, fmt.Errorf("register reconciler: %w", err)
	}

	return &Application{
		manager:     manager,
		log:         log,
		Routes:      validator,
		SessionKeys: keyService,
		Transfers:   orchestrator,
		Delegate:    executor,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
