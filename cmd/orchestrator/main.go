// Package main runs the wallet layer server: cross-chain transfer
// orchestration and delegated execution behind a REST API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	app "github.com/AgentPay-Network/wallet_layer/internal/app"
	"github.com/AgentPay-Network/wallet_layer/internal/app/httpapi"
	"github.com/AgentPay-Network/wallet_layer/internal/app/metrics"
	"github.com/AgentPay-Network/wallet_layer/internal/app/services/delegate"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage/postgres"
	"github.com/AgentPay-Network/wallet_layer/internal/app/storage/redisstore"
	"github.com/AgentPay-Network/wallet_layer/internal/attestation"
	"github.com/AgentPay-Network/wallet_layer/internal/config"
	"github.com/AgentPay-Network/wallet_layer/internal/middleware"
	"github.com/AgentPay-Network/wallet_layer/internal/platform/migrations"
	"github.com/AgentPay-Network/wallet_layer/internal/signer"
	"github.com/AgentPay-Network/wallet_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to WALLET_LAYER_CONFIG or config.yaml)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.NewDefault("main").WithError(err).Fatal("load configuration")
	}

	log := logger.New(cfg.Logging)
	log.WithField("addr", cfg.Server.Addr).Info("starting wallet layer")

	stores, cleanup, err := buildStores(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("initialise storage")
	}
	defer cleanup()

	clients, err := buildClients(cfg)
	if err != nil {
		log.WithError(err).Fatal("initialise upstream clients")
	}

	application, err := app.New(stores, clients, app.Options{
		Agents:             defaultAgents(),
		ReconcilerSchedule: cfg.Transfers.ReconcilerSchedule,
		StuckAfter:         cfg.Transfers.StuckAfter,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("build application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start application")
	}

	auth := middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), []string{"/health", "/metrics"}, log)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", httpapi.NewHandler(application, log))

	var root http.Handler = mux
	root = limiter.Handler(root)
	root = auth.Handler(root)
	root = middleware.CORS(cfg.Server.AllowedOrigins)(root)
	root = metrics.InstrumentHandler(root)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.WithField("addr", cfg.Server.Addr).Info("http server listening")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("http server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
	log.Info("wallet layer stopped")
}

// buildStores selects postgres and redis when configured, in-memory
// otherwise. The returned cleanup closes whatever was opened.
func buildStores(cfg *config.Config, log *logger.Logger) (app.Stores, func(), error) {
	var stores app.Stores
	closers := []func(){}
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return stores, cleanup, err
		}
		if cfg.Database.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		}
		closers = append(closers, func() { db.Close() })

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := migrations.Apply(migrateCtx, db); err != nil {
			return stores, cleanup, err
		}

		store := postgres.New(db)
		stores.SessionKeys = store
		stores.Transfers = store
		stores.Challenges = store
		log.Info("using postgres storage")
	} else {
		log.Warn("DATABASE_URL not set; using in-memory storage")
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { client.Close() })
		stores.Challenges = redisstore.NewChallengeStore(client)
		log.Info("using redis challenge storage")
	}

	return stores, cleanup, nil
}

func buildClients(cfg *config.Config) (app.Clients, error) {
	var clients app.Clients

	signerClient, err := signer.NewClient(signer.Config{
		BaseURL: cfg.Signer.BaseURL,
		APIKey:  cfg.Signer.APIKey,
		Timeout: cfg.Signer.Timeout,
	})
	if err != nil {
		return clients, err
	}
	clients.Signer = signerClient

	attClient, err := attestation.NewClient(attestation.Config{
		BaseURL: cfg.Attestation.BaseURL,
		APIKey:  cfg.Attestation.APIKey,
		Timeout: cfg.Attestation.Timeout,
	})
	if err != nil {
		return clients, err
	}
	clients.Attestation = attClient

	if cfg.Relay.BaseURL != "" {
		relayClient, err := attestation.NewClient(attestation.Config{
			BaseURL: cfg.Relay.BaseURL,
			APIKey:  cfg.Relay.APIKey,
			Timeout: cfg.Relay.Timeout,
		})
		if err != nil {
			return clients, err
		}
		clients.Relay = relayClient
	}

	return clients, nil
}

// defaultAgents is the fixed agent set allowed to use delegated execution.
func defaultAgents() []delegate.Agent {
	return []delegate.Agent{
		{ID: "agent-pay", Name: "Payments Agent", Description: "Scheduled and on-demand USDC payments"},
		{ID: "agent-treasury", Name: "Treasury Agent", Description: "Cross-chain balance rebalancing"},
		{ID: "agent-commerce", Name: "Commerce Agent", Description: "Checkout and refund flows"},
	}
}
