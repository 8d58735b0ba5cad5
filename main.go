package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broker-core/internal/account"
	"broker-core/internal/api"
	"broker-core/internal/audit"
	"broker-core/internal/breaker"
	"broker-core/internal/dispatch"
	"broker-core/internal/eligibility"
	"broker-core/internal/events"
	"broker-core/internal/gate"
	"broker-core/internal/loop"
	"broker-core/internal/monitor"
	"broker-core/internal/nonce"
	"broker-core/internal/ratelimit"
	"broker-core/internal/strategy"
	"broker-core/pkg/broker"
	"broker-core/pkg/config"
	"broker-core/pkg/db"
	"broker-core/pkg/i18n"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Port)
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)
	if cfg.DryRun {
		log.Println(i18n.Get("DryRunMode"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}

	// Account/broker configuration
	file, err := account.LoadConfig(cfg.AccountsPath)
	if err != nil {
		log.Fatalf(i18n.Get("AccountsLoadFailed"), err)
	}
	registry := account.NewRegistry(file)
	log.Printf(i18n.Get("AccountsLoaded"), len(file.Accounts), len(file.Brokers))

	// Shared per-broker controls: circuit board + rate governor.
	board := breaker.NewBoard()
	governor := ratelimit.NewGovernor()
	for _, brk := range registry.Brokers() {
		board.Register(brk.Name, breaker.Config{
			FailureThreshold: brk.FailureThreshold,
			BaseCooldown:     brk.BaseCooldown,
			HardCooldown:     brk.HardCooldown,
		})
		governor.Register(brk.Name, ratelimit.Limits{
			Orders:   ratelimit.Spec{PerSec: brk.OrdersPerSec, Burst: brk.OrdersBurst},
			Account:  ratelimit.Spec{PerSec: brk.AccountPerSec, Burst: brk.AccountBurst},
			Market:   ratelimit.Spec{PerSec: brk.MarketPerSec, Burst: brk.MarketBurst},
			MinBatch: brk.MinBatch, MidBatch: brk.MidBatch, MaxBatch: brk.MaxBatch,
			BulkCooldown: brk.BulkCooldown,
		})
	}

	// Execution chain: nonce authority -> clients -> dispatcher -> gate.
	nonces := nonce.New()
	clients := broker.NewFactory(cfg.DryRun, nonces.Next)
	selector := eligibility.NewSelector(registry, clients, board)

	metrics := monitor.NewExecMetrics()
	log.Printf(i18n.Get("MetricsInit"), monitor.InstanceID())

	recorder := audit.NewRecorder(database, bus, 50, 500*time.Millisecond)
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Printf(i18n.Get("AuditFlushFailed"), err)
		}
	}()

	dispatcher := dispatch.New(registry, clients, board, governor, nonces, recorder, bus, metrics)
	approvals := gate.NewApprovalQueue(database.Queries())
	safetyGate := gate.New(registry, database.Queries(), approvals, dispatcher, recorder, bus)
	if n, err := safetyGate.Recover(ctx); err != nil {
		log.Printf("approval recovery failed: %v", err)
	} else if n > 0 {
		log.Printf(i18n.Get("ApprovalsRecovered"), n)
	}

	// Strategy provider: remote worker when enabled, demo otherwise.
	var provider strategy.Provider
	if cfg.EnableStrategyWorker {
		worker, err := strategy.NewWorkerClient(cfg.StrategyWorkerAddr, cfg.StrategyCallTimeout)
		if err != nil {
			log.Printf(i18n.Get("WorkerProviderFailed"), err)
			provider = strategy.NewDemo(cfg.DemoNotional)
		} else {
			defer worker.Close()
			provider = worker
			log.Printf(i18n.Get("WorkerProviderEnabled"), cfg.StrategyWorkerAddr)
		}
	}
	if provider == nil {
		provider = strategy.NewDemo(cfg.DemoNotional)
		log.Println(i18n.Get("DemoProviderEnabled"))
	}

	// Per-account trading loops.
	orch := loop.NewOrchestrator(loop.Deps{
		Registry: registry,
		Selector: selector,
		Provider: provider,
		Gate:     safetyGate,
		Governor: governor,
		Audit:    recorder,
		Bus:      bus,
		Metrics:  metrics,
		Interval: cfg.TickInterval,
	}, board)
	if err := orch.StartAll(ctx); err != nil {
		log.Fatalf("failed to start trading loops: %v", err)
	}
	log.Printf(i18n.Get("OrchestratorReady"), len(registry.All()))

	// Operator API
	server := api.NewServer(bus, database.Queries(), registry, safetyGate, approvals, orch,
		recorder, metrics,
		api.AuthConfig{
			JWTSecret:    cfg.JWTSecret,
			Operator:     cfg.OperatorUser,
			PasswordHash: cfg.OperatorPassword,
		},
		api.SystemMeta{
			DryRun:   cfg.DryRun,
			Accounts: len(registry.All()),
			Brokers:  brokerNames(registry),
			Version:  version(),
		},
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println(i18n.Get("ShuttingDown"))

	cancel()
	if !orch.StopAll(cfg.ShutdownGrace) {
		log.Printf("shutdown grace %s elapsed with loops still draining", cfg.ShutdownGrace)
	}

	// Live accounts must not leave resting orders behind.
	cancelCtx, cancelDone := context.WithTimeout(context.Background(), 30*time.Second)
	for _, acct := range registry.All() {
		if err := dispatcher.CancelAllOpen(cancelCtx, acct); err != nil {
			log.Printf("cancel open orders for %s: %v", acct.ID, err)
		}
	}
	cancelDone()
	log.Println(i18n.Get("ShutdownComplete"))
}

func brokerNames(registry *account.Registry) []string {
	brokers := registry.Brokers()
	names := make([]string, 0, len(brokers))
	for _, b := range brokers {
		names = append(names, b.Name)
	}
	return names
}

func version() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "v1.0-dev"
}
