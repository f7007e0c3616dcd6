package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tradebridge/internal/api"
	"tradebridge/internal/events"
	"tradebridge/internal/exitplan"
	"tradebridge/internal/monitor"
	"tradebridge/internal/order"
	"tradebridge/internal/reconcile"
	"tradebridge/internal/risk"
	"tradebridge/internal/session"
	"tradebridge/internal/state"
	"tradebridge/pkg/config"
	"tradebridge/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("tradebridge starting (gateway %s, %s account, api :%s)",
		cfg.GatewayURL, cfg.AccountMode(), cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to init database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	// In-memory position state seeded from DB
	stateMgr := state.NewManager(database)
	if err := stateMgr.Load(ctx); err != nil {
		log.Fatalf("failed to load position state: %v", err)
	}

	// Exit plan manager with policy defaults from the YAML template
	defaults, err := exitplan.LoadPolicyFile(cfg.ExitPolicyPath)
	if err != nil {
		log.Printf("exit policy %s unavailable (%v), using built-in defaults", cfg.ExitPolicyPath, err)
		defaults = exitplan.DefaultPolicy()
	}
	plans := exitplan.NewManager(database, bus, defaults)

	recorder := monitor.NewRecorder(500, bus)

	// Gateway session
	sess := session.NewManager(session.Config{
		GatewayURL:         cfg.GatewayURL,
		ClientIDBase:       cfg.ClientIDBase,
		ClientIDOffset:     cfg.ClientIDOffset,
		IdentityRetries:    cfg.IdentityRetries,
		MinServerVersion:   cfg.MinServerVersion,
		ConnectTimeout:     cfg.ConnectTimeout,
		ReconnectBase:      cfg.ReconnectBase,
		ReconnectCap:       cfg.ReconnectCap,
		OutboundRatePerSec: cfg.OutboundRatePerSec,
		AccountMode:        cfg.AccountMode(),
	}, bus)
	if err := sess.Connect(ctx); err != nil {
		log.Fatalf("failed to connect to gateway: %v", err)
	}
	defer sess.Close()

	// Push-event listener keeps orders, executions, positions and plans in
	// step with the gateway.
	listener := order.NewListener(database, bus, stateMgr, plans)
	listener.Start(ctx)

	gate := risk.NewGate(risk.Limits{
		MaxOrderQty:        cfg.MaxOrderQty,
		MaxNotional:        cfg.MaxNotional,
		MinPrice:           cfg.MinPrice,
		MaxOrdersPerMinute: cfg.MaxOrdersPerMinute,
	})
	tracker := order.NewTracker(database, sess, gate, plans)

	engine := reconcile.NewEngine(database, sess, stateMgr, recorder, reconcile.Config{
		SettleWindow:          cfg.SettleWindow,
		PendingParentStatuses: cfg.PendingParentStatuses,
	})

	// Boot reconciliation: adopt whatever happened while we were down.
	if _, err := engine.Run(ctx); err != nil {
		log.Printf("boot reconciliation failed: %v", err)
	}
	engine.Start(ctx, cfg.ReconcileInterval)
	sess.OnReconnect(func() {
		if _, err := engine.Run(context.Background()); err != nil {
			log.Printf("post-reconnect reconciliation failed: %v", err)
		}
	})

	server := api.NewServer(bus, database, sess, tracker, engine, recorder, plans, stateMgr, cfg.JWTSecret, cfg.OperatorKey)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}
