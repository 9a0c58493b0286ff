package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/ocx/meshcore/internal/auditlog"
	"github.com/ocx/meshcore/internal/clientchan"
	"github.com/ocx/meshcore/internal/config"
	"github.com/ocx/meshcore/internal/gatewaychan"
	"github.com/ocx/meshcore/internal/hooks"
	"github.com/ocx/meshcore/internal/obs"
	"github.com/ocx/meshcore/internal/presence"
	"github.com/ocx/meshcore/internal/pubsub"
	"github.com/ocx/meshcore/internal/ref"
	"github.com/ocx/meshcore/internal/transport"
	"github.com/ocx/meshcore/internal/wal"
)

func main() {
	cfg := config.Get()
	logger := obs.NewLogger(cfg.Server.Env)
	metrics := obs.NewMetrics()

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("failed to open database pool: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	// =========================================================================
	// L0 fabric — the process-local pub/sub broker every other layer rides on
	// =========================================================================
	broker := pubsub.NewBroker()
	signer := ref.NewSigner(cfg.Ref.Secret)

	relayRegistry := presence.NewRegistry(cfg.PubSub, cfg.Presence, logger)

	// =========================================================================
	// L1 — logical replication consumer, fanned out to hooks and auditlog
	// =========================================================================
	consumer := wal.NewConsumer(cfg.WAL, cfg.Database, logger, metrics)
	rawChanges := make(chan wal.Change, cfg.WAL.FlushBufferCap)

	dispatcher := hooks.NewDispatcher(db, broker, logger, metrics)
	auditSink := auditlog.NewSink(db, cfg.AuditLog, logger, metrics)

	hydrator := clientchan.NewHydrator(db)
	reauthorizer := gatewaychan.NewReauthorizer(db)

	server := transport.NewServer(cfg.JWT, cfg.Server, logger, metrics, broker, hydrator, reauthorizer, relayRegistry, signer)

	httpServer := &http.Server{
		Addr:         ":" + cfg.GetPort(),
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fan the single WAL stream out onto the broker so hooks and auditlog
	// each get their own unbounded mailbox (wal.Bridge on the receiving end)
	// and neither can stall the other or the consumer itself.
	go func() {
		for change := range rawChanges {
			broker.Publish(pubsub.WALChanges, change)
		}
	}()

	go func() {
		if err := consumer.Run(ctx, rawChanges); err != nil && ctx.Err() == nil {
			logger.Error("wal consumer stopped", "error", err)
		}
	}()

	go func() {
		changes := wal.Bridge(broker.Subscribe(pubsub.WALChanges))
		if err := dispatcher.Run(ctx, changes); err != nil && ctx.Err() == nil {
			logger.Error("hooks dispatcher stopped", "error", err)
		}
	}()

	go func() {
		changes := wal.Bridge(broker.Subscribe(pubsub.WALChanges))
		if err := auditSink.Run(ctx, changes); err != nil && ctx.Err() == nil {
			logger.Error("audit sink stopped", "error", err)
		}
	}()

	go func() {
		if err := relayRegistry.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("presence registry stopped", "error", err)
		}
	}()

	// =========================================================================
	// Server start + graceful shutdown
	// =========================================================================
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal, shutting down gracefully")
		cancel()
		dispatcher.WaitCascades()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}()

	logger.Info("meshcore control plane starting", "port", cfg.GetPort(), "env", cfg.Server.Env)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server failed: %v", err)
	}

	logger.Info("meshcore control plane stopped")
}
