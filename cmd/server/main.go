package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service (PLT-3)")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS (optional; empty URL disables event publishing)
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsConn.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS URL not configured, event publishing disabled")
	}

	// Initialize stores and clients
	store := repository.NewPostgresStore(db)
	ruleStore := repository.NewRulesRepository(db)
	identityClient := client.NewIdentityClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)
	publisher := client.NewNotificationPublisher(natsConn, log.Logger)

	// Initialize services
	flowQuery := service.NewFlowQuery(store, ruleStore, identityClient, log)
	resolver := service.NewRuleResolver(ruleStore, identityClient, log)
	engine := service.NewTransitionEngine(store, publisher, flowQuery, log)
	transferService := service.NewTransferService(store, publisher, log)
	approvalService := service.NewApprovalService(resolver, engine, transferService, flowQuery, log)
	ruleService := service.NewRuleService(ruleStore, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(approvalService, ruleService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Approval routes
	mux.HandleFunc("/api/v1/approvals/requests", httpHandler.CreateRequest)
	mux.HandleFunc("/api/v1/approvals/approve", httpHandler.Approve)
	mux.HandleFunc("/api/v1/approvals/reject", httpHandler.Reject)
	mux.HandleFunc("/api/v1/approvals/transfer", httpHandler.Transfer)
	mux.HandleFunc("/api/v1/approvals/cancel", httpHandler.Cancel)
	mux.HandleFunc("/api/v1/approvals/flow", httpHandler.GetFlow)
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.ListPending)
	mux.HandleFunc("/api/v1/approvals/audit", httpHandler.GetAuditTrail)

	// Rule routes
	mux.HandleFunc("/api/v1/approval-rules", httpHandler.Rules)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
