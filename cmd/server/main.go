package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pesio-ai/be-esign-orchestrator/internal/client"
	"github.com/pesio-ai/be-esign-orchestrator/internal/handler"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/config"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/database"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/logger"
	"github.com/pesio-ai/be-esign-orchestrator/internal/platform/nats"
	"github.com/pesio-ai/be-esign-orchestrator/internal/repository"
	"github.com/pesio-ai/be-esign-orchestrator/internal/service"
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
		Msg("Starting E-Signature Orchestrator")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
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

	// Initialize repositories
	batchRepo := repository.NewSigningBatchRepository(db)
	auditRepo := repository.NewSigningAuditRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	lockRepo := repository.NewAdvisoryLockRepository(db)

	// Initialize alert publisher (optional)
	var alerts *client.AlertPublisher
	if cfg.NATS.Enabled {
		natsClient, err := nats.Connect(ctx, nats.Config{
			URL:      cfg.NATS.URL,
			Name:     cfg.Service.Name,
			Stream:   cfg.NATS.Stream,
			Subjects: []string{"alerts.esign.>"},
		})
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, failed-step alerts disabled")
		} else {
			defer natsClient.Close()
			alerts = client.NewAlertPublisher(natsClient, log.Logger)
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS alert publisher initialized")
		}
	}

	// Initialize artifact storage
	artifacts, err := client.NewS3ArtifactStore(ctx, client.S3ArtifactStoreConfig{
		Bucket:       cfg.Storage.Bucket,
		Region:       cfg.Storage.Region,
		Endpoint:     cfg.Storage.Endpoint,
		UsePathStyle: cfg.Storage.UsePathStyle,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create artifact store")
	}

	// Initialize provider client
	provider := client.NewProviderClient(cfg.Provider.BaseURL, cfg.Provider.Timeout, nil)

	log.Info().
		Str("provider", cfg.Provider.BaseURL).
		Str("bucket", cfg.Storage.Bucket).
		Msg("External clients initialized")

	// Initialize services
	var alertSink service.AlertSink
	if alerts != nil {
		alertSink = alerts
	}
	audit := service.NewAuditTrail(auditRepo, alertSink, log)
	reconciler := service.NewZipReconciler(artifacts, documentRepo, log)
	orchestrator := service.NewSignatureOrchestrator(
		batchRepo,
		batchRepo,
		documentRepo,
		artifacts,
		provider,
		reconciler,
		audit,
		lockRepo,
		service.ProviderSettings{
			BaseURL:     cfg.Provider.BaseURL,
			Org:         cfg.Provider.Org,
			User:        cfg.Provider.User,
			Password:    cfg.Provider.Password,
			IDCat:       cfg.Provider.IDCat,
			IDSol:       cfg.Provider.IDSol,
			IDCto:       cfg.Provider.IDCto,
			HandlerID:   cfg.Provider.HandlerID,
			UpdateTipo:  cfg.Provider.UpdateTipo,
			TokenTipo:   cfg.Provider.TokenTipo,
			TokenPerfil: cfg.Provider.TokenPerfil,
			TokenFirma:  cfg.Provider.TokenFirma,
		},
		log,
	)

	// Setup HTTP server
	httpHandler := handler.NewHTTPHandler(orchestrator, log, cfg.Server.MaxArchiveBytes)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Routes(cfg.Server.WriteTimeout),
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

	// Start gRPC server
	grpcHandler := handler.NewGRPCHandler(db, log.Logger)
	grpcServer := grpcHandler.NewServer()
	go grpcHandler.WatchHealth(ctx, 15*time.Second)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	grpcHandler.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}
