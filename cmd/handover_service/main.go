package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dukedataservice/handover/internal/handover/app"
	"github.com/dukedataservice/handover/internal/handover/domain"
	"github.com/dukedataservice/handover/internal/handover/manifest"
	"github.com/dukedataservice/handover/internal/handover/notifier"
	"github.com/dukedataservice/handover/internal/handover/repository/postgres"
	"github.com/dukedataservice/handover/internal/handover/storage"
	"github.com/dukedataservice/handover/internal/handover/templates"
	transporthttp "github.com/dukedataservice/handover/internal/handover/transport/http"
	"github.com/dukedataservice/handover/internal/platform/config"
	"github.com/dukedataservice/handover/internal/platform/database"
	"github.com/dukedataservice/handover/internal/platform/logger"
	"github.com/dukedataservice/handover/internal/platform/messagebroker"
	"github.com/dukedataservice/handover/migrations"
)

const (
	serviceName     = "handover-service"
	shutdownTimeout = 10 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(serviceName, cfg.LogLevel)
	log.Info("Starting service...")

	dbPool, err := database.NewPostgresPool(mainCtx, cfg.PostgresDSN, log)
	if err != nil {
		log.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	log.Info("Database connection pool initialized")

	if err := runMigrations(dbPool); err != nil {
		log.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}
	log.Info("Database migrations applied")

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, log, serviceName)
	if err != nil {
		// Lifecycle events are best effort; the service works without them.
		log.Warn("Failed to connect to NATS; delivery events disabled", "error", err)
		natsClient = nil
	} else {
		defer natsClient.Close()
		log.Info("NATS connection initialized")
	}

	// Storage backend adapters.
	s3Adapter, err := storage.NewS3Adapter(mainCtx,
		cfg.S3Endpoint, cfg.S3Region, cfg.S3AgentAccessKey, cfg.S3AgentSecretKey, cfg.S3AgentID, log)
	if err != nil {
		log.Error("Failed to initialize S3 adapter", "error", err)
		os.Exit(1)
	}
	adapters := storage.Registry{
		domain.BackendDDS:   storage.NewDDSAdapter(cfg.DDSApiURL, cfg.DDSAgentKey, log),
		domain.BackendS3:    s3Adapter,
		domain.BackendAzure: storage.NewAzureAdapter(cfg.AzureSaasURL, cfg.AzureSaasKey, log),
	}
	pipeline := storage.NewPipelineClient(cfg.TransferPipelineURL, log)

	// Repositories.
	deliveryRepo := postgres.NewPgDeliveryRepository(dbPool, log)
	jobRepo := postgres.NewPgTransferJobRepository(dbPool, log)
	errRepo := postgres.NewPgDeliveryErrorRepository(dbPool, log)
	templateRepo := postgres.NewPgTemplateRepository(dbPool, log)
	manifestRepo := postgres.NewPgManifestRepository(dbPool, log)

	// Application services.
	resolver := templates.NewResolver(templateRepo)
	directory := notifier.NewEmailHostDirectory(cfg.UsernameEmailHost)
	var mailer notifier.Mailer
	if cfg.MailSink == "smtp" {
		mailer = notifier.NewSMTPMailer(cfg.SMTPAddr, cfg.MailFrom, log)
	} else {
		mailer = notifier.NewConsoleMailer(log)
	}
	notify := notifier.NewNotifier(resolver, directory, mailer, cfg.ServiceName, log)
	manifests := manifest.NewStore(manifestRepo, manifest.NewSigner(cfg.ManifestSigningSecret), log)
	links := app.Links{AcceptURLBase: cfg.AcceptURLBase, PortalURLBase: cfg.PortalURLBase}

	deliveryService := app.NewDeliveryService(
		deliveryRepo, jobRepo, errRepo, adapters, resolver, notify, manifests, natsClient, links, log)
	orchestrator := app.NewOrchestrator(
		deliveryRepo, jobRepo, errRepo, adapters, manifests, notify, pipeline, natsClient, links, log)

	pollerCfg := app.PollerConfig{
		PollingInterval: cfg.PollingInterval,
		JobBatchSize:    cfg.JobBatchSize,
		MaxRetry:        cfg.MaxRetry,
	}
	jobPoller := app.NewJobPoller(jobRepo, orchestrator, log, pollerCfg)

	router := transporthttp.NewRouter(transporthttp.RouterConfig{
		Service:      deliveryService,
		Orchestrator: orchestrator,
		Links:        links,
		AccessSecret: cfg.JWTAccessSecret,
		DB:           dbPool,
		Logger:       log,
	})
	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		log.Info("Starting transfer job poller...", "polling_interval", pollerCfg.PollingInterval)
		return jobPoller.Run(groupCtx)
	})

	g.Go(func() error {
		log.Info("Starting HTTP server...", "address", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info("Starting metrics server...", "address", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigChan:
			log.Info("Received shutdown signal", "signal", sig.String())
			mainCancel()
		case <-groupCtx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Metrics server shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Service stopped")
}

func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}
