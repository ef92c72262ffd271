package coordinator

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"escrowcoord/native/escrow"
	"escrowcoord/observability"
	"escrowcoord/observability/logging"
	telemetry "escrowcoord/observability/otel"
)

// Main initialises and runs the escrow coordinator daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/coordinator/config.yaml", "path to escrowd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	logger := logging.Setup("escrowd", env, logging.Options{
		Level: logging.ParseLevel(cfg.Logging.Level),
		File:  &cfg.Logging.File,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("escrowd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		"factory", cfg.FactoryAddress().Hex(),
		"primary", cfg.Primary.Name,
		"fallbacks", len(cfg.Fallbacks),
		logging.MaskField("signer_token", cfg.Signer.AuthToken),
	)

	primary, primaryClient, err := DialEndpoint(cfg.Primary)
	if err != nil {
		return err
	}
	defer primaryClient.Close()
	fallbacks := make([]Endpoint, 0, len(cfg.Fallbacks))
	for _, fbCfg := range cfg.Fallbacks {
		fb, client, err := DialEndpoint(fbCfg)
		if err != nil {
			return err
		}
		defer client.Close()
		fallbacks = append(fallbacks, fb)
	}

	reader, err := NewEVMReader(primaryClient)
	if err != nil {
		return err
	}

	var journal Journal
	if path := strings.TrimSpace(cfg.Journal.Path); path != "" {
		store, err := NewSQLiteJournal(path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		journal = store
	}

	var discovery *Discovery
	if dsn := strings.TrimSpace(cfg.Discovery.DSN); dsn != "" {
		discovery, err = OpenDiscovery(cfg.Discovery.Driver, dsn)
		if err != nil {
			return err
		}
		defer discovery.Close()
	}

	metrics := observability.Coordinator()
	tracker, err := NewTracker(TrackerConfig{
		Submitter:     NewRPCSubmitter(cfg.Signer.URL, cfg.Signer.AuthToken, cfg.FactoryAddress()),
		Primary:       primary,
		Fallbacks:     fallbacks,
		Factory:       cfg.FactoryAddress(),
		EventTopic:    cfg.EventTopic(),
		ResourceTopic: cfg.ResourceTopic,
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.PollInterval.Duration,
		Journal:       journal,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}
	restoreCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	restored, err := tracker.Restore(restoreCtx)
	cancel()
	if err != nil {
		return err
	}
	if restored > 0 {
		logger.Info("pending actions restored", "count", restored)
	}

	engine := escrow.NewEngine(
		escrow.WithFeeSchedule(cfg.Fees),
		escrow.WithArbiter(cfg.ArbiterAddress()),
	)
	service, err := NewService(ServiceConfig{
		Engine:         engine,
		Reader:         reader,
		Tracker:        tracker,
		Discovery:      discovery,
		ConfirmTimeout: cfg.ConfirmTimeout.Duration,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := NewWatcher(service, cfg.PollInterval.Duration, cfg.RefreshInterval.Duration, logger)
	go watcher.Run(stopCtx)

	server := NewServer(service, cfg.Auth, cfg.API, logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ConfirmTimeout.Duration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
