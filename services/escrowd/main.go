package escrowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"proofpay/observability/logging"
	telemetry "proofpay/observability/otel"
	"proofpay/services/escrowd/config"
	"proofpay/services/escrowd/escrow"
	"proofpay/services/escrowd/ledger"
	"proofpay/services/escrowd/notify"
	"proofpay/services/escrowd/recon"
	"proofpay/services/escrowd/server"
)

// Main loads configuration and runs the settlement daemon until SIGINT or
// SIGTERM.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/escrowd/config.yaml", "path to escrowd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := logging.SetupWithOptions("escrowd", cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := ledger.Open(cfg.Database.URL, cfg.Database.Quiet)
	if err != nil {
		return err
	}
	store := ledger.NewStore(db, time.Now)

	adapter, chainCloser, err := buildChain(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init chain: %w", err)
	}
	defer chainCloser.Close()

	wallets, err := buildWallets(cfg)
	if err != nil {
		return fmt.Errorf("init identity: %w", err)
	}
	signers, err := buildSigners(cfg)
	if err != nil {
		return fmt.Errorf("init signers: %w", err)
	}
	evidenceStore, err := buildEvidence(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init evidence: %w", err)
	}

	queue := notify.NewQueue(notify.WithCapacity(cfg.Notify.QueueCapacity), notify.WithTTL(cfg.Notify.QueueTTL.Duration))
	gateway, err := notify.NewGateway(queue, notify.GatewayConfig{
		BridgeURL:     cfg.Notify.BridgeURL,
		Secret:        cfg.Notify.Secret,
		RatePerSecond: cfg.Notify.RatePerSecond,
		Burst:         cfg.Notify.Burst,
		Client:        &http.Client{Timeout: 15 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init notify: %w", err)
	}

	svc, err := escrow.NewService(escrow.Config{
		Store:      store,
		Chain:      adapter,
		Wallets:    wallets,
		Signers:    signers,
		Notifier:   gateway,
		Evidence:   evidenceStore,
		Authorizer: escrow.NewOperatorSet(cfg.Operators...),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init escrow service: %w", err)
	}

	locker, lockCloser, err := buildLocker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init sweep locks: %w", err)
	}
	defer lockCloser.Close()
	reconciler, err := recon.NewReconciler(recon.Config{
		Settler:    svc,
		Store:      store,
		Chain:      adapter,
		Notifier:   gateway,
		Locker:     locker,
		BatchLimit: cfg.Recon.BatchLimit,
		LockTTL:    cfg.Recon.LockTTL.Duration,
		ReportDir:  cfg.Recon.ReportDir,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler:          reconciler,
		FundingInterval:     cfg.Recon.FundingInterval.Duration,
		AutoReleaseInterval: cfg.Recon.AutoReleaseInterval.Duration,
		ReminderInterval:    cfg.Recon.ReminderInterval.Duration,
		Logger:              logger,
	})

	api, err := server.New(server.Config{
		Service: svc,
		Jobs:    reconciler,
		Auth: server.NewAuthenticator(server.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.JWTSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		RateLimit: server.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		Health:    store.Ping,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(api.Handler(), "escrowd"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		gateway.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scheduler.Start(ctx)
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", slog.String("addr", cfg.Listen), slog.String("chain", cfg.Chain.Mode))
		errs <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}
	wg.Wait()
	logger.Info("escrowd stopped", slog.Int("undelivered_notifications", queue.Len()))
	return runErr
}
