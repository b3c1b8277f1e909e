// Package main is the entry point for the billing sync API.
//
// It loads configuration, connects to Postgres, wires the billing services
// to the Stripe gateway and builds the HTTP server with the core chassis.
//
// Inside AWS Lambda the chi router is driven by API Gateway HTTP API events;
// everywhere else it runs as a standard HTTP server with graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"billingsync/internal/api/handlers"
	"billingsync/internal/auth"
	"billingsync/internal/billing"
	"billingsync/internal/config"
	"billingsync/internal/core"
	"billingsync/internal/db"
	"billingsync/internal/external"
)

var (
	_ billing.ProfileStore    = (*db.ProfileRepository)(nil)
	_ billing.Gateway         = (*external.StripeClient)(nil)
	_ billing.EventVerifier   = (*external.StripeVerifier)(nil)
	_ handlers.AuthMiddleware = (*core.Server)(nil)
	_ core.Authenticator      = (*auth.TokenVerifier)(nil)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billing sync API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)
	if !cfg.Billing.StripeSecretKey.IsSet() {
		logger.Warn("STRIPE_SECRET_KEY is not set; billing endpoints will report a configuration error")
	}

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	cw, err := newCloudWatchMetrics(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return err
	}
	var metrics core.MetricsCollector = core.NoopMetrics{}
	if cw != nil {
		metrics = cw
	}

	profiles := db.NewProfileRepository(pool, logger)
	stripe := external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.StripeTimeout},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			BaseURL:   cfg.Billing.StripeAPIBase,
			Logger:    logger,
		},
	)

	srv, err := buildServer(cfg, logger, profiles, stripe, metrics)
	if err != nil {
		pool.Close()
		return err
	}
	srv.HealthProbes = append(srv.HealthProbes, core.PingProbe{ProbeName: "database", Pinger: pool})
	srv.Closers = append(srv.Closers, pool.Close)

	if isLambdaEnvironment() {
		return runLambda(srv, cw, logger)
	}
	return runHTTPServer(srv, cfg, cw, logger)
}

// buildServer wires the billing services and handlers onto a core.Server and
// mounts its routes.
func buildServer(
	cfg *config.Config,
	logger *slog.Logger,
	profiles billing.ProfileStore,
	gateway billing.Gateway,
	metrics core.MetricsCollector,
) (*core.Server, error) {
	catalog, err := billing.NewCatalog(cfg.Billing.Tiers())
	if err != nil {
		return nil, fmt.Errorf("building tier catalog: %w", err)
	}
	logger.Info("tier catalog loaded", "tiers", catalog.Tiers())

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.Authenticator = auth.NewTokenVerifier(cfg.Auth)

	resolver := billing.NewCustomerResolver(profiles, gateway, logger)
	sessions := billing.NewSessionService(catalog, resolver, profiles, gateway, cfg.Server.AppBaseURL, logger)
	status := billing.NewStatusService(catalog, profiles, gateway, cfg.Billing.StripeSecretKey.IsSet(), logger)
	processor := billing.NewEventProcessor(
		external.NewStripeVerifier(cfg.Billing.WebhookTolerance),
		cfg.Billing.StripeWebhookSecret,
		catalog,
		profiles,
		gateway,
		logger,
		billing.WithEventRecorder(metrics),
	)

	billingHandler := handlers.NewBillingHandler(sessions, status, srv, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(processor, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, billingHandler.RegisterRoutes)
	srv.RootRouteRegistrars = append(srv.RootRouteRegistrars, webhookHandler.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

// newCloudWatchMetrics returns nil when metrics are disabled.
func newCloudWatchMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.CloudWatchMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Observability.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return core.NewCloudWatchMetrics(
		cloudwatch.NewFromConfig(awsCfg),
		cfg.Observability.MetricNamespace,
		logger,
	), nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda serves API Gateway events until the runtime shuts the process
// down. Buffered metrics are flushed after every invocation.
func runLambda(srv *core.Server, cw *core.CloudWatchMetrics, logger *slog.Logger) error {
	var afterInvoke func(context.Context)
	if cw != nil {
		afterInvoke = cw.Flush
	}
	logger.Info("starting in Lambda mode")
	lambda.Start(core.NewLambdaAdapter(srv.Handler(), afterInvoke).Handle)
	return nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, cw *core.CloudWatchMetrics, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	metricsDone := make(chan struct{})
	if cw != nil {
		go func() {
			defer close(metricsDone)
			cw.Run(metricsCtx, cfg.Observability.MetricsFlushInterval)
		}()
	} else {
		close(metricsDone)
	}
	srv.Closers = append([]func(){func() {
		stopMetrics()
		<-metricsDone
	}}, srv.Closers...)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			stopMetrics()
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
