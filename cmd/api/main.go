package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/poblysh/pollen/config"
	"github.com/poblysh/pollen/internal/handlers"
	"github.com/poblysh/pollen/pkg/backoff"
	"github.com/poblysh/pollen/pkg/connectors"
	"github.com/poblysh/pollen/pkg/database"
	"github.com/poblysh/pollen/pkg/executor"
	"github.com/poblysh/pollen/pkg/health"
	"github.com/poblysh/pollen/pkg/httpclient"
	"github.com/poblysh/pollen/pkg/kafka"
	"github.com/poblysh/pollen/pkg/middleware"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/oauth"
	"github.com/poblysh/pollen/pkg/redis"
	"github.com/poblysh/pollen/pkg/repositories"
	"github.com/poblysh/pollen/pkg/scheduler"
	"github.com/poblysh/pollen/pkg/tracing"
	"github.com/poblysh/pollen/pkg/tracing/exporters"
	"github.com/poblysh/pollen/pkg/vault"
	"github.com/poblysh/pollen/pkg/webhooks"
)

var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger()
	logger.WithField("version", version).Infof("Starting %s", cfg.AppName)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

func newLogger() ectologger.Logger {
	enc := json.NewEncoder(os.Stdout)
	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		_ = enc.Encode(msg)
	})
}

func run(cfg config.Config, logger ectologger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A broken crypto key means every token operation would fail, so the
	// process refuses to come up at all.
	tokenVault, err := vault.New(cfg.CryptoKey)
	if err != nil {
		return fmt.Errorf("token vault: %w", err)
	}

	shutdownTracing, err := setupTracing(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing()

	db, err := database.Connect(database.Config{
		Driver:          cfg.DatabaseDriver,
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(db, cfg.DatabaseName, database.MigrationConfig{
		FolderPath: cfg.DatabaseMigrationFolderPath,
		Version:    uint(cfg.DatabaseMigrationVersion),
	}, logger); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	streams := redis.NewStreams(redisClient)
	leaser := redis.NewLeaser(redisClient, "pollen:lease:")
	throttle := redis.NewThrottle(redisClient, "pollen:throttle:")

	producer := kafka.NewProducer(kafka.ParseConfig(cfg.KafkaBrokers, cfg.KafkaSignalTopic), logger)
	defer producer.Close()

	connectionRepo := repositories.NewConnectionRepository(db, logger)
	jobRepo := repositories.NewSyncJobRepository(db, logger)
	signalRepo := repositories.NewSignalRepository(db, logger)

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("connector registry: %w", err)
	}

	verifier, err := webhooks.NewVerifier(ctx, verifierConfigs(cfg), operatorCheck(cfg), logger)
	if err != nil {
		return fmt.Errorf("webhook verifier: %w", err)
	}

	stateStore := oauth.NewStateStore(redisClient, logger)

	backoffPolicy := backoff.NewPolicy(cfg.ExecutorBackoffBase, cfg.ExecutorBackoffMax, cfg.ExecutorMaxAttempts, 0.2)

	sched := scheduler.NewScheduler(connectionRepo, jobRepo, streams, leaser, throttle, scheduler.Config{
		TickInterval:    cfg.SchedulerTickInterval,
		SyncInterval:    cfg.SchedulerSyncInterval,
		MaxSyncInterval: cfg.SchedulerMaxSyncInterval,
		JitterFraction:  cfg.SchedulerJitterFraction,
		JobQueue:        cfg.RedisStreamsJobQueue,
	}, logger)

	exec := executor.NewExecutor(streams, leaser, throttle, registry, tokenVault,
		connectionRepo, jobRepo, signalRepo, producer, backoffPolicy, executor.Config{
			Stream:        cfg.RedisStreamsJobQueue,
			ConsumerGroup: cfg.RedisStreamsConsumerGroup,
			ConsumerName:  cfg.RedisStreamsConsumerName,
			WorkerCount:   cfg.ExecutorWorkerCount,
			JobTimeout:    cfg.ExecutorJobTimeout,
			LeaseTTL:      cfg.ExecutorLeaseTTL,
			RefreshMargin: cfg.ExecutorRefreshMargin,
		}, logger)

	if cfg.SchedulerEnabled {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	if cfg.ExecutorEnabled {
		if err := exec.Start(ctx); err != nil {
			return fmt.Errorf("executor: %w", err)
		}
	}

	checker := health.NewChecker(db, redisClient, firstBroker(cfg.KafkaBrokers), version)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	e.GET("/health/live", checker.LivenessHandler)
	e.GET("/health/ready", checker.ReadinessHandler)
	e.GET("/health", checker.HealthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	providerHandler := handlers.NewProviderHandler(registry)
	connectionHandler := handlers.NewConnectionHandler(registry, stateStore, tokenVault,
		connectionRepo, jobRepo, streams, cfg.RedisStreamsJobQueue, logger)
	signalHandler := handlers.NewSignalHandler(signalRepo)
	webhookHandler := handlers.NewWebhookHandler(verifier, connectionRepo, jobRepo,
		streams, cfg.RedisStreamsJobQueue, logger)

	// Webhooks and OAuth callbacks authenticate themselves: providers hit
	// these without platform credentials.
	public := e.Group("")
	webhookHandler.RegisterRoutes(public)
	connectionHandler.RegisterPublicRoutes(public)

	api := e.Group("")
	if cfg.AuthEnabled {
		auth, err := middleware.Authentication(logger, cfg.AuthIssuerURL, cfg.AuthClientID)
		if err != nil {
			return fmt.Errorf("authentication middleware: %w", err)
		}
		api.Use(auth)
	}
	providerHandler.RegisterRoutes(api)
	connectionHandler.RegisterRoutes(api)
	signalHandler.RegisterRoutes(api)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on :%d", cfg.Port)
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	checker.SetReady(true)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	if cfg.SchedulerEnabled {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("Scheduler shutdown failed")
		}
	}
	if cfg.ExecutorEnabled {
		if err := exec.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("Executor shutdown failed")
		}
	}

	logger.Info("Shutdown complete")
	return nil
}

// buildRegistry wires every provider connector. Connectors with missing
// OAuth credentials still register; authorize attempts against them fail
// with a clear error instead of hiding the provider from listings.
func buildRegistry(cfg config.Config, logger ectologger.Logger) (*connectors.Registry, error) {
	httpClient := httpclient.NewClient(httpclient.DefaultConfig(), logger)

	redirect := func(provider string) string {
		return fmt.Sprintf("%s/oauth/%s/callback", cfg.PublicBaseURL, provider)
	}

	github := oauth.ClientCredentials{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		RedirectURL:  redirect(models.ProviderGitHub),
	}
	jira := oauth.ClientCredentials{
		ClientID:     cfg.JiraClientID,
		ClientSecret: cfg.JiraClientSecret,
		RedirectURL:  redirect(models.ProviderJira),
	}
	slack := oauth.ClientCredentials{
		ClientID:     cfg.SlackClientID,
		ClientSecret: cfg.SlackClientSecret,
		RedirectURL:  redirect(models.ProviderSlack),
	}
	google := func(provider string) oauth.ClientCredentials {
		return oauth.ClientCredentials{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  redirect(provider),
		}
	}
	zoho := func(provider string) oauth.ClientCredentials {
		return oauth.ClientCredentials{
			ClientID:     cfg.ZohoClientID,
			ClientSecret: cfg.ZohoClientSecret,
			RedirectURL:  redirect(provider),
		}
	}

	return connectors.NewRegistry(
		connectors.NewGitHub(github, logger),
		connectors.NewJira(jira, httpClient, logger),
		connectors.NewGoogleDrive(google(models.ProviderGoogleDrive), httpClient, logger),
		connectors.NewGoogleCalendar(google(models.ProviderGoogleCalendar), httpClient, logger),
		connectors.NewGmail(google(models.ProviderGmail), httpClient, logger),
		connectors.NewSlack(slack, httpClient, logger),
		connectors.NewZohoCliq(logger),
		connectors.NewZohoMail(zoho(models.ProviderZohoMail), httpClient, logger),
	)
}

func verifierConfigs(cfg config.Config) map[string]webhooks.ProviderConfig {
	googleOIDC := webhooks.ProviderConfig{
		Scheme:   webhooks.SchemeOIDC,
		Issuers:  []string{cfg.WebhookGoogleIssuer},
		Audience: cfg.WebhookGoogleAudience,
	}

	return map[string]webhooks.ProviderConfig{
		models.ProviderGitHub: {
			Scheme:          webhooks.SchemeHMAC,
			Secret:          cfg.WebhookSecretGitHub,
			SignatureHeader: "X-Hub-Signature-256",
		},
		models.ProviderJira: {
			Scheme:          webhooks.SchemeHMAC,
			Secret:          cfg.WebhookSecretJira,
			SignatureHeader: "X-Hub-Signature",
		},
		models.ProviderSlack: {
			Scheme:          webhooks.SchemeTimestampedHMAC,
			Secret:          cfg.WebhookSecretSlack,
			SignatureHeader: "X-Slack-Signature",
			TimestampHeader: "X-Slack-Request-Timestamp",
			Tolerance:       cfg.WebhookSlackTolerance,
		},
		models.ProviderZohoCliq: {
			Scheme: webhooks.SchemeSharedSecret,
			Secret: cfg.WebhookSecretZohoCliq,
		},
		models.ProviderZohoMail: {
			Scheme: webhooks.SchemeSharedSecret,
			Secret: cfg.WebhookSecretZohoMail,
		},
		models.ProviderGoogleDrive:    googleOIDC,
		models.ProviderGoogleCalendar: googleOIDC,
		models.ProviderGmail:          googleOIDC,
	}
}

func operatorCheck(cfg config.Config) webhooks.OperatorCheck {
	token := cfg.WebhookOperatorToken
	if token == "" {
		return nil
	}
	return func(_ context.Context, bearer string) bool {
		return subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) == 1
	}
}

func setupTracing(ctx context.Context, cfg config.Config, logger ectologger.Logger) (func(), error) {
	if !cfg.OTLPEnabled {
		return func() {}, nil
	}

	exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.AppName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	tracing.SetTracer(tp.Tracer(cfg.AppName))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Trace provider shutdown failed")
		}
	}, nil
}

func firstBroker(brokers string) string {
	list := kafka.ParseConfig(brokers, "").Brokers
	if len(list) == 0 {
		return ""
	}
	return list[0]
}
