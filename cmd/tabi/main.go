package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/tabi/internal/auth"
	"github.com/ashita-ai/tabi/internal/config"
	"github.com/ashita-ai/tabi/internal/conflicts"
	"github.com/ashita-ai/tabi/internal/enforce"
	"github.com/ashita-ai/tabi/internal/eventbus"
	"github.com/ashita-ai/tabi/internal/evidence"
	"github.com/ashita-ai/tabi/internal/guardrails"
	"github.com/ashita-ai/tabi/internal/inference"
	"github.com/ashita-ai/tabi/internal/mcp"
	"github.com/ashita-ai/tabi/internal/policy"
	"github.com/ashita-ai/tabi/internal/ratelimit"
	"github.com/ashita-ai/tabi/internal/server"
	"github.com/ashita-ai/tabi/internal/service/decisions"
	"github.com/ashita-ai/tabi/internal/service/events"
	"github.com/ashita-ai/tabi/internal/service/health"
	"github.com/ashita-ai/tabi/internal/service/reviews"
	"github.com/ashita-ai/tabi/internal/snapshot"
	"github.com/ashita-ai/tabi/internal/storage"
	"github.com/ashita-ai/tabi/internal/telemetry"
	"github.com/ashita-ai/tabi/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// logLevel starts from the environment and is reset once config has loaded.
var logLevel = new(slog.LevelVar)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-key":
			os.Exit(hashKey(os.Args[2:]))
		case "genkey":
			os.Exit(genKeys(os.Args[2:]))
		}
	}
	os.Exit(run0())
}

// hashKey prints the Argon2id hash of an operator key for TABI_OPERATORS.
func hashKey(args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: tabi hash-key <api-key>")
		return 2
	}
	h, err := auth.HashAPIKey(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash-key: %v\n", err)
		return 1
	}
	fmt.Println(h)
	return 0
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logLevel.Set(parseLevel(os.Getenv("TABI_LOG_LEVEL")))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(parseLevel(cfg.LogLevel))

	slog.Info("tabi starting", "version", version, "port", cfg.Port,
		"provider", cfg.InferenceProvider, "snapshots", cfg.SnapshotBackend)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())

	// RunMigrations skips files already recorded in schema_migrations, so an
	// error here is a real failure.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	rules := policy.Default()
	if cfg.PolicyPath != "" {
		if rules, err = policy.Load(cfg.PolicyPath); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		logger.Info("policy: loaded", "path", cfg.PolicyPath)
	}
	retriever := evidence.Open(ctx, cfg.KBPath, logger)

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	invoker := inference.NewInvoker(provider, logger,
		inference.WithMaxRetries(cfg.InferenceMaxRetries),
		inference.WithMaxTokens(cfg.MaxTokens),
	)
	logger.Info("inference: provider ready", "provider", provider.Name(), "model", provider.ModelID())

	// One Redis client serves both the snapshot store and the rate limiter.
	var rdb *redis.Client
	if cfg.SnapshotBackend == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	var snapshots *snapshot.Cache
	switch cfg.SnapshotBackend {
	case "postgres":
		snapshots = snapshot.NewCache(db, logger)
		go snapshotPurgeLoop(ctx, db, logger, cfg.SnapshotPurgeInterval)
	case "redis":
		snapshots = snapshot.NewCache(snapshot.NewRedisStore(rdb, "tabi:snapshot:"), logger)
	default:
		logger.Info("snapshots: disabled")
	}

	var publisher eventbus.Publisher = eventbus.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := eventbus.NewKafkaPublisher(eventbus.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaEventsTopic,
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		publisher = kp
		logger.Info("event bus: kafka", "topic", cfg.KafkaEventsTopic, "brokers", len(cfg.KafkaBrokers))
	} else {
		logger.Info("event bus: disabled (no KAFKA_BROKERS)")
	}
	defer func() { _ = publisher.Close() }()

	tracker := guardrails.New()
	recorder := events.NewRecorder(db, publisher, logger)
	reviewSvc := reviews.New(db, recorder, tracker, logger)
	decisionSvc := decisions.New(decisions.Deps{
		Store:      db,
		Events:     recorder,
		Invoker:    invoker,
		Evidence:   retriever,
		Snapshots:  snapshots,
		Guardrails: tracker,
		Reviews:    reviewSvc,
		Detector:   conflicts.NewDetector(rules),
		Enforcer:   enforce.New(rules),
		Logger:     logger,
	}, decisions.Config{LogicVersion: cfg.LogicVersion})
	healthSvc := health.New(db, tracker, logger)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration, logger)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	operators, err := auth.ParseOperators(cfg.Operators)
	if err != nil {
		return fmt.Errorf("operators: %w", err)
	}

	var broker *server.Broker
	if db.HasNotify() {
		broker = server.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	var limiter ratelimit.Limiter
	switch {
	case !cfg.RateLimitEnabled:
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	case rdb != nil:
		limiter = ratelimit.NewRedisLimiter(rdb, "tabi:rl:", cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: redis", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	default:
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}
	defer func() { _ = limiter.Close() }()

	mcpSrv := mcp.New(decisionSvc, healthSvc, logger, version)

	srv := server.New(server.ServerConfig{
		JWTMgr:              jwtMgr,
		DecisionSvc:         decisionSvc,
		ReviewSvc:           reviewSvc,
		HealthSvc:           healthSvc,
		Recorder:            recorder,
		Guardrails:          tracker,
		Logger:              logger,
		Operators:           operators,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		EvaluateTimeout:     cfg.EvaluateTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Each phase gets its own timeout so a slow HTTP drain does not starve
	// the event drain. In-flight requests may still record events, so HTTP
	// stops first.
	slog.Info("tabi shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := recorder.Drain(drainCtx); err != nil {
		slog.Warn("event publish drain incomplete", "error", err)
	}
	drainCancel()

	slog.Info("tabi stopped")
	return nil
}

// newProvider builds the configured completion backend. Config.Validate has
// already checked the provider-specific settings.
func newProvider(ctx context.Context, cfg config.Config) (inference.Provider, error) {
	switch cfg.InferenceProvider {
	case "ollama":
		return inference.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel), nil
	case "openai":
		return inference.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	default:
		return inference.NewBedrockProvider(ctx, cfg.AWSRegion, cfg.BedrockModelID)
	}
}

// snapshotPurgeLoop deletes expired Postgres snapshot rows. Redis expires its
// own keys.
func snapshotPurgeLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeExpiredSnapshots(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn("snapshot purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("snapshot purge complete", "deleted", n)
			}
		}
	}
}
