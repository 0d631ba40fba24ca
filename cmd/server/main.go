package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/auth"
	"github.com/pscheid92/livefeed/internal/database"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/gateway"
	"github.com/pscheid92/livefeed/internal/hub"
	"github.com/pscheid92/livefeed/internal/metrics"
	"github.com/pscheid92/livefeed/internal/platform/config"
	"github.com/pscheid92/livefeed/internal/platform/logging"
	"github.com/pscheid92/livefeed/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/livefeed/internal/redis"
	"github.com/pscheid92/livefeed/internal/server"
)

const revocationCleanupInterval = 5 * time.Minute

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(ctx, db); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return db
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupHub(cfg *config.Config, clock clockwork.Clock) *hub.Hub {
	h, err := hub.New(hub.Config{
		DrainInterval:      cfg.DrainInterval,
		QueueCapacity:      cfg.DispatchQueueCapacity,
		OverflowPolicy:     hub.OverflowPolicy(cfg.DispatchOverflowPolicy),
		SessionPolicy:      hub.SessionPolicy(cfg.SessionPolicy),
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatMaxMissed: cfg.HeartbeatMaxMissed,
		WriteBufferSize:    hub.DefaultConfig().WriteBufferSize,
	}, clock)
	if err != nil {
		slog.Error("Failed to start hub", "error", err)
		os.Exit(1)
	}
	return h
}

// setupVerifier picks the token backend. Remote backends are cached and breaker-protected;
// a rejected token never trips the breaker.
func setupVerifier(ctx context.Context, cfg *config.Config, clock clockwork.Clock, pool *pgxpool.Pool, rdb *goredis.Client) domain.TokenVerifier {
	switch cfg.AuthBackend {
	case config.AuthRedis:
		store := redis.NewTokenStore(rdb)
		return auth.NewCachedVerifier(auth.NewBreakerVerifier("redis-tokens", store), clock, cfg.AuthCacheTTL)

	case config.AuthPostgres:
		repo := database.NewTokenRepo(pool, clock)
		return auth.NewCachedVerifier(auth.NewBreakerVerifier("postgres-tokens", repo), clock, cfg.AuthCacheTTL)

	default:
		key, err := cfg.PublicKey()
		if err != nil {
			slog.Error("Invalid AUTH_PUBLIC_KEY", "error", err)
			os.Exit(1)
		}
		revocations := auth.NewRevocations()
		go revocations.RunCleanup(ctx, clock, revocationCleanupInterval)

		verifier, err := auth.NewSignedVerifier(ed25519.PublicKey(key), clock, revocations)
		if err != nil {
			slog.Error("Failed to create token verifier", "error", err)
			os.Exit(1)
		}
		return verifier
	}
}

// startPruner deletes stale access tokens in the background. With Redis available only the
// instance holding the lease prunes.
func startPruner(ctx context.Context, cfg *config.Config, clock clockwork.Clock, pool *pgxpool.Pool, rdb *goredis.Client) {
	var locker database.Locker
	if rdb != nil {
		locker = redis.NewLease(rdb, "token-prune", uuid.NewString(), 2*cfg.TokenPruneInterval)
	}
	pruner := database.NewPruner(database.NewTokenRepo(pool, clock), locker, clock, cfg.TokenPruneInterval, cfg.TokenRetention)
	go pruner.Run(ctx)
}

func healthChecks(pool *pgxpool.Pool, rdb *goredis.Client) []server.HealthCheck {
	var checks []server.HealthCheck
	if rdb != nil {
		checks = append(checks, server.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	if pool != nil {
		checks = append(checks, server.HealthCheck{
			Name:  "postgres",
			Check: pool.Ping,
		})
	}
	return checks
}

func runGracefulShutdown(srv *server.Server, stopBackground context.CancelFunc, relayDone <-chan struct{}, h *hub.Hub) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Stop feeding the hub before stopping it.
		stopBackground()
		if relayDone != nil {
			<-relayDone
		}

		h.Stop()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "commit", info.Commit)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool = setupDB(cfg)
		defer pool.Close()
	}

	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		redisClient = setupRedis(bgCtx, cfg)
		defer func() { _ = redisClient.Close() }()
	}

	if pool != nil {
		startPruner(bgCtx, cfg, clock, pool, redisClient)
	}

	h := setupHub(cfg, clock)
	verifier := setupVerifier(bgCtx, cfg, clock, pool, redisClient)

	limits := gateway.NewLimits(gateway.LimitsConfig{
		MaxConnections:      cfg.MaxWebSocketConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		RatePerSecond:       cfg.ConnectionRatePerSecond,
		RateBurst:           cfg.ConnectionRateBurst,
	}, clock)
	gw := gateway.New(h, verifier, limits, gateway.Config{
		AppURL:      cfg.AppURL,
		Development: cfg.AppEnv == "development",
	})

	var relayDone chan struct{}
	if cfg.RelayChannel != "" {
		relayDone = make(chan struct{})
		subscriber := redis.NewRelaySubscriber(redisClient, cfg.RelayChannel, h, clock)
		go func() {
			defer close(relayDone)
			if err := subscriber.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Relay subscriber stopped", "error", err)
			}
		}()
	}

	srv := server.NewServer(gw, h, server.Options{
		Port:          cfg.Port,
		PublishAPIKey: cfg.PublishAPIKey,
		HealthChecks:  healthChecks(pool, redisClient),
		Clock:         clock,
	})

	done := runGracefulShutdown(srv, stopBackground, relayDone, h)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
