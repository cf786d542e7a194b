// Package engramservice boots the memory service: configuration, store
// driver, cache tiers, tuning, maintenance schedule and the HTTP surface.
package engramservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/internal/api"
	"github.com/engramlabs/engram/internal/cache"
	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/jobs"
	"github.com/engramlabs/engram/internal/logger"
	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/metrics"
	"github.com/engramlabs/engram/internal/rag"
	"github.com/engramlabs/engram/internal/schema"
	"github.com/engramlabs/engram/internal/sensitive"
	"github.com/engramlabs/engram/internal/store"
	pgstore "github.com/engramlabs/engram/internal/store/postgres"
	sqlitestore "github.com/engramlabs/engram/internal/store/sqlite"
	"github.com/engramlabs/engram/internal/tuner"
)

const retrieverTimeout = 10 * time.Second

// Run starts the memory service HTTP server and blocks until shutdown or
// error.
func Run() error {
	log := logger.New("engram")

	cfg, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	ctx, stop := newServerContext()
	defer stop()

	st, err := newStore(ctx, cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Store driver unavailable")
		return err
	}

	rdb := newRedisClient(ctx, cfg, log)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	col := metrics.NewCollector()
	wsCache := cache.New(rdb, col, log)
	cryptor := sensitive.NewCryptor(cfg.KeyPII, cfg.KeySecret, cfg.KeyConfidential, log)
	tn := tuner.New(col, wsCache, log)
	mgr := memory.New(st, wsCache, cryptor, schema.NewRegistry(), tn, col,
		cfg.TokenBudgetTotal, cfg.TokenBudgetReserve, log)
	rg := rag.NewManager(rag.NewHTTPRetriever(cfg.RAGEndpoint, retrieverTimeout), col, log)
	runner := jobs.New(st, tn, col, log)

	sched, err := startSchedule(ctx, cfg, runner, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start maintenance schedule")
		return err
	}
	defer sched.Stop()

	router := api.NewRouter(api.NewHandler(mgr, rg, tn, col, runner, st, log))
	server := newHTTPServer(ctx, cfg, router)
	errCh := serveHTTP(server, log, cfg)

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error().Stack().Err(err).Msg("Server forced to shutdown")
			return err
		}
		log.Info().Msg("Server exited")
		return nil
	case err := <-errCh:
		log.Error().Stack().Err(err).Msg("HTTP server failed")
		return err
	}
}

// newStore opens the configured relational driver and applies the schema.
func newStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		db, err := pgstore.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pgstore.Bootstrap(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info().Msg("Postgres store ready")
		return pgstore.NewWithDB(db), nil
	case "sqlite":
		st, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("SQLite store ready")
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported DB driver: %s", cfg.DBDriver)
	}
}

// newRedisClient connects the shared cache tier. A missing address or a
// failed ping degrades to L1-only mode; the cache is never a hard
// dependency.
func newRedisClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Info().Msg("No Redis address configured, running L1-only cache")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable at startup, cache reads will degrade to misses")
	}
	return rdb
}

// startSchedule registers the maintenance jobs on their cron expressions.
func startSchedule(ctx context.Context, cfg *config.Config, runner *jobs.Runner, log zerolog.Logger) (*cron.Cron, error) {
	sched := cron.New()

	register := func(expr, name string, fn func(context.Context) error) error {
		_, err := sched.AddFunc(expr, func() {
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Str("job", name).Msg("maintenance job failed")
			}
		})
		return err
	}

	if err := register(cfg.ExpireSweepSchedule, "expire-sweep", func(ctx context.Context) error {
		_, err := runner.ExpireSweep(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := register(cfg.OptimizerSchedule, "optimizer-report", func(ctx context.Context) error {
		_, err := runner.OptimizerReport(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := register(cfg.BackupSchedule, "backup-permanent", func(ctx context.Context) error {
		_, err := runner.BackupPermanent(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	sched.Start()
	return sched, nil
}

func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func serveHTTP(server *http.Server, log zerolog.Logger, cfg *config.Config) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// newServerContext returns a cancellable context bound to SIGINT/SIGTERM.
func newServerContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
