package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackdock/stackdock/internal/app/migrate"
	"github.com/stackdock/stackdock/internal/builder"
	"github.com/stackdock/stackdock/internal/dockerx"
	httpx "github.com/stackdock/stackdock/internal/http"
	"github.com/stackdock/stackdock/internal/metrics"
	"github.com/stackdock/stackdock/internal/provider"
	"github.com/stackdock/stackdock/internal/repository/postgres"
	"github.com/stackdock/stackdock/internal/repository/redischc"
	"github.com/stackdock/stackdock/internal/service/changecache"
	"github.com/stackdock/stackdock/internal/service/cleanup"
	"github.com/stackdock/stackdock/internal/service/dispatch"
	"github.com/stackdock/stackdock/internal/service/health"
	"github.com/stackdock/stackdock/internal/service/lifecycle"
	"github.com/stackdock/stackdock/internal/service/reconcile"
	"github.com/stackdock/stackdock/internal/service/rollback"
	"github.com/stackdock/stackdock/internal/service/trigger"
	"github.com/stackdock/stackdock/internal/ws"
	"github.com/stackdock/stackdock/pkg/config"
	"github.com/stackdock/stackdock/pkg/logger"
)

func main() {
	cfg := config.LoadEngineConfig()
	log := logger.New("stackdockd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	m := metrics.New()

	docker, err := dockerx.New(cfg.DockerHost)
	if err != nil {
		log.Error("docker client unavailable", "error", err)
		os.Exit(1)
	}
	defer docker.Close()
	if err := docker.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable at startup", "error", err)
	}

	workspace, err := provider.NewWorkspace(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("workspace root unavailable", "error", err)
		os.Exit(1)
	}
	providers, err := provider.NewRegistryBuilder().
		Register(provider.NewGitProvider(workspace, log)).
		Register(provider.NewStaticProvider(log)).
		Build()
	if err != nil {
		log.Error("provider registry invalid", "error", err)
		os.Exit(1)
	}

	staticBuilder, err := builder.NewStaticBuilder(cfg.StaticServerRoot, log)
	if err != nil {
		log.Error("static builder root unavailable", "error", err)
		os.Exit(1)
	}
	builders, err := builder.NewRegistryBuilder().
		Register(builder.NewContainerBuilder(docker, log)).
		Register(staticBuilder).
		Build()
	if err != nil {
		log.Error("builder registry invalid", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	engine := lifecycle.New(repo, repo, repo, providers, builders, docker, staticBuilder, hub, m, log)

	monitor := health.NewMonitor(repo, repo, docker, engine, m, log,
		cfg.HealthProbeTimeout, cfg.HealthSettleDelay, cfg.HealthPollInterval)
	engine.SetHealthChecker(monitor)

	janitor := cleanup.New(repo, repo, repo, repo, docker, staticBuilder, m, log,
		cfg.RetentionInterval, cfg.RetentionKeep)
	engine.Subscribe(janitor)

	rollbacks := rollback.NewManager(repo, repo, engine, log)
	scanner := reconcile.NewScanner(repo, engine, log, cfg.StaleThreshold, cfg.ReconcileInterval)

	var chcache *changecache.Service
	if addr := strings.TrimSpace(cfg.CacheRedisAddr); addr != "" {
		store, err := redischc.New(addr, cfg.CacheRedisPassword, cfg.CacheRedisDB, log)
		if err != nil {
			log.Warn("change cache unavailable, deploying without skip detection", "error", err)
		} else {
			defer store.Close()
			chcache = changecache.New(store, log, cfg.CacheMaxEntries)
		}
	}

	rules := trigger.New(repo, trigger.NewPredicateRegistry(), log)
	dispatcher := dispatch.New(repo, rules, chcache, providers, engine, log)

	go monitor.Run(ctx)
	go janitor.Run(ctx)
	go scanner.Run(ctx)

	router := httpx.NewRouter(log, dispatcher, engine, rollbacks, rules, repo, repo, hub, pool.Ping)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("engine starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("engine stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
