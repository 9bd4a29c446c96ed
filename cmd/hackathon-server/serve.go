package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mineclover/autobe/internal/agent"
	"github.com/mineclover/autobe/internal/config"
	"github.com/mineclover/autobe/internal/observability"
	"github.com/mineclover/autobe/internal/policy"
	"github.com/mineclover/autobe/internal/registry"
	"github.com/mineclover/autobe/internal/repository"
	"github.com/mineclover/autobe/internal/service"
	server "github.com/mineclover/autobe/internal/transport/http"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), config.LoadFrom(v))
		},
	}

	flags := cmd.Flags()
	flags.Int("port", 0, "HTTP port (HACKATHON_API_PORT)")
	flags.String("database-url", "", "SQLite DSN (DATABASE_URL)")
	flags.String("redis-url", "", "Redis URL for the connection registry (REDIS_URL)")
	flags.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	flags.String("log-format", "", "json or text (LOG_FORMAT)")
	flags.Bool("closed", false, "refuse new turns and downgrade connect to replay (HACKATHON_CLOSED)")

	for key, name := range map[string]string{
		"HACKATHON_API_PORT": "port",
		"DATABASE_URL":       "database-url",
		"REDIS_URL":          "redis-url",
		"LOG_LEVEL":          "log-level",
		"LOG_FORMAT":         "log-format",
		"HACKATHON_CLOSED":   "closed",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := observability.Configure(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	logger.Info("starting hackathon server",
		"port", cfg.HTTPPort,
		"database", cfg.DatabaseURL,
		"redis", cfg.RedisURL != "",
		"closed", cfg.HackathonClosed)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "failed to initialize store")
	}
	defer db.Close()

	// Connection registry: Redis when configured, otherwise the store itself
	var reg repository.ConnectionRegistry = db
	if cfg.RedisURL != "" {
		client, err := registry.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		reg = registry.NewRedisRegistry(client, "")
	}

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return errors.Wrap(err, "failed to initialize policy engine")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promReg)

	svc := service.New(db, reg, agent.NewFactory(cfg), cfg, policyEngine, metrics)
	e := server.NewServer(ctx, svc, cfg, promReg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("http server listening", "addr", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "failed to start http server")
		}
		return nil
	})
	g.Go(func() error {
		svc.RunConnectionSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down hackathon server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown http server gracefully", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("hackathon server stopped")
	return nil
}
