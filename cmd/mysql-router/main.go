// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the MySQL connection router: per-route TCP/socket
// listeners, an optional shared topology cache, and the observability
// endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	mysqlrouter "github.com/svagner/mysql-router"
	"github.com/svagner/mysql-router/pkg/health"
	"github.com/svagner/mysql-router/pkg/metadata"
	"github.com/svagner/mysql-router/pkg/metrics"
)

const (
	servicePrefix  = "MYSQLROUTER_"
	routePrefix    = "MYSQLROUTER_ROUTE_"
	metadataPrefix = "MYSQLROUTER_METADATA_"
)

type serviceConfig struct {
	// Routes is the comma-separated list of route names; each route
	// is configured via MYSQLROUTER_ROUTE_<NAME>_* variables.
	Routes string `env:"ROUTES,notEmpty"`

	MetricsPort int    `env:"METRICS_PORT" envDefault:"9152"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8081"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if err := godotenv.Load(); err != nil {
		// .env file is optional.
	}

	svc := serviceConfig{}
	if err := env.ParseWithOptions(&svc, env.Options{Prefix: servicePrefix}); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(svc.LogLevel, svc.LogFormat)
	slog.SetDefault(logger)

	m := metrics.New("mysqlrouter")
	checker := health.NewChecker(10 * time.Second)

	// The topology cache is shared by all metadata-cache-backed
	// routes; it only exists when its section is configured.
	var cache *metadata.Cache
	if os.Getenv(metadataPrefix+"BOOTSTRAP_SERVER_ADDRESSES") != "" {
		mdCfg, err := mysqlrouter.NewMetadataConfig(env.Options{Prefix: metadataPrefix})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(1)
		}
		bootstrap, err := mdCfg.BootstrapAddresses()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(1)
		}
		fetcher, err := metadata.NewSQLFetcher(mdCfg.User, mdCfg.Password,
			time.Duration(mdCfg.ConnectTimeout)*time.Second, mdCfg.SSL(), logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(1)
		}
		cache = metadata.New(fetcher, metadata.Config{
			Cluster:   mdCfg.MetadataCluster,
			Bootstrap: bootstrap,
			TTL:       mdCfg.TTLDuration(),
			Logger:    logger,
			Metrics:   m,
		})
		checker.Register("metadata", health.SnapshotFreshness(cache, 3*mdCfg.TTLDuration()))
		g.Go(func() error { return ignoreCanceled(cache.Run(ctx)) })
	}

	for _, name := range strings.Split(svc.Routes, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		prefix := routePrefix + strings.ToUpper(name) + "_"
		cfg, err := mysqlrouter.NewRouteConfig(env.Options{Prefix: prefix})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(1)
		}
		if cfg.Name == "" {
			cfg.Name = name
		}
		r, err := mysqlrouter.NewRoute(cfg, cache, m, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(1)
		}
		checker.Register("route:"+cfg.Name, health.RouteListening(r, int(cfg.MaxConnections)))
		g.Go(func() error { return r.Listen(ctx) })
	}

	g.Go(func() error {
		return serveHTTP(ctx, fmt.Sprintf(":%d", svc.MetricsPort), promhttp.Handler(), logger, "metrics")
	})
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/healthz", checker.Handler())
		mux.Handle("/readyz", checker.Handler())
		return serveHTTP(ctx, fmt.Sprintf(":%d", svc.HealthPort), mux, logger, "health")
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mysql-router terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("mysql-router stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger, name string) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info(name+" server started", slog.String("address", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

func ignoreCanceled(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
