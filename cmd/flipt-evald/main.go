// Package main is the entry point for flipt-evald, a sidecar that keeps one
// namespace of Flipt flags in memory and evaluates them over HTTP.
//
// The bootstrap sequence is:
//  1. Load configuration from FLIPTENGINE_* environment variables.
//  2. Build the logger and start the engine (the first fetch may fail; the
//     engine keeps retrying in the background).
//  3. Serve the evaluation, admin and webhook API.
//  4. Wait for SIGINT/SIGTERM, then drain the HTTP server and close the engine.
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

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/OrlandoBitencourt/fliptengine"
	"github.com/OrlandoBitencourt/fliptengine/internal/config"
	"github.com/OrlandoBitencourt/fliptengine/internal/logger"
	"github.com/OrlandoBitencourt/fliptengine/internal/server"
)

const httpReadHeaderTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("flipt-evald failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := fliptengine.New(ctx, cfg.Flipt.Namespace, engineOptions(cfg, log)...)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Error("engine close error", "error", err)
		}
	}()

	if !engine.Ready() {
		log.Warn("no snapshot yet, serving 503 until the first refresh succeeds")
	}

	srv := server.New(engine, serverConfig(cfg, log))
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func engineOptions(cfg *config.Config, log *slog.Logger) []fliptengine.Option {
	opts := []fliptengine.Option{
		fliptengine.WithURL(cfg.Flipt.URL),
		fliptengine.WithFetchMode(fliptengine.FetchMode(cfg.Flipt.FetchMode)),
		fliptengine.WithUpdateInterval(cfg.Flipt.UpdateInterval),
		fliptengine.WithRequestTimeout(cfg.Flipt.RequestTimeout),
		fliptengine.WithInitialTimeout(cfg.Flipt.InitialTimeout),
		fliptengine.WithLogger(log),
	}

	if cfg.Flipt.Reference != "" {
		opts = append(opts, fliptengine.WithReference(cfg.Flipt.Reference))
	}

	switch {
	case cfg.Flipt.ClientToken != "":
		opts = append(opts, fliptengine.WithClientToken(cfg.Flipt.ClientToken))
	case cfg.Flipt.JWTToken != "":
		opts = append(opts, fliptengine.WithJWT(cfg.Flipt.JWTToken))
	case cfg.Flipt.Username != "":
		opts = append(opts, fliptengine.WithBasicAuth(cfg.Flipt.Username, cfg.Flipt.Password))
	}

	if cfg.Snapshot.Dir != "" {
		opts = append(opts, fliptengine.WithSnapshotDir(cfg.Snapshot.Dir))
	}

	return opts
}

func serverConfig(cfg *config.Config, log *slog.Logger) server.Config {
	sc := server.DefaultConfig()
	sc.WebhookSecret = cfg.Server.WebhookSecret
	sc.RefreshRate = rate.Limit(cfg.Server.RefreshPerSec)
	sc.RefreshBurst = cfg.Server.RefreshBurst
	sc.MaxBatchSize = cfg.Server.MaxBatchSize
	sc.Logger = log
	return sc
}
