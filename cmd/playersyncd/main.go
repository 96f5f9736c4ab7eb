// playersyncd runs the synchronization engine as a standalone daemon:
// it connects the MongoDB backend, ensures indexes, serves Prometheus
// metrics and drains cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nuvalabs/playersync/config"
	"github.com/nuvalabs/playersync/engine"
	"github.com/nuvalabs/playersync/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	metricsAddr := flag.String("metrics-addr", ":9472", "Prometheus metrics listen address (empty to disable)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("playersyncd %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := config.BuildLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting playersyncd",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Mongo.ConnectTimeout)
	st, err := store.NewMongoStore(ctx, cfg.Mongo, logger)
	cancel()
	if err != nil {
		logger.Fatal("backend connection failed", zap.Error(err))
	}
	if err := st.EnsureIndexes(context.Background()); err != nil {
		logger.Warn("index creation failed", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	eng := engine.New(config.NewStore(cfg), st, logger, reg)
	eng.Start()

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := st.Ping(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", zap.String("addr", *metricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info("shutdown signal received", zap.String("signal", received.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown incomplete", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := st.Close(shutdownCtx); err != nil {
		logger.Error("backend close failed", zap.Error(err))
	}

	logger.Info("playersyncd stopped")
}
