// Command quotagate serves the quota-aware generation routes over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.WithError(err).Error("quotagate failed")
		os.Exit(1)
	}
}

// run parses flags, loads config, wires the routers and serves until ctx ends.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("quotagate", flag.ContinueOnError)
	cfgPath := fs.String("config", os.Getenv("QUOTAGATE_CONFIG"), "YAML config file (defaults to the built-in routes)")
	addr := fs.String("addr", "", "listen address, overrides listen_addr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	logger := newLogger(cfg)
	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	app, err := build(cfg, store.CapacityStore, logger)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithTokens(cfg.APITokens...),
		server.WithDevelopment(cfg.Development()),
		server.WithClientRateLimit(cfg.ClientRateLimit.RequestsPerMinute, cfg.ClientRateLimit.Burst),
	}
	if app.metrics != nil {
		opts = append(opts, server.WithMetrics(cfg.Metrics.Path, app.metrics))
	}
	for _, r := range app.routes {
		opts = append(opts, server.WithRoute(r))
	}
	srv := server.New(store.CapacityStore, opts...)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{
			"addr":   cfg.ListenAddr,
			"routes": len(app.routes),
			"store":  cfg.Store.Backend,
		}).Info("quotagate listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown incomplete")
		return err
	}
	return nil
}

func loadConfig(path string) (quotagate.Config, error) {
	if strings.TrimSpace(path) != "" {
		return quotagate.LoadConfig(path)
	}
	cfg := quotagate.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return quotagate.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg quotagate.Config) *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stdout)
	if cfg.Development() {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetFormatter(&log.JSONFormatter{})
		logger.SetLevel(log.InfoLevel)
	}
	if lvl, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}
