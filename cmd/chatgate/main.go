package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"chatgate/internal/config"
	"chatgate/internal/metrics"
	"chatgate/internal/proxy"
	"chatgate/internal/route"
	"chatgate/internal/server"
)

const defaultEnvFile = ".env"

func main() {
	flags := parseFlags()

	if err := loadEnvFile(flags.envFile); err != nil {
		slog.Error("failed to load env file", "path", flags.envFile, "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags.configPath, config.DefaultEnvPrefix, nil)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	origin, err := cfg.OriginURL()
	if err != nil {
		logger.Error("invalid origin", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := metrics.New()

	pool, err := proxy.NewPool(cfg.Upstream, origin.String())
	if err != nil {
		logger.Error("failed to create upstream pool", "error", err)
		os.Exit(1)
	}
	pool.SetLogger(logger)
	pool.SetObserver(rec)
	pool.StartHealthCheck(ctx)
	defer pool.Stop()

	table := route.NewTable(cfg.APIPrefix, cfg.AuthPrefix)
	inbound := proxy.NewInboundRewriter(origin, cfg.APIPrefix, cfg.AuthPrefix, logger, rec)
	proxies := proxy.NewRouteProxies(table, origin, inbound, pool, logger, proxy.Options{
		LogRequests: cfg.Logging.Requests,
		Metrics:     rec,
	})

	srv, err := server.New(cfg, logger, table, proxies, rec)
	if err != nil {
		logger.Error("failed to init server", "error", err)
		os.Exit(1)
	}

	logger.Info("starting gateway", "listen", cfg.ListenAddr(), "origin", origin.String())
	for _, rt := range table.Routes() {
		logger.Info("forwarding", "route", rt.Name, "prefix", rt.Prefix, "target", origin.String()+rt.Prefix)
	}
	if len(cfg.Upstream.ProxyURLs) > 0 {
		logger.Info("using egress proxies", "count", pool.Size(), "rotation", cfg.Upstream.Rotation)
	}
	if cfg.TLS.HasCertificates() {
		logger.Info("serving TLS with provided certificate")
	} else if cfg.TLS.ACME.Enabled {
		logger.Info("serving TLS via ACME", "domain", cfg.TLS.ACME.Domain)
	}

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

// loadEnvFile merges path into the process environment without overriding
// variables that are already set. A missing default file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && path == defaultEnvFile && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func newLogger(cfg config.Logging) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type cliFlags struct {
	configPath string
	envFile    string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "path to config file (yaml or toml)")
	flag.StringVar(&f.envFile, "env-file", defaultEnvFile, "dotenv file merged into the environment; empty disables")
	flag.Parse()
	return f
}
