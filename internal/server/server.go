package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"chatgate/internal/config"
	"chatgate/internal/metrics"
	"chatgate/internal/proxy"
	"chatgate/internal/route"
)

const HealthPath = "/healthz"

const notFoundMessage = "Not Found - API proxy only"

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	handler http.Handler
	metrics *metrics.Recorder
}

// New wires the public handler. proxies maps each route name in table to
// the handler that forwards it.
func New(cfg config.Config, logger *slog.Logger, table *route.Table, proxies map[string]http.Handler, rec *metrics.Recorder) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, rt := range table.Routes() {
		if proxies[rt.Name] == nil {
			return nil, fmt.Errorf("no proxy for route %q", rt.Name)
		}
	}

	ac, err := NewAccessControl(cfg.Access)
	if err != nil {
		return nil, err
	}
	compress, err := compressionMiddleware(cfg.Compression)
	if err != nil {
		return nil, err
	}

	g := &gateway{
		table:   table,
		proxies: proxies,
		upgrades: &UpgradeDispatcher{
			table:       table,
			proxies:     proxies,
			access:      ac,
			logger:      logger,
			metrics:     rec,
			logRequests: cfg.Logging.Requests,
		},
	}
	g.plain = chain(http.HandlerFunc(g.serveRoutes),
		recoveryMiddleware(logger),
		requestIDMiddleware,
		loggingMiddleware(logger, cfg.Logging.Requests, rec, g.routeLabel),
		securityMiddleware(cfg.Security.Headers),
		accessMiddleware(ac),
		corsMiddleware(cfg.CORS),
		compress,
	)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		handler: g,
		metrics: rec,
	}, nil
}

// Handler returns the public request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.ListenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully and returns http.ErrServerClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: seconds(s.cfg.Server.ReadHeaderTimeoutSeconds),
		ReadTimeout:       seconds(s.cfg.Server.ReadTimeoutSeconds),
		WriteTimeout:      seconds(s.cfg.Server.WriteTimeoutSeconds),
		IdleTimeout:       seconds(s.cfg.Server.IdleTimeoutSeconds),
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	if s.cfg.Metrics.Listen != "" && s.metrics != nil {
		s.startMetrics(ctx)
	}

	if s.cfg.TLS.ACME.Enabled {
		manager := s.acmeManager()
		httpSrv.TLSConfig = manager.TLSConfig()

		acmeSrv := &http.Server{
			Addr:              s.acmeAddr(),
			Handler:           manager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownWithLog(acmeSrv, s.logger)
		}()
		go func() {
			if err := acmeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("acme http server error", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownWithLog(httpSrv, s.logger)
	}()

	s.logger.Info("listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS.HasCertificates() || s.cfg.TLS.ACME.Enabled)
	if s.cfg.TLS.HasCertificates() {
		return httpSrv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	if s.cfg.TLS.ACME.Enabled {
		return httpSrv.ServeTLS(ln, "", "")
	}
	return httpSrv.Serve(ln)
}

// startMetrics serves the metrics endpoint on its own admin listener.
func (s *Server) startMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	metricsSrv := &http.Server{
		Addr:              s.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownWithLog(metricsSrv, s.logger)
	}()
	go func() {
		s.logger.Info("metrics listening", "addr", s.cfg.Metrics.Listen, "path", s.cfg.Metrics.Path)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", "error", err)
		}
	}()
}

func (s *Server) acmeManager() *autocert.Manager {
	host := s.cfg.TLS.ACME.Domain
	policy := autocert.HostWhitelist(host)
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: policy,
		Cache:      autocert.DirCache(s.cfg.TLS.ACME.CacheDir),
		Email:      s.cfg.TLS.ACME.Email,
	}
}

func (s *Server) acmeAddr() string {
	addr := s.cfg.TLS.ACME.HTTP01Port
	if addr == "" {
		return ":80"
	}
	if strings.HasPrefix(addr, ":") {
		return addr
	}
	return ":" + addr
}

// gateway is the public handler. Upgrade requests bypass the HTTP
// middleware chain so nothing wraps the connection before it is tunneled
// or closed.
type gateway struct {
	table    *route.Table
	proxies  map[string]http.Handler
	upgrades *UpgradeDispatcher
	plain    http.Handler
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if proxy.IsUpgrade(r) {
		g.upgrades.ServeHTTP(w, r)
		return
	}
	g.plain.ServeHTTP(w, r)
}

func (g *gateway) serveRoutes(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == HealthPath && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
		return
	}
	if match, ok := g.table.Match(r.URL.Path); ok {
		g.proxies[match.Name].ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusNotFound, errorBody{Error: notFoundMessage})
}

func (g *gateway) routeLabel(r *http.Request) string {
	if r.URL.Path == HealthPath {
		return "healthz"
	}
	if match, ok := g.table.Match(r.URL.Path); ok {
		return match.Name
	}
	return "none"
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func shutdownWithLog(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("shutdown", "error", err)
	}
}
