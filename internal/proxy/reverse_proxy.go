package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"golang.org/x/net/http/httpguts"

	"chatgate/internal/metrics"
	"chatgate/internal/route"
)

// Options tunes a route's reverse proxy.
type Options struct {
	// LogRequests emits a debug line per forwarded request.
	LogRequests bool
	Metrics     *metrics.Recorder
}

// NewReverseProxy constructs the reverse proxy for one served route. The
// stages run in a fixed order: RewriteOutbound, round trip through
// transport, inbound.ModifyResponse.
func NewReverseProxy(rt route.Route, origin *url.URL, inbound *InboundRewriter, transport http.RoundTripper, logger *slog.Logger, opts Options) *httputil.ReverseProxy {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("route", rt.Name)

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			RewriteOutbound(pr, origin)
			if opts.LogRequests {
				logger.DebugContext(pr.In.Context(), "proxy request",
					"method", pr.In.Method,
					"path", pr.In.URL.RequestURI(),
					"target", pr.Out.URL.String(),
					"upgrade", IsUpgrade(pr.In),
				)
			}
		},
		Transport:      transport,
		ModifyResponse: inbound.ModifyResponse,
		ErrorLog:       slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
			logger.DebugContext(r.Context(), "client went away before upstream response", "url", r.URL.String(), "error", err)
			return
		}
		opts.Metrics.ObserveUpstreamError(rt.Name)
		logger.ErrorContext(r.Context(), "proxy error", "error", err, "url", r.URL.String(), "request_id", r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"Bad Gateway"}` + "\n"))
	}

	return proxy
}

// NewRouteProxies builds one reverse proxy per route in table, keyed by
// route name. All proxies share transport and inbound.
func NewRouteProxies(table *route.Table, origin *url.URL, inbound *InboundRewriter, transport http.RoundTripper, logger *slog.Logger, opts Options) map[string]http.Handler {
	proxies := make(map[string]http.Handler)
	for _, rt := range table.Routes() {
		proxies[rt.Name] = NewReverseProxy(rt, origin, inbound, transport, logger, opts)
	}
	return proxies
}

// IsUpgrade reports whether r asks to switch protocols.
func IsUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" &&
		httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade")
}
