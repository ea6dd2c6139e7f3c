package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/metrics"
	"chatgate/internal/route"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// namedHandler answers with the route name it was registered for.
func namedHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Route", name)
		w.Header().Set("X-Seen-Request-ID", r.Header.Get(RequestIDHeader))
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, name)
	})
}

func stubProxies() map[string]http.Handler {
	return map[string]http.Handler{
		route.NameAPI:  namedHandler(route.NameAPI),
		route.NameAuth: namedHandler(route.NameAuth),
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config), proxies map[string]http.Handler) (*Server, *metrics.Recorder) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	if proxies == nil {
		proxies = stubProxies()
	}
	rec := metrics.New()
	srv, err := New(cfg, discardLogger(), route.NewTable(cfg.APIPrefix, cfg.AuthPrefix), proxies, rec)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, rec
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestGateway_Routing(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	tests := []struct {
		name      string
		method    string
		path      string
		wantCode  int
		wantRoute string
		wantBody  string
	}{
		{name: "api prefix", method: http.MethodGet, path: "/api/v3/users/me", wantCode: http.StatusOK, wantRoute: "api"},
		{name: "api exact", method: http.MethodGet, path: "/api/v3", wantCode: http.StatusOK, wantRoute: "api"},
		{name: "auth prefix", method: http.MethodPost, path: "/api/auth/login", wantCode: http.StatusOK, wantRoute: "auth"},
		{name: "options forwarded", method: http.MethodOptions, path: "/api/v3/channels", wantCode: http.StatusOK, wantRoute: "api"},
		{name: "sibling path", method: http.MethodGet, path: "/api/v3x", wantCode: http.StatusNotFound, wantBody: `{"error":"Not Found - API proxy only"}`},
		{name: "root", method: http.MethodGet, path: "/", wantCode: http.StatusNotFound, wantBody: `{"error":"Not Found - API proxy only"}`},
		{name: "healthz", method: http.MethodGet, path: "/healthz", wantCode: http.StatusOK, wantBody: `{"status":"ok"}`},
		{name: "healthz post", method: http.MethodPost, path: "/healthz", wantCode: http.StatusNotFound, wantBody: `{"error":"Not Found - API proxy only"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(srv.Handler(), httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if got := w.Header().Get("X-Route"); got != tt.wantRoute {
				t.Errorf("route = %q, want %q", got, tt.wantRoute)
			}
			if tt.wantBody != "" {
				if got := strings.TrimSpace(w.Body.String()); got != tt.wantBody {
					t.Errorf("body = %q, want %q", got, tt.wantBody)
				}
				if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
					t.Errorf("Content-Type = %q, want application/json", ct)
				}
			}
		})
	}
}

func TestGateway_NotFoundBodyIsJSON(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	w := serve(srv.Handler(), httptest.NewRequest(http.MethodGet, "/index.html", nil))

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["error"] != "Not Found - API proxy only" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestGateway_CustomPrefixes(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.Config) {
		c.APIPrefix = "/gw/api"
		c.AuthPrefix = "/gw/auth"
	}, nil)

	if w := serve(srv.Handler(), httptest.NewRequest(http.MethodGet, "/gw/auth/me", nil)); w.Header().Get("X-Route") != "auth" {
		t.Errorf("route = %q, want auth", w.Header().Get("X-Route"))
	}
	if w := serve(srv.Handler(), httptest.NewRequest(http.MethodGet, "/api/v3/me", nil)); w.Code != http.StatusNotFound {
		t.Errorf("default prefix status = %d, want 404", w.Code)
	}
}

func TestGateway_SecurityHeaders(t *testing.T) {
	proxies := stubProxies()
	proxies[route.NameAPI] = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.WriteHeader(http.StatusOK)
	})
	srv, _ := newTestServer(t, nil, proxies)

	w := serve(srv.Handler(), httptest.NewRequest(http.MethodGet, "/api/v3/x", nil))
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want upstream value kept", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("Content-Security-Policy"); got != "" {
		t.Errorf("Content-Security-Policy = %q, want unset", got)
	}
	if got := w.Header().Get("Cross-Origin-Embedder-Policy"); got != "" {
		t.Errorf("Cross-Origin-Embedder-Policy = %q, want unset", got)
	}

	off, _ := newTestServer(t, func(c *config.Config) { c.Security.Headers = false }, nil)
	w = serve(off.Handler(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := w.Header().Get("X-Content-Type-Options"); got != "" {
		t.Errorf("security headers disabled, got X-Content-Type-Options = %q", got)
	}
}

func TestGateway_RequestID(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	w := serve(srv.Handler(), httptest.NewRequest(http.MethodGet, "/api/v3/x", nil))
	id := w.Header().Get(RequestIDHeader)
	if id == "" {
		t.Fatal("X-Request-ID not generated")
	}
	if got := w.Header().Get("X-Seen-Request-ID"); got != id {
		t.Errorf("forwarded request ID = %q, want %q", got, id)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/v3/x", nil)
	r.Header.Set(RequestIDHeader, "client-id-1")
	w = serve(srv.Handler(), r)
	if got := w.Header().Get(RequestIDHeader); got != "client-id-1" {
		t.Errorf("X-Request-ID = %q, want client value", got)
	}
}

func TestGateway_AccessDenied(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.Config) {
		c.Access.BlockCIDRs = []string{"192.0.2.0/24"}
	}, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/v3/x", nil)
	r.RemoteAddr = "192.0.2.10:4000"
	w := serve(srv.Handler(), r)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"error":"Forbidden"}` {
		t.Errorf("body = %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, HealthPath, nil)
	r.RemoteAddr = "192.0.2.10:4000"
	if w := serve(srv.Handler(), r); w.Code != http.StatusOK {
		t.Errorf("blocked peer /healthz status = %d, want 200", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v3/x", nil)
	r.RemoteAddr = "198.51.100.7:4000"
	if w := serve(srv.Handler(), r); w.Code != http.StatusOK {
		t.Errorf("unblocked status = %d, want 200", w.Code)
	}
}

func TestGateway_CORS(t *testing.T) {
	preflight := func() *http.Request {
		r := httptest.NewRequest(http.MethodOptions, "/api/v3/x", nil)
		r.Header.Set("Origin", "https://app.example.org")
		r.Header.Set("Access-Control-Request-Method", "POST")
		return r
	}

	t.Run("disabled by default", func(t *testing.T) {
		srv, _ := newTestServer(t, nil, nil)
		w := serve(srv.Handler(), preflight())
		if w.Header().Get("X-Route") != "api" {
			t.Error("preflight should be forwarded when the gateway has no CORS policy")
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want unset", got)
		}
	})

	t.Run("configured origin", func(t *testing.T) {
		srv, _ := newTestServer(t, func(c *config.Config) {
			c.CORS.AllowedOrigins = []string{"https://app.example.org"}
			c.CORS.AllowCredentials = true
		}, nil)

		w := serve(srv.Handler(), preflight())
		if w.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.org" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Errorf("Access-Control-Allow-Credentials = %q", got)
		}
		if got := w.Header().Get("Access-Control-Max-Age"); got != "600" {
			t.Errorf("Access-Control-Max-Age = %q", got)
		}

		r := preflight()
		r.Header.Set("Origin", "https://evil.example.net")
		w = serve(srv.Handler(), r)
		if w.Header().Get("X-Route") != "api" {
			t.Error("preflight from an unknown origin should be forwarded")
		}
	})
}

func TestGateway_Compression(t *testing.T) {
	payload := strings.Repeat(`{"id":"0190","content":"hello"}`, 200)
	proxies := stubProxies()
	proxies[route.NameAPI] = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, payload)
	})

	srv, _ := newTestServer(t, nil, proxies)
	r := httptest.NewRequest(http.MethodGet, "/api/v3/messages", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	w := serve(srv.Handler(), r)
	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
	if w.Body.Len() >= len(payload) {
		t.Errorf("compressed body %d bytes, want fewer than %d", w.Body.Len(), len(payload))
	}

	unset, _ := newTestServer(t, func(c *config.Config) { c.Compression.MinBytes = 0 }, proxies)
	w = serve(unset.Handler(), r.Clone(context.Background()))
	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip with default minimum size", got)
	}

	off, _ := newTestServer(t, func(c *config.Config) { c.Compression.Enabled = false }, proxies)
	w = serve(off.Handler(), r.Clone(context.Background()))
	if got := w.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want none when disabled", got)
	}
}

func TestGateway_RecoversPanic(t *testing.T) {
	proxies := stubProxies()
	proxies[route.NameAPI] = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	srv, _ := newTestServer(t, nil, proxies)

	w := serve(srv.Handler(), httptest.NewRequest(http.MethodGet, "/api/v3/x", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestGateway_RecordsRequestMetrics(t *testing.T) {
	srv, rec := newTestServer(t, nil, nil)
	serve(srv.Handler(), httptest.NewRequest(http.MethodGet, "/api/v3/x", nil))
	serve(srv.Handler(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	body := scrape(t, rec)
	for _, want := range []string{
		`chatgate_requests_total{code="2xx",route="api"} 1`,
		`chatgate_requests_total{code="4xx",route="none"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestNew_MissingProxy(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := New(cfg, discardLogger(), route.NewTable(cfg.APIPrefix, cfg.AuthPrefix),
		map[string]http.Handler{route.NameAPI: namedHandler("api")}, nil)
	if err == nil {
		t.Fatal("New() should fail when a route has no proxy")
	}
}

func TestNew_InvalidAccessList(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Access.AllowCIDRs = []string{"not-a-cidr"}
	if _, err := New(cfg, discardLogger(), route.NewTable(cfg.APIPrefix, cfg.AuthPrefix), stubProxies(), nil); err == nil {
		t.Fatal("New() should reject invalid CIDRs")
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + HealthPath)
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Serve() error = %v, want http.ErrServerClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestAcmeAddr(t *testing.T) {
	tests := []struct {
		port string
		want string
	}{
		{port: "", want: ":80"},
		{port: "80", want: ":80"},
		{port: ":8080", want: ":8080"},
	}
	for _, tt := range tests {
		cfg := config.DefaultConfig()
		cfg.TLS.ACME.HTTP01Port = tt.port
		s := &Server{cfg: cfg}
		if got := s.acmeAddr(); got != tt.want {
			t.Errorf("acmeAddr(%q) = %q, want %q", tt.port, got, tt.want)
		}
	}
}

func scrape(t *testing.T, rec *metrics.Recorder) string {
	t.Helper()
	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return w.Body.String()
}
