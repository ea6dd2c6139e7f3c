package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"chatgate/internal/config"
)

const (
	defaultHealthCheckInterval = 5 * time.Minute
	defaultHealthCheckTimeout  = 10 * time.Second
)

// HealthObserver receives the outcome of each egress proxy probe.
type HealthObserver interface {
	SetEgressHealth(proxy string, healthy bool)
}

type poolEntry struct {
	transport http.RoundTripper
	proxy     config.ParsedProxy
	healthy   atomic.Bool
}

func (e *poolEntry) isHealthy() bool {
	return e.healthy.Load()
}

func (e *poolEntry) name() string {
	return fmt.Sprintf("%s://%s", e.proxy.Type, e.proxy.Address)
}

// Pool is the round tripper used to reach the origin. With no egress
// proxies configured it is a single direct transport; otherwise requests
// rotate across healthy proxies. Entries are fixed at construction; only
// their health flags change.
type Pool struct {
	entries  []*poolEntry
	rotation string
	counter  atomic.Uint64
	logger   *slog.Logger
	observer HealthObserver
	probeURL string
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	isDirect bool
}

// NewPool creates the upstream pool. probeURL is fetched through each
// egress proxy during health checks; the origin is the natural choice.
func NewPool(cfg config.UpstreamConfig, probeURL string) (*Pool, error) {
	proxies, err := cfg.Proxies()
	if err != nil {
		return nil, err
	}

	pool := &Pool{
		rotation: strings.ToLower(cfg.Rotation),
		probeURL: probeURL,
		interval: durationFromSeconds(cfg.HealthCheckSeconds, defaultHealthCheckInterval),
		stopCh:   make(chan struct{}),
		logger:   slog.Default(),
	}

	if pool.rotation == "" {
		pool.rotation = "round-robin"
	}

	if len(proxies) == 0 {
		pool.entries = []*poolEntry{{
			transport: newDirectTransport(cfg.Timeouts),
			proxy:     config.ParsedProxy{Type: "direct", Address: "direct"},
		}}
		pool.entries[0].healthy.Store(true)
		pool.isDirect = true
		return pool, nil
	}

	for _, p := range proxies {
		tr, err := newProxyTransport(p, cfg.Timeouts)
		if err != nil {
			return nil, fmt.Errorf("create transport for %s://%s: %w", p.Type, p.Address, err)
		}
		entry := &poolEntry{
			transport: tr,
			proxy:     p,
		}
		entry.healthy.Store(true) // assume healthy until checked
		pool.entries = append(pool.entries, entry)
	}

	return pool, nil
}

// SetLogger sets the logger for health check logging
func (p *Pool) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetObserver registers a receiver for probe results.
func (p *Pool) SetObserver(o HealthObserver) {
	p.observer = o
}

// StartHealthCheck probes every egress proxy now and then periodically
// until ctx is done or Stop is called. It is a no-op for direct pools.
func (p *Pool) StartHealthCheck(ctx context.Context) {
	if p.isDirect || p.probeURL == "" {
		return
	}

	p.checkAll(ctx)

	ticker := time.NewTicker(p.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.checkAll(ctx)
			}
		}
	}()
}

// Stop stops the health check routine
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, entry := range p.entries {
		wg.Add(1)
		go func(e *poolEntry) {
			defer wg.Done()
			p.check(ctx, e)
		}(entry)
	}
	wg.Wait()

	p.logger.Info("egress health check complete",
		"healthy", p.HealthyCount(),
		"total", p.Size(),
	)
}

// check treats any non-5xx answer from the probe URL as reachable; the
// origin root need not return 2xx.
func (p *Pool) check(ctx context.Context, entry *poolEntry) {
	ctx, cancel := context.WithTimeout(ctx, defaultHealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.probeURL, nil)
	if err != nil {
		p.record(entry, false, fmt.Sprintf("create request: %v", err))
		return
	}

	resp, err := entry.transport.RoundTrip(req)
	if err != nil {
		p.record(entry, false, err.Error())
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		p.record(entry, false, fmt.Sprintf("unexpected status: %d", resp.StatusCode))
		return
	}
	p.record(entry, true, "")
}

func (p *Pool) record(entry *poolEntry, healthy bool, errMsg string) {
	wasHealthy := entry.healthy.Swap(healthy)
	if p.observer != nil {
		p.observer.SetEgressHealth(entry.name(), healthy)
	}

	switch {
	case !healthy:
		p.logger.Warn("egress proxy unhealthy", "proxy", entry.name(), "error", errMsg)
	case !wasHealthy:
		p.logger.Info("egress proxy recovered", "proxy", entry.name())
	default:
		p.logger.Debug("egress proxy healthy", "proxy", entry.name())
	}
}

// RoundTrip implements http.RoundTripper with proxy rotation. Requests
// without a body are retried on the next proxy after a timeout; bodies are
// streamed and never buffered, so requests carrying one get a single attempt.
func (p *Pool) RoundTrip(req *http.Request) (*http.Response, error) {
	entries := p.healthyEntries()
	if len(entries) == 0 {
		return nil, errors.New("no upstream transports available")
	}

	if len(entries) == 1 || p.isDirect {
		return entries[0].transport.RoundTrip(req)
	}

	retryable := req.Body == nil || req.Body == http.NoBody
	tried := make(map[int]bool)
	var lastErr error

	for len(tried) < len(entries) {
		idx := p.selectIndex(entries, tried)
		if idx < 0 {
			break
		}
		tried[idx] = true
		entry := entries[idx]

		resp, err := entry.transport.RoundTrip(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !retryable || !isTimeoutError(err) || req.Context().Err() != nil {
			p.logger.Error("egress request failed",
				"proxy", entry.name(),
				"error", err)
			return nil, err
		}

		p.logger.Warn("egress proxy timeout, trying next",
			"proxy", entry.name(),
			"tried", len(tried),
			"total", len(entries))
		entry.healthy.Store(false)
		if p.observer != nil {
			p.observer.SetEgressHealth(entry.name(), false)
		}
	}

	return nil, fmt.Errorf("all egress proxies failed: %w", lastErr)
}

func (p *Pool) healthyEntries() []*poolEntry {
	var healthy []*poolEntry
	for _, e := range p.entries {
		if e.isHealthy() {
			healthy = append(healthy, e)
		}
	}

	// A fully unhealthy pool still tries every proxy.
	if len(healthy) == 0 {
		p.logger.Warn("no healthy egress proxies, trying all")
		return p.entries
	}
	return healthy
}

func (p *Pool) selectIndex(entries []*poolEntry, tried map[int]bool) int {
	available := make([]int, 0, len(entries))
	for i := range entries {
		if !tried[i] {
			available = append(available, i)
		}
	}
	if len(available) == 0 {
		return -1
	}

	switch p.rotation {
	case "random":
		return available[rand.Intn(len(available))]
	default: // round-robin
		idx := int(p.counter.Add(1)-1) % len(available)
		return available[idx]
	}
}

// isTimeoutError checks if the error is a timeout
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isTimeoutError(urlErr.Err)
	}
	return false
}

// Size returns the total number of transports in the pool.
func (p *Pool) Size() int {
	return len(p.entries)
}

// HealthyCount returns the number of healthy transports.
func (p *Pool) HealthyCount() int {
	count := 0
	for _, e := range p.entries {
		if e.isHealthy() {
			count++
		}
	}
	return count
}

func baseTransport(timeouts config.TimeoutConfig) (*http.Transport, *net.Dialer) {
	dialer := &net.Dialer{
		Timeout:   durationFromSeconds(timeouts.ConnectSeconds, 10*time.Second),
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       durationFromSeconds(timeouts.IdleSeconds, 90*time.Second),
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if timeouts.ResponseHeaderSeconds > 0 {
		tr.ResponseHeaderTimeout = time.Duration(timeouts.ResponseHeaderSeconds) * time.Second
	}
	return tr, dialer
}

func newDirectTransport(timeouts config.TimeoutConfig) *http.Transport {
	tr, _ := baseTransport(timeouts)
	tr.Proxy = http.ProxyFromEnvironment
	return tr
}

func newProxyTransport(p config.ParsedProxy, timeouts config.TimeoutConfig) (*http.Transport, error) {
	tr, dialer := baseTransport(timeouts)

	switch p.Type {
	case "http", "https":
		if p.Address == "" {
			return nil, fmt.Errorf("proxy address required for http/https proxy")
		}
		u, err := url.Parse(fmt.Sprintf("%s://%s", p.Type, p.Address))
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if p.Username != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		}
		tr.Proxy = http.ProxyURL(u)
		return tr, nil

	case "socks5":
		if p.Address == "" {
			return nil, fmt.Errorf("proxy address required for socks5")
		}
		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{
				User:     p.Username,
				Password: p.Password,
			}
		}
		socksDialer, err := proxy.SOCKS5("tcp", p.Address, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", err)
		}
		tr.DialContext = dialContextFromDialer(socksDialer)
		tr.Proxy = nil
		return tr, nil

	default:
		return nil, fmt.Errorf("unknown proxy type: %s", p.Type)
	}
}

func dialContextFromDialer(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if ctxDialer, ok := d.(proxy.ContextDialer); ok {
		return ctxDialer.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.Dial(network, addr)
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		default:
			return conn, nil
		}
	}
}

func durationFromSeconds(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
