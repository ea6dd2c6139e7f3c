package server

import (
	"log/slog"
	"net/http"
	"time"

	"chatgate/internal/metrics"
	"chatgate/internal/route"
)

const (
	upgradeForwarded = "forwarded"
	upgradeClosed    = "closed"
)

// UpgradeDispatcher routes protocol upgrade requests. A matched upgrade is
// handed to the route's proxy, which tunnels the connection. Anything else
// has its connection closed without a response.
type UpgradeDispatcher struct {
	table   *route.Table
	proxies map[string]http.Handler
	access  *AccessControl
	logger  *slog.Logger
	metrics *metrics.Recorder

	// logRequests promotes forwarded handshakes to the access log level.
	logRequests bool
}

func (d *UpgradeDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	match, ok := d.table.Match(r.URL.Path)
	target := d.proxies[match.Name]
	if !ok || target == nil {
		d.reject(w, r, "no route")
		return
	}
	if !d.access.Allowed(clientIP(r)) {
		d.reject(w, r, "access denied")
		return
	}

	// The tunnel outlives any server read or write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	r = withRequestID(w, r)
	d.metrics.ObserveUpgrade(match.Name, upgradeForwarded)
	level := slog.LevelDebug
	if d.logRequests {
		level = slog.LevelInfo
	}
	d.logger.Log(r.Context(), level, "forwarding upgrade",
		"route", match.Name,
		"path", r.URL.RequestURI(),
		"protocol", r.Header.Get("Upgrade"),
		"request_id", RequestID(r.Context()),
		"remote_addr", r.RemoteAddr,
	)
	target.ServeHTTP(w, r)
}

// reject drops the client connection without writing a byte.
func (d *UpgradeDispatcher) reject(w http.ResponseWriter, r *http.Request, reason string) {
	d.metrics.ObserveUpgrade("none", upgradeClosed)
	d.logger.InfoContext(r.Context(), "closing upgrade request",
		"path", r.URL.Path,
		"reason", reason,
		"remote_addr", r.RemoteAddr,
	)

	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		// Not hijackable (HTTP/2 or a test recorder). Abort the handler so
		// the server resets the stream instead of sending a response.
		panic(http.ErrAbortHandler)
	}
	if err := conn.Close(); err != nil {
		d.logger.DebugContext(r.Context(), "close rejected upgrade", "error", err)
	}
}
