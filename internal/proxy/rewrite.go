package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"chatgate/internal/metrics"
)

// Prefixes the origin uses in its own redirects.
const (
	LegacyAPIPrefix  = "/api/v3"
	LegacyAuthPrefix = "/api/auth"
)

// RewriteOutbound routes pr to origin and applies the outbound header rules:
// Host is always the origin host, Origin defaults to the origin, Referer is
// synthesized from Origin and the inbound request URI when absent. Cookie
// headers are left as the client sent them.
func RewriteOutbound(pr *httputil.ProxyRequest, origin *url.URL) {
	pr.SetURL(origin)
	pr.Out.Host = origin.Host

	if prior, ok := pr.In.Header["X-Forwarded-For"]; ok {
		pr.Out.Header["X-Forwarded-For"] = prior
	}
	pr.SetXForwarded()

	originHeader := pr.In.Header.Get("Origin")
	if originHeader == "" {
		originHeader = originOf(origin)
	}
	pr.Out.Header.Set("Origin", originHeader)

	if ref := pr.In.Header.Get("Referer"); ref != "" {
		pr.Out.Header.Set("Referer", ref)
	} else if uri := pr.In.URL.RequestURI(); uri != "" {
		pr.Out.Header.Set("Referer", originHeader+uri)
	}
}

// originOf serializes the scheme and host of u.
func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + u.Host
}

type prefixMapping struct {
	from string
	to   string
}

// InboundRewriter mutates origin responses before they reach the client.
type InboundRewriter struct {
	origin   *url.URL
	mappings []prefixMapping
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// NewInboundRewriter maps the legacy prefixes onto the configured ones.
func NewInboundRewriter(origin *url.URL, apiPrefix, authPrefix string, logger *slog.Logger, rec *metrics.Recorder) *InboundRewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InboundRewriter{
		origin: origin,
		mappings: []prefixMapping{
			{from: LegacyAPIPrefix, to: apiPrefix},
			{from: LegacyAuthPrefix, to: authPrefix},
		},
		logger:  logger,
		metrics: rec,
	}
}

// ModifyResponse is installed on the reverse proxy. Switching Protocols
// responses pass through untouched.
func (rw *InboundRewriter) ModifyResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusSwitchingProtocols {
		return nil
	}
	ctx := context.Background()
	if resp.Request != nil {
		ctx = resp.Request.Context()
	}
	rw.Rewrite(ctx, resp.Header)
	return nil
}

// Rewrite strips upstream CORS allow headers, rewrites Location and
// normalizes Set-Cookie scope. It never fails.
func (rw *InboundRewriter) Rewrite(ctx context.Context, h http.Header) {
	h.Del("Access-Control-Allow-Origin")
	h.Del("Access-Control-Allow-Credentials")

	if loc := h.Get("Location"); loc != "" {
		rewritten, ok, err := rw.RewriteLocation(loc)
		switch {
		case err != nil:
			rw.logger.WarnContext(ctx, "location rewrite failed", "location", loc, "error", err)
			rw.metrics.ObserveLocationRewrite(metrics.RewriteFailed)
		case ok:
			h.Set("Location", rewritten)
			rw.metrics.ObserveLocationRewrite(metrics.RewriteApplied)
		default:
			rw.metrics.ObserveLocationRewrite(metrics.RewriteUnchanged)
		}
	}

	if cookies := h.Values("Set-Cookie"); len(cookies) > 0 {
		out := make([]string, len(cookies))
		for i, c := range cookies {
			out[i] = normalizeSetCookie(c)
		}
		h["Set-Cookie"] = out
	}
}

// RewriteLocation translates a Location value whose path starts with a legacy
// prefix. ok is false when no prefix applied, in which case loc should be
// kept as is.
func (rw *InboundRewriter) RewriteLocation(loc string) (string, bool, error) {
	ref, err := url.Parse(loc)
	if err != nil {
		return loc, false, fmt.Errorf("parse location: %w", err)
	}
	resolved := rw.origin.ResolveReference(ref)

	newPath, ok := rw.rewritePath(resolved.EscapedPath())
	if !ok {
		return loc, false, nil
	}
	decoded, err := url.PathUnescape(newPath)
	if err != nil {
		return loc, false, fmt.Errorf("unescape rewritten path: %w", err)
	}
	resolved.Path = decoded
	resolved.RawPath = newPath

	relative := strings.HasPrefix(loc, "/") && !strings.HasPrefix(loc, "//")
	if relative || sameOrigin(resolved, rw.origin) {
		var b strings.Builder
		b.WriteString(newPath)
		if resolved.RawQuery != "" {
			b.WriteString("?")
			b.WriteString(resolved.RawQuery)
		}
		if resolved.Fragment != "" {
			b.WriteString("#")
			b.WriteString(resolved.EscapedFragment())
		}
		return b.String(), true, nil
	}
	return resolved.String(), true, nil
}

func (rw *InboundRewriter) rewritePath(p string) (string, bool) {
	for _, m := range rw.mappings {
		if p == m.from || strings.HasPrefix(p, m.from+"/") {
			return m.to + p[len(m.from):], true
		}
	}
	return "", false
}

func sameOrigin(a, b *url.URL) bool {
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	return strings.EqualFold(hostWithPort(a), hostWithPort(b))
}

func hostWithPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		return u.Host + ":443"
	case "http", "ws":
		return u.Host + ":80"
	}
	return u.Host
}

// normalizeSetCookie drops the Domain attribute and points any Path
// attribute at the root so cookies scope to the gateway host.
func normalizeSetCookie(v string) string {
	parts := strings.Split(v, ";")
	out := make([]string, 1, len(parts))
	out[0] = parts[0]
	for _, attr := range parts[1:] {
		name, _, _ := strings.Cut(strings.TrimSpace(attr), "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "domain":
			continue
		case "path":
			out = append(out, " Path=/")
		default:
			out = append(out, attr)
		}
	}
	return strings.Join(out, ";")
}
