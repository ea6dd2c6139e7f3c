package server

import (
	"fmt"
	"net/http"
	"net/netip"

	"chatgate/internal/config"
)

// AccessControl filters clients by CIDR. A nil or empty AccessControl
// admits every client.
type AccessControl struct {
	allow []netip.Prefix
	block []netip.Prefix
}

func NewAccessControl(cfg config.AccessConfig) (*AccessControl, error) {
	allow, err := parsePrefixes("allow", cfg.AllowCIDRs)
	if err != nil {
		return nil, err
	}
	block, err := parsePrefixes("block", cfg.BlockCIDRs)
	if err != nil {
		return nil, err
	}
	return &AccessControl{allow: allow, block: block}, nil
}

func parsePrefixes(list string, cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse %s cidr %s: %w", list, cidr, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// Enabled reports whether any list is configured.
func (a *AccessControl) Enabled() bool {
	return a != nil && (len(a.allow) > 0 || len(a.block) > 0)
}

// Allowed reports whether addr passes the block list and, when one is set,
// the allow list. Block entries win. IPv4-mapped IPv6 addresses are
// compared as IPv4.
func (a *AccessControl) Allowed(addr netip.Addr) bool {
	if !a.Enabled() {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()

	if containsAddr(a.block, addr) {
		return false
	}
	return len(a.allow) == 0 || containsAddr(a.allow, addr)
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP is the address of the TCP peer. X-Forwarded-For is not
// consulted since the gateway is the edge and clients control that header.
func clientIP(r *http.Request) netip.Addr {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr()
	}
	addr, _ := netip.ParseAddr(r.RemoteAddr)
	return addr
}
