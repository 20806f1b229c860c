package util

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of peers whose forwarding headers are believed.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies accepts CIDR blocks or bare addresses. A nil result trusts nobody.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

func (t *TrustedProxies) trusts(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address rate limits and audit logs are keyed on.
// Forwarding headers only count when the socket peer is a trusted proxy; the
// chain is then walked right to left and the first untrusted hop wins.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.trusts(peer) {
		return peer.String()
	}

	hops := forwardedHops(r.Header)
	if len(hops) == 0 {
		if ip, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
			return ip.String()
		}
		return peer.String()
	}
	hops = append(hops, peer)
	for i := len(hops) - 1; i >= 0; i-- {
		if !trusted.trusts(hops[i]) {
			return hops[i].String()
		}
	}
	return hops[0].String()
}

// forwardedHops prefers the standard Forwarded header over X-Forwarded-For.
func forwardedHops(h http.Header) []netip.Addr {
	var hops []netip.Addr
	for _, line := range h.Values("Forwarded") {
		for _, elem := range strings.Split(line, ",") {
			for _, pair := range strings.Split(elem, ";") {
				key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
				if !found || !strings.EqualFold(key, "for") {
					continue
				}
				value = strings.Trim(value, `"`)
				if addr, ok := peerAddr(value); ok {
					hops = append(hops, addr)
				}
			}
		}
	}
	if len(hops) > 0 {
		return hops
	}
	for _, part := range strings.Split(h.Get("X-Forwarded-For"), ",") {
		if addr, ok := parseAddr(part); ok {
			hops = append(hops, addr)
		}
	}
	return hops
}

// peerAddr handles "host:port", "[v6]:port" and bare addresses.
func peerAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), true
	}
	return parseAddr(strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]"))
}

func parseAddr(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
