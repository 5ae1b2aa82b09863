package promptgate

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// TrustedProxies lists the peers allowed to report the client address through
// X-Forwarded-For or X-Real-IP. A nil or empty set trusts nobody, so the peer
// address is always the client.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies accepts CIDR ranges and bare addresses
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	t := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			t.prefixes = append(t.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		t.prefixes = append(t.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return t, nil
}

// Trusts reports whether ip belongs to a trusted proxy
func (t *TrustedProxies) Trusts(ip string) bool {
	if t == nil || len(t.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range t.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP resolves the source address of a request. Proxy headers are only
// read when the peer is trusted. X-Forwarded-For is walked from the right and
// the first hop that is not a trusted proxy is the client; the leftmost hop
// wins when every hop is trusted. X-Real-IP is used when there is no
// X-Forwarded-For.
func (t *TrustedProxies) ClientIP(forwardedFor, realIP, remoteAddr string) string {
	peer := PeerIP(remoteAddr)
	if !t.Trusts(peer) {
		return peer
	}

	hops := strings.Split(forwardedFor, ",")
	client := ""
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !t.Trusts(hop) {
			return hop
		}
		client = hop
	}
	if client != "" {
		return client
	}
	if ip := strings.TrimSpace(realIP); ip != "" {
		return ip
	}
	return peer
}

// PeerIP strips the port from a connection address
func PeerIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
