package promptgate

import "testing"

func TestClientIP_Untrusted(t *testing.T) {
	tests := []struct {
		name         string
		forwardedFor string
		realIP       string
		remoteAddr   string
		want         string
	}{
		{name: "spoofed forwarded for ignored", forwardedFor: "10.9.1.1", remoteAddr: "203.0.113.7:1234", want: "203.0.113.7"},
		{name: "spoofed real ip ignored", realIP: "198.51.100.9", remoteAddr: "203.0.113.7:1234", want: "203.0.113.7"},
		{name: "remote addr strips port", remoteAddr: "192.0.2.10:52311", want: "192.0.2.10"},
		{name: "remote addr ipv6", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "remote addr without port", remoteAddr: "192.0.2.10", want: "192.0.2.10"},
		{name: "nothing", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var none *TrustedProxies
			if got := none.ClientIP(tt.forwardedFor, tt.realIP, tt.remoteAddr); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP_TrustedProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies failed: %v", err)
	}

	tests := []struct {
		name         string
		forwardedFor string
		realIP       string
		remoteAddr   string
		want         string
	}{
		{name: "proxy appends the client", forwardedFor: "203.0.113.7", remoteAddr: "10.0.0.1:1234", want: "203.0.113.7"},
		{name: "client prepended hop ignored", forwardedFor: "6.6.6.6, 203.0.113.7", remoteAddr: "10.0.0.1:1234", want: "203.0.113.7"},
		{name: "trusted chain skipped", forwardedFor: "6.6.6.6, 203.0.113.7, 10.0.0.3, 10.0.0.2", remoteAddr: "10.0.0.1:1234", want: "203.0.113.7"},
		{name: "padded hops", forwardedFor: "  198.51.100.4 ,, 10.0.0.2 ", remoteAddr: "192.0.2.1:80", want: "198.51.100.4"},
		{name: "all hops trusted takes leftmost", forwardedFor: "10.0.0.5, 10.0.0.2", remoteAddr: "10.0.0.1:1234", want: "10.0.0.5"},
		{name: "real ip from trusted peer", realIP: "198.51.100.9", remoteAddr: "10.0.0.1:1234", want: "198.51.100.9"},
		{name: "no headers", remoteAddr: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "untrusted peer", forwardedFor: "198.51.100.4", remoteAddr: "203.0.113.9:1234", want: "203.0.113.9"},
		{name: "ipv4 mapped peer", forwardedFor: "198.51.100.4", remoteAddr: "[::ffff:10.0.0.1]:1234", want: "198.51.100.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := proxies.ClientIP(tt.forwardedFor, tt.realIP, tt.remoteAddr); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{" 172.16.0.0/12 ", "", "2001:db8::/32", "127.0.0.1"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies failed: %v", err)
	}
	for _, ip := range []string{"172.20.1.1", "2001:db8::5", "127.0.0.1"} {
		if !proxies.Trusts(ip) {
			t.Errorf("Expected %s to be trusted", ip)
		}
	}
	for _, ip := range []string{"172.32.0.1", "127.0.0.2", "not-an-ip"} {
		if proxies.Trusts(ip) {
			t.Errorf("Expected %s to be untrusted", ip)
		}
	}

	for _, bad := range []string{"10.0.0.0/33", "proxy.local"} {
		if _, err := ParseTrustedProxies([]string{bad}); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}
