package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPExtractor extracts the client IP address from an HTTP request.
// It abstracts over the two supported strategies: secure RemoteAddr
// extraction (default) and header-based extraction gated on proxy
// trust validation (opt-in).
type IPExtractor interface {
	// ExtractIP returns the client IP address for the request.
	ExtractIP(r *http.Request) (string, error)
}

// RemoteAddrExtractor extracts the client IP from the request's
// RemoteAddr field. The TCP connection IP cannot be spoofed by the
// client, so this is the default when the service is directly exposed
// or proxy trust is disabled.
type RemoteAddrExtractor struct{}

// ExtractIP extracts the IP from r.RemoteAddr, stripping the port.
// Handles both IPv4 and IPv6 forms.
func (e *RemoteAddrExtractor) ExtractIP(r *http.Request) (string, error) {
	return extractIPFromAddr(r.RemoteAddr)
}

// TrustedProxyConfig holds the set of reverse proxies whose
// X-Forwarded-For and X-Real-IP headers may be believed.
type TrustedProxyConfig struct {
	// Enabled gates all header-based extraction. When false, headers
	// are ignored entirely.
	Enabled bool

	// AllowedCIDRs lists trusted proxy ranges. Single IPs are stored as
	// /32 or /128 prefixes.
	AllowedCIDRs []netip.Prefix
}

// ParseTrustedProxies builds a TrustedProxyConfig from a list of IPs
// and CIDR ranges (e.g. "10.0.0.1", "172.16.0.0/12", "2001:db8::/32").
// An empty list disables proxy trust. Invalid entries fail the whole
// parse; a half-configured trust list is worse than none.
func ParseTrustedProxies(proxies []string) (TrustedProxyConfig, error) {
	config := TrustedProxyConfig{
		AllowedCIDRs: []netip.Prefix{},
	}

	for _, proxy := range proxies {
		proxy = strings.TrimSpace(proxy)
		if proxy == "" {
			continue
		}

		prefix, err := netip.ParsePrefix(proxy)
		if err != nil {
			ip, ipErr := netip.ParseAddr(proxy)
			if ipErr != nil {
				return TrustedProxyConfig{}, fmt.Errorf("invalid trusted proxy %q: must be an IP address or CIDR range", proxy)
			}
			if ip.Is4() {
				prefix = netip.PrefixFrom(ip, 32)
			} else {
				prefix = netip.PrefixFrom(ip, 128)
			}
		}
		config.AllowedCIDRs = append(config.AllowedCIDRs, prefix)
	}

	config.Enabled = len(config.AllowedCIDRs) > 0
	return config, nil
}

// IsTrusted reports whether the given RemoteAddr belongs to a trusted
// proxy. Parse failures count as untrusted.
func (c *TrustedProxyConfig) IsTrusted(remoteAddr string) bool {
	ip, err := extractIPFromAddr(remoteAddr)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range c.AllowedCIDRs {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// TrustedProxyExtractor extracts the client IP from X-Forwarded-For or
// X-Real-IP when the request arrives from a trusted proxy, and falls
// back to RemoteAddr otherwise. An untrusted peer sending forwarding
// headers is a spoofing attempt: the headers are ignored and a warning
// is logged, because believing them would let clients rotate their
// apparent IP and bypass per-IP limits.
type TrustedProxyExtractor struct {
	config TrustedProxyConfig
	logger *slog.Logger
}

// NewTrustedProxyExtractor creates a TrustedProxyExtractor.
func NewTrustedProxyExtractor(config TrustedProxyConfig, logger *slog.Logger) *TrustedProxyExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrustedProxyExtractor{
		config: config,
		logger: logger,
	}
}

// ExtractIP resolves the client IP. Header priority when the peer is
// trusted: first X-Forwarded-For entry, then X-Real-IP, then
// RemoteAddr.
func (e *TrustedProxyExtractor) ExtractIP(r *http.Request) (string, error) {
	if !e.config.Enabled {
		return extractIPFromAddr(r.RemoteAddr)
	}

	if !e.config.IsTrusted(r.RemoteAddr) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			e.logger.Warn("untrusted peer attempting to set X-Forwarded-For",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("x_forwarded_for", xff),
			)
		}
		return extractIPFromAddr(r.RemoteAddr)
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := parseFirstIP(xff); ip != "" {
			return ip, nil
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return ip.String(), nil
		}
	}
	return extractIPFromAddr(r.RemoteAddr)
}

// extractIPFromAddr extracts the IP from a "host:port" or bare "IP"
// string.
func extractIPFromAddr(addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		if ip := net.ParseIP(addr); ip != nil {
			return ip.String(), nil
		}
		return "", fmt.Errorf("invalid address format: %s", addr)
	}
	return host, nil
}

// parseFirstIP parses the first IP of a comma-separated list, the
// X-Forwarded-For format "client, proxy1, proxy2". Returns "" if the
// first entry is not a valid IP.
func parseFirstIP(s string) string {
	first := s
	if i := strings.IndexByte(s, ','); i >= 0 {
		first = s[:i]
	}
	if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
		return ip.String()
	}
	return ""
}
