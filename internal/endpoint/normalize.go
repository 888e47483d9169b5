// Package endpoint tracks the health of candidate gRPC endpoints and races
// operations across them.
package endpoint

import (
	"net"
	"strings"

	"github.com/shhac/scout/internal/domain"
)

const (
	// DefaultPort is appended to endpoints given without a port.
	DefaultPort = "9090"
	// TLSPort is the only port that implies TLS.
	TLSPort = "443"
)

// NormalizeEndpoint turns a raw endpoint string into an address and TLS flag.
// An http:// or https:// prefix and any trailing path are stripped. Without a
// port the default port is appended and TLS is off; otherwise TLS is on
// exactly when the port is 443. The scheme never decides TLS.
func NormalizeEndpoint(raw string) domain.Endpoint {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "https://"):
		s = s[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		s = s[len("http://"):]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil || port == "" {
		host = strings.TrimSuffix(s, ":")
		if strings.Count(host, ":") > 1 && !strings.HasPrefix(host, "[") {
			// bare IPv6 literal
			host = "[" + host + "]"
		}
		return domain.Endpoint{Address: host + ":" + DefaultPort}
	}

	return domain.Endpoint{
		Address: net.JoinHostPort(host, port),
		TLS:     port == TLSPort,
	}
}

// NormalizeAll normalizes every raw endpoint, dropping empty strings and
// duplicates while keeping the first occurrence's position.
func NormalizeAll(raws []string) []domain.Endpoint {
	seen := make(map[domain.Endpoint]bool, len(raws))
	out := make([]domain.Endpoint, 0, len(raws))
	for _, raw := range raws {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		ep := NormalizeEndpoint(raw)
		if seen[ep] {
			continue
		}
		seen[ep] = true
		out = append(out, ep)
	}
	return out
}
