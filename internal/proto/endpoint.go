package proto

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is a parsed node address in scheme://host:port form. Only
// "redis" (plain TCP) and "rediss" (TLS) are accepted — in particular
// unix:// is rejected here, at parse time, never deferred to dial time,
// because cluster topology replies only ever carry TCP host:port pairs.
type Endpoint struct {
	Raw  string
	Host string
	Port string
	TLS  bool
}

// ParseEndpoint validates and decomposes a raw endpoint string.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("proto: invalid endpoint %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss":
	default:
		return Endpoint{}, fmt.Errorf("proto: unsupported endpoint scheme %q, only redis:// and rediss:// TCP endpoints are accepted", u.Scheme)
	}
	host, port := u.Hostname(), u.Port()
	if host == "" || port == "" {
		return Endpoint{}, fmt.Errorf("proto: endpoint %q is missing a host or port", raw)
	}
	return Endpoint{
		Raw:  raw,
		Host: host,
		Port: port,
		TLS:  strings.EqualFold(u.Scheme, "rediss"),
	}, nil
}

// Addr returns the bare host:port form suitable for net.Dial.
func (e Endpoint) Addr() string { return e.Host + ":" + e.Port }

// Format builds a scheme://host:port endpoint string, used when the
// Topology synthesizes endpoints out of a CLUSTER SLOTS reply (which
// only carries bare ip/port pairs, not a scheme).
func Format(hostPort string, tls bool) string {
	scheme := "redis"
	if tls {
		scheme = "rediss"
	}
	return scheme + "://" + hostPort
}
