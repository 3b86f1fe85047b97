package voice

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// legacyPort is advertised by the gateway but the control channel listens on
// the default secure port.
const legacyPort = "80"

// Endpoint is a voice server address split into its usable parts.
type Endpoint struct {
	// Host is the bare host name used for address resolution.
	Host string
	// Authority is the host and any non-legacy port, used to dial the control channel.
	Authority string
	// IP is the resolved address of Host.
	IP net.IP
}

// ParseEndpoint strips a scheme prefix, a trailing path and the port from raw.
func ParseEndpoint(raw string) (Endpoint, error) {
	s := strings.TrimSpace(raw)
	for _, scheme := range []string{"wss://", "ws://", "https://", "http://"} {
		s = strings.TrimPrefix(s, scheme)
	}
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return Endpoint{}, fmt.Errorf("%w: empty endpoint %q", ErrEndpointUnresolvable, raw)
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port suffix.
		return Endpoint{Host: strings.Trim(s, "[]"), Authority: s}, nil
	}

	authority := s
	if port == legacyPort {
		authority = host
		if strings.Contains(host, ":") {
			authority = "[" + host + "]"
		}
	}

	return Endpoint{Host: host, Authority: authority}, nil
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ResolveEndpoint parses raw and resolves its host, preferring IPv4.
func ResolveEndpoint(ctx context.Context, r Resolver, raw string) (Endpoint, error) {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		return Endpoint{}, err
	}

	if ip := net.ParseIP(ep.Host); ip != nil {
		ep.IP = ip

		return ep, nil
	}

	addrs, err := r.LookupIPAddr(ctx, ep.Host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %s: %w", ErrEndpointUnresolvable, ep.Host, err)
	}
	if len(addrs) == 0 {
		return Endpoint{}, fmt.Errorf("%w: %s has no addresses", ErrEndpointUnresolvable, ep.Host)
	}

	ep.IP = addrs[0].IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			ep.IP = a.IP

			break
		}
	}

	return ep, nil
}

// ControlURL builds the control channel URL for the endpoint.
func (e Endpoint) ControlURL(scheme string) string {
	if scheme == "" {
		scheme = "wss"
	}

	u := url.URL{Scheme: scheme, Host: e.Authority, Path: "/"}

	return u.String()
}
