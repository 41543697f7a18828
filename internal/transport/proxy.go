package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/net/proxy"
)

// DialFunc matches http.Transport.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ProxyDialer builds a dialer that reaches the relay through a SOCKS5 proxy
// URL. An empty URL yields direct dialing.
func ProxyDialer(proxyURL string, base *net.Dialer) (DialFunc, error) {
	if base == nil {
		base = &net.Dialer{}
	}
	if proxyURL == "" {
		return base.DialContext, nil
	}

	u, err := parseProxyURL(proxyURL)
	if err != nil {
		return nil, err
	}

	d, err := proxy.FromURL(u, base)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", u.Redacted(), err)
	}

	// Prefer context dialer when available.
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}, nil
}

func parseProxyURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return u, nil
}
