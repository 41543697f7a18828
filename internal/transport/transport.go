// Package transport builds the HTTP client used to talk to the relay.
//
// How long a wait on the relay may block is a property of this client, not
// of the exchange protocol: Timeout bounds the whole call, zero means the
// relay decides.
package transport

import (
	"net"
	"net/http"
	"strings"
	"time"
)

type Config struct {
	// Timeout bounds one relay round trip including the wait. Zero disables it.
	Timeout time.Duration
	// Proxy is an optional socks5:// URL. http(s):// URLs go through the
	// standard CONNECT proxy support instead.
	Proxy string
	// DialTimeout bounds connection setup.
	DialTimeout time.Duration
}

func (c *Config) ApplyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
}

// NewHTTPClient returns a client configured from cfg.
func NewHTTPClient(cfg Config) (*http.Client, error) {
	cfg.ApplyDefaults()

	base := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()

	switch {
	case cfg.Proxy == "":
		tr.DialContext = base.DialContext
	case isHTTPProxy(cfg.Proxy):
		u, err := parseProxyURL(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		tr.Proxy = http.ProxyURL(u)
		tr.DialContext = base.DialContext
	default:
		dial, err := ProxyDialer(cfg.Proxy, base)
		if err != nil {
			return nil, err
		}
		tr.Proxy = nil
		tr.DialContext = dial
	}

	return &http.Client{
		Transport: tr,
		Timeout:   cfg.Timeout,
	}, nil
}

func isHTTPProxy(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
