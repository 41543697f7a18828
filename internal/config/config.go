package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"digto/internal/client"
	"digto/internal/transport"
)

type Config struct {
	Client  Client  `yaml:"client"`
	Proxy   Proxy   `yaml:"proxy"`
	Metrics Metrics `yaml:"metrics"`
	Logging Logging `yaml:"logging"`
}

type Client struct {
	Scheme        string `yaml:"scheme"`
	APIHost       string `yaml:"api_host"`
	APIHeaderHost string `yaml:"api_header_host"`
	Subdomain     string `yaml:"subdomain"`
	// Timeout bounds one relay call, the wait included. Empty means no
	// client-side limit.
	Timeout string `yaml:"timeout"`
	// RelayProxy is an optional socks5:// or http:// proxy used to reach the relay.
	RelayProxy string `yaml:"relay_proxy"`
}

// Proxy configures forwarding of every exchange to a local address.
type Proxy struct {
	Addr        string  `yaml:"addr"`
	Scheme      string  `yaml:"scheme"`      // http | https, towards addr
	HostHeader  string  `yaml:"host_header"` // overrides Host towards addr
	Concurrency int     `yaml:"concurrency"` // parallel waits on the relay
	Retry       Retry   `yaml:"retry"`
	Breaker     Breaker `yaml:"breaker"`
	// InsecureSkipVerify disables certificate checks towards addr.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

type Retry struct {
	Initial    string  `yaml:"initial"`
	Max        string  `yaml:"max"`
	MaxRetries int     `yaml:"max_retries"` // 0 = unlimited
	Jitter     float64 `yaml:"jitter"`
}

type Breaker struct {
	Failures int    `yaml:"failures"` // 0 disables the breaker
	Reset    string `yaml:"reset"`
}

type Metrics struct {
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

type Logging struct {
	Level string `yaml:"level"` // error | info | debug
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every empty field. It is idempotent so flag
// overrides can be applied before or after it.
func (c *Config) ApplyDefaults() {
	if c.Client.Scheme == "" {
		c.Client.Scheme = client.DefaultScheme
	}
	if c.Client.APIHost == "" {
		c.Client.APIHost = client.DefaultAPIHost
	}
	if c.Proxy.Addr == "" {
		c.Proxy.Addr = ":3000"
	}
	if c.Proxy.Scheme == "" {
		c.Proxy.Scheme = "http"
	}
	if c.Proxy.Concurrency <= 0 {
		c.Proxy.Concurrency = 2
	}
	if c.Proxy.Retry.Initial == "" {
		c.Proxy.Retry.Initial = "1s"
	}
	if c.Proxy.Retry.Max == "" {
		c.Proxy.Retry.Max = "60s"
	}
	if c.Proxy.Retry.Jitter == 0 {
		c.Proxy.Retry.Jitter = 0.1
	}
	if c.Proxy.Breaker.Reset == "" {
		c.Proxy.Breaker.Reset = "30s"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks everything except the subdomain, which the proxy
// command may still generate. client.New rejects an empty one.
func (c *Config) Validate() error {
	var allErrors []error

	switch c.Client.Scheme {
	case "http", "https":
	default:
		allErrors = append(allErrors, fmt.Errorf("client.scheme must be http or https, got %q", c.Client.Scheme))
	}
	if strings.ContainsAny(c.Client.APIHost, "/ ") {
		allErrors = append(allErrors, fmt.Errorf("client.api_host must be a host[:port], got %q", c.Client.APIHost))
	}
	if strings.ContainsAny(c.Client.Subdomain, "./ ") {
		allErrors = append(allErrors, fmt.Errorf("client.subdomain must be a single DNS label, got %q", c.Client.Subdomain))
	}
	if err := validDuration("client.timeout", c.Client.Timeout); err != nil {
		allErrors = append(allErrors, err)
	}
	if c.Client.RelayProxy != "" {
		u, err := url.Parse(c.Client.RelayProxy)
		if err != nil {
			allErrors = append(allErrors, fmt.Errorf("client.relay_proxy: %w", err))
		} else {
			switch u.Scheme {
			case "socks5", "socks5h", "http", "https":
			default:
				allErrors = append(allErrors, fmt.Errorf("client.relay_proxy scheme %q not supported", u.Scheme))
			}
		}
	}

	if _, _, err := net.SplitHostPort(c.Proxy.Addr); err != nil {
		allErrors = append(allErrors, fmt.Errorf("proxy.addr: %w", err))
	}
	switch c.Proxy.Scheme {
	case "http", "https":
	default:
		allErrors = append(allErrors, fmt.Errorf("proxy.scheme must be http or https, got %q", c.Proxy.Scheme))
	}
	if c.Proxy.Retry.MaxRetries < 0 {
		allErrors = append(allErrors, fmt.Errorf("proxy.retry.max_retries must be >= 0"))
	}
	if j := c.Proxy.Retry.Jitter; !(j >= 0 && j <= 1) {
		allErrors = append(allErrors, fmt.Errorf("proxy.retry.jitter must be within [0,1]"))
	}
	for name, v := range map[string]string{
		"proxy.retry.initial": c.Proxy.Retry.Initial,
		"proxy.retry.max":     c.Proxy.Retry.Max,
		"proxy.breaker.reset": c.Proxy.Breaker.Reset,
	} {
		if err := validDuration(name, v); err != nil {
			allErrors = append(allErrors, err)
		}
	}
	if c.Proxy.Breaker.Failures < 0 {
		allErrors = append(allErrors, fmt.Errorf("proxy.breaker.failures must be >= 0"))
	}

	switch c.Logging.Level {
	case "error", "info", "debug":
	default:
		allErrors = append(allErrors, fmt.Errorf("logging.level must be error, info or debug, got %q", c.Logging.Level))
	}

	return writeErr(allErrors)
}

// ClientConfig converts the file section into the client's config value.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		Scheme:        c.Client.Scheme,
		APIHost:       c.Client.APIHost,
		Subdomain:     c.Client.Subdomain,
		APIHeaderHost: c.Client.APIHeaderHost,
	}
}

func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		Timeout: parseDurationOr(c.Client.Timeout, 0),
		Proxy:   c.Client.RelayProxy,
	}
}

func (c *Config) RetryInitial() time.Duration {
	return parseDurationOr(c.Proxy.Retry.Initial, time.Second)
}

func (c *Config) RetryMax() time.Duration {
	return parseDurationOr(c.Proxy.Retry.Max, 60*time.Second)
}

func (c *Config) BreakerReset() time.Duration {
	return parseDurationOr(c.Proxy.Breaker.Reset, 30*time.Second)
}

func (c *Config) Debug() bool { return c.Logging.Level == "debug" }

func validDuration(name, s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", name)
	}
	return nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	messages := make([]string, 0, len(allErrors))
	for _, err := range allErrors {
		messages = append(messages, err.Error())
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}
