package client

const (
	DefaultScheme  = "https"
	DefaultAPIHost = "digto.org"
)

// Config identifies one subdomain on one relay. A Config is a value; the
// client keeps its own copy and never mutates it.
type Config struct {
	// Scheme is used for both the public and the relay URL.
	Scheme string `yaml:"scheme"`
	// APIHost is the relay host, optionally with a port.
	APIHost string `yaml:"api_host"`
	// Subdomain is required.
	Subdomain string `yaml:"subdomain"`
	// APIHeaderHost, when set, replaces the Host header of requests sent to
	// the relay. It does not change either URL.
	APIHeaderHost string `yaml:"api_header_host"`
}

// WithDefaults returns a copy of c with empty fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.Scheme == "" {
		c.Scheme = DefaultScheme
	}
	if c.APIHost == "" {
		c.APIHost = DefaultAPIHost
	}
	return c
}

// Validate reports a *ConfigError when the subdomain is missing.
func (c Config) Validate() error {
	if c.Subdomain == "" {
		return &ConfigError{Field: "subdomain", Reason: "must not be empty"}
	}
	return nil
}

// PublicURL is the address third parties call to start an exchange.
func (c Config) PublicURL() string {
	return c.Scheme + "://" + c.Subdomain + "." + c.APIHost
}

// RelayURL is the address used to wait for and answer exchanges.
func (c Config) RelayURL() string {
	return c.Scheme + "://" + c.APIHost + "/" + c.Subdomain
}
