package commands

import (
	"log"

	"github.com/spf13/cobra"

	"digto/internal/config"
)

var version = "dev"

var (
	configPath    string
	apiScheme     string
	apiHost       string
	apiHeaderHost string
	timeout       string
	relayProxy    string
	logLevel      string

	localScheme   string
	concurrency   int
	metricsListen string
	metricsToken  string
	insecure      bool
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "digto",
		Short:        "Serve requests sent to a public subdomain from behind NAT",
		Version:      version,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&apiScheme, "api-scheme", "", "scheme of the relay and public URLs (default https)")
	pf.StringVar(&apiHost, "api-host", "", "relay host[:port] (default digto.org)")
	pf.StringVar(&apiHeaderHost, "api-header-host", "", "Host header sent to the relay")
	pf.StringVar(&timeout, "timeout", "", "limit for one relay call, e.g. 2m (default none)")
	pf.StringVar(&relayProxy, "relay-proxy", "", "socks5:// or http:// proxy used to reach the relay")
	pf.StringVar(&logLevel, "log-level", "", "error, info or debug")

	root.AddCommand(proxyCmd(), urlCmd(), versionCmd())
	return root
}

// loadConfig reads --config when given, then applies explicitly set flags.
// With watch the file is also watched for changes.
func loadConfig(cmd *cobra.Command, watch bool) (*config.Config, *config.ReloadableConfig, error) {
	if configPath == "" {
		cfg, err := config.Parse([]byte("{}"))
		if err != nil {
			return nil, nil, err
		}
		return cfg, nil, applyFlags(cmd, cfg)
	}

	if !watch {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		return cfg, nil, applyFlags(cmd, cfg)
	}

	r, err := config.NewReloadable(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg := *r.Get()
	if err := applyFlags(cmd, &cfg); err != nil {
		r.Close()
		return nil, nil, err
	}
	return &cfg, r, nil
}

// applyFlags overrides cfg with every flag set on the command line and
// validates the result.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("api-scheme", &cfg.Client.Scheme, apiScheme)
	set("api-host", &cfg.Client.APIHost, apiHost)
	set("api-header-host", &cfg.Client.APIHeaderHost, apiHeaderHost)
	set("timeout", &cfg.Client.Timeout, timeout)
	set("relay-proxy", &cfg.Client.RelayProxy, relayProxy)
	set("log-level", &cfg.Logging.Level, logLevel)
	set("scheme", &cfg.Proxy.Scheme, localScheme)
	set("metrics-listen", &cfg.Metrics.Listen, metricsListen)
	set("metrics-token", &cfg.Metrics.AuthToken, metricsToken)
	if flags.Changed("concurrency") {
		cfg.Proxy.Concurrency = concurrency
	}
	if flags.Changed("insecure") {
		cfg.Proxy.InsecureSkipVerify = insecure
	}
	cfg.ApplyDefaults()
	return cfg.Validate()
}

func infof(cfg *config.Config, format string, args ...any) {
	if cfg.Logging.Level == "error" {
		return
	}
	log.Printf(format, args...)
}
