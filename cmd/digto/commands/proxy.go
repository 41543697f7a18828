package commands

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"digto/internal/agent"
	"digto/internal/config"
	"digto/internal/metrics"
)

// proxyArgs are the positional arguments of the proxy command. They win
// over both the file and the flags, across reloads too.
type proxyArgs struct {
	addr       string
	subdomain  string
	hostHeader string
}

func parseProxyArgs(args []string) proxyArgs {
	var p proxyArgs
	if len(args) > 0 {
		p.addr = args[0]
	}
	if len(args) > 1 {
		p.subdomain = args[1]
	}
	if len(args) > 2 {
		p.hostHeader = args[2]
	}
	return p
}

func (p proxyArgs) apply(cfg *config.Config) error {
	if p.addr != "" {
		cfg.Proxy.Addr = p.addr
	}
	if p.subdomain != "" {
		cfg.Client.Subdomain = p.subdomain
	}
	if p.hostHeader != "" {
		cfg.Proxy.HostHeader = p.hostHeader
	}
	return cfg.Validate()
}

func proxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy [addr] [subdomain] [host-header]",
		Short: "Forward every request sent to a subdomain to a local address",
		Long: `Forward every request sent to https://<subdomain>.<api-host> to addr
(default :3000) and send the local response back to the caller.
A random subdomain is used when none is given.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, reloader, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			if reloader != nil {
				defer reloader.Close()
			}

			pa := parseProxyArgs(args)
			if pa.subdomain == "" && cfg.Client.Subdomain == "" {
				pa.subdomain = randomSubdomain()
			}
			if err := pa.apply(cfg); err != nil {
				return err
			}

			if srv := metrics.Start(cfg.Metrics.Listen, cfg.Metrics.AuthToken); srv != nil {
				defer srv.Close()
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go handleSignals(ctx, cancel)

			restartCh := make(chan *config.Config, 1)
			if reloader != nil {
				reloader.Watch(func(_, next *config.Config) {
					cfg := *next
					if err := applyFlags(cmd, &cfg); err != nil {
						log.Printf("ignoring config reload: %v", err)
						return
					}
					if err := pa.apply(&cfg); err != nil {
						log.Printf("ignoring config reload: %v", err)
						return
					}
					// Keep only the newest pending config.
					select {
					case <-restartCh:
					default:
					}
					restartCh <- &cfg
				})
			}

			return runProxy(ctx, cfg, restartCh)
		},
	}

	cmd.Flags().StringVar(&localScheme, "scheme", "", "scheme towards addr: http or https (default http)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel waits on the relay (default 2)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve metrics on this address")
	cmd.Flags().StringVar(&metricsToken, "metrics-token", "", "bearer token required by the metrics endpoint")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip certificate checks towards addr")
	return cmd
}

// runProxy runs the agent until ctx is done, swapping it for a new one on
// every config pushed to restartCh.
func runProxy(ctx context.Context, cfg *config.Config, restartCh <-chan *config.Config) error {
	ag, err := agent.New(cfg)
	if err != nil {
		return err
	}
	infof(cfg, "forwarding %s -> %s://%s", ag.PublicURL(), cfg.Proxy.Scheme, cfg.Proxy.Addr)

	runCancel, errCh := startAgent(ctx, ag)
	for {
		select {
		case <-ctx.Done():
			runCancel()
			<-errCh
			return nil
		case next := <-restartCh:
			nextAgent, err := agent.New(next)
			if err != nil {
				log.Printf("config reload rejected: %v", err)
				continue
			}
			log.Printf("config reloaded: restarting workers")
			runCancel()
			<-errCh
			cfg, ag = next, nextAgent
			infof(cfg, "forwarding %s -> %s://%s", ag.PublicURL(), cfg.Proxy.Scheme, cfg.Proxy.Addr)
			runCancel, errCh = startAgent(ctx, ag)
		case err := <-errCh:
			runCancel()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func startAgent(ctx context.Context, ag *agent.Agent) (context.CancelFunc, <-chan error) {
	runCtx, runCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- ag.Start(runCtx)
	}()
	return runCancel, errCh
}

func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case <-sig:
		cancel()
	case <-ctx.Done():
	}
}

func randomSubdomain() string {
	return uuid.NewString()[:8]
}
