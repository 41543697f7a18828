package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"digto/internal/client"
)

func urlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url [subdomain]",
		Short: "Print the public and relay URLs of a subdomain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Client.Subdomain = args[0]
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			c, err := client.New(cfg.ClientConfig())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "public: %s\nrelay:  %s\n", c.PublicURL(), c.RelayURL())
			return nil
		},
	}
}
