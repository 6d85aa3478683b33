package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	var showSecrets bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration (defaults, file, env) as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg.Clone()
			if !showSecrets {
				mask(&cfg.LLM.APIKey)
				mask(&cfg.Platforms.Telegram.Token)
				mask(&cfg.Platforms.OneBot.AccessToken)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	show.Flags().BoolVar(&showSecrets, "show-secrets", false, "print api keys and tokens unmasked")
	cmd.AddCommand(show)
	return cmd
}

func mask(s *string) {
	if *s != "" {
		*s = "***"
	}
}
