// Command stagebot runs the chat bot and its maintenance subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stupiduntilnot/stagebot/internal/config"
	"github.com/stupiduntilnot/stagebot/internal/logging"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "stagebot",
		Short:         "Multi-platform chat bot built on a staged event pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", config.DefaultPath, "path to the YAML config file")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, console)")

	root.AddCommand(newServeCmd(c), newConversationsCmd(c), newConfigCmd(c))
	return root
}

// load reads the config, lets explicit flags override it and builds the
// logger.
func (c *cli) load(cmd *cobra.Command) error {
	v, err := config.NewViper(c.configPath)
	if err != nil {
		return err
	}
	// Bound flags override the file and env only when given explicitly.
	pf := cmd.Root().PersistentFlags()
	if err := v.BindPFlag("log.level", pf.Lookup("log-level")); err != nil {
		return err
	}
	if err := v.BindPFlag("log.format", pf.Lookup("log-format")); err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return config.Errorf("log", "%v", err)
	}
	c.cfg, c.logger = cfg, logger
	return nil
}
