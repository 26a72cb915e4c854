package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/catalog-harvest/internal/config"
	"github.com/Sternrassler/catalog-harvest/pkg/client"
	"github.com/Sternrassler/catalog-harvest/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest dataset records from a windowed search API",
		Long: `harvest collects every Dataset record of one or more catalog resources
from a search API that caps each result window. Resources larger than the
window are split into prefix segments; progress is checkpointed after every
page so an interrupted run resumes where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default .harvest.yaml in CWD or $HOME)")
	flags.String("base-url", client.DefaultBaseURL, "search API query endpoint")
	flags.String("user-agent", config.DefaultUserAgent, "User-Agent sent with every request")
	flags.Int("facet-size", 10, "facet_size sent with every query")
	flags.String("log-level", string(logging.LevelInfo), "log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "human-readable console logs")

	root.AddCommand(newFetchCommand())
	root.AddCommand(newCatalogsCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// loadConfig reads configuration for cmd and configures logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = cmd.ErrOrStderr()
	logging.Setup(logCfg)
	return cfg, nil
}

func newClient(cfg *config.Config) (*client.Client, error) {
	api, err := client.New(cfg.ClientConfig())
	if err != nil {
		return nil, fmt.Errorf("create search client: %w", err)
	}
	return api, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "harvest %s\n", version)
		},
	}
}
