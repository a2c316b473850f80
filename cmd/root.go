// Package cmd defines the CLI commands for the mdagent executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdagent/internal/config"
	"github.com/JakeFAU/mdagent/internal/server"
)

var cfgFile string

type configKeyType string

const configKey configKeyType = "config"

// Runner is the part of server.App the serve command drives. Tests swap in a fake.
type Runner interface {
	Run(ctx context.Context) error
}

// newApp and migrate are variables so tests can replace them.
var (
	newApp = func(ctx context.Context, cfg config.Config) (Runner, error) {
		return server.Build(ctx, cfg)
	}
	migrate = server.Migrate
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mdagent",
		Short: "Serves Markdown renditions of site content to AI agents.",
		Long: `mdagent sits in front of a content site. Requests that ask for Markdown,
through the Accept header, a format query parameter or an index.md path, are
answered from the content store; everything else is proxied to the HTML origin.
Agent requests are classified and logged for the admin API.`,
		SilenceUsage: true,

		// Config is loaded once here and handed to subcommands through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); MDFA_* env vars override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
