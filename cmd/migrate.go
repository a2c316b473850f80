package cmd

import (
	"github.com/spf13/cobra"
)

// newMigrateCmd creates the 'migrate' subcommand.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the request log and stats schemas, then exits",
		Long: `Creates or upgrades the Postgres tables used by the request log and the
HTML statistics. Request log upgrades are versioned; the bot columns added in
the latest version are backfilled by classifying stored user agents.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg)
		},
	}
}
