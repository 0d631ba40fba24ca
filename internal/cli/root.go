// Package cli holds the cobra commands of livefeedctl, the operator tool for minting
// tokens, publishing updates and watching a user's feed.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pscheid92/livefeed/internal/platform/logging"
	"github.com/pscheid92/livefeed/internal/platform/version"
	"github.com/spf13/cobra"
)

// NewRoot constructs the livefeedctl root command with all command groups registered.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "livefeedctl",
		Short:         "Operate a livefeed server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level, _ := cmd.Flags().GetString("log-level")
			slog.SetDefault(slog.New(logging.NewHandler(cmd.ErrOrStderr(), level, "text")))
		},
	}
	root.PersistentFlags().String("log-level", envOr("LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")

	root.AddCommand(
		newTokenCommand(),
		newPublishCommand(),
		newListenCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
