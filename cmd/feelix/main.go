// Command feelix runs the Feelix support bot and its operator tooling.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/bdobrica/feelix/common/environment"
	"github.com/bdobrica/feelix/common/version"
	"github.com/bdobrica/feelix/internal/feelix/observability"
)

var rootCmd = &cobra.Command{
	Use:           "feelix",
	Short:         "Feelix - an empathetic support bot for Telegram and Matrix",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `Feelix answers users with a hosted chat model, keeps a summarized
conversation history per user and enforces a daily character budget for
users without Premium.

Configuration is read from FEELIX_* environment variables.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.Setup(
			environment.StringOr("FEELIX_LOG_LEVEL", "info"),
			environment.StringOr("FEELIX_LOG_FORMAT", "text"),
		)
	},
}

func main() {
	rootCmd.SetVersionTemplate(version.Info() + "\n")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
