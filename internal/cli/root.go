// Package cli implements the gardencam command line.
package cli

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gardencam/live/internal/logging"
)

var (
	flagLogLevel  string
	flagLogFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gardencam",
	Short: "Live camera relay and viewer for smart garden devices",
	Long: `gardencam relays WebRTC signaling between garden cameras and dashboard
viewers, and includes a headless viewer for watching a device from the
command line.

Examples:
  gardencam relay --listen :8080
  gardencam view --device dev-42 | ffplay -f h264 -
  gardencam view --device dev-42 --mode push-relay --out tomato.jpg`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(flagLogLevel, flagLogFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", os.Getenv("LOG_LEVEL"), "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", os.Getenv("LOG_FORMAT"), "log format (json or console)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(err.Error())
		stop()
		os.Exit(1)
	}
}
