package cli

import (
	"context"

	"github.com/spf13/cobra"

	"gardencam/live/internal/config"
	"gardencam/live/internal/relay"
)

var (
	flagRelayListen     string
	flagRelayMaxViewers int
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay that pairs one broadcasting device with its
viewers per room. Devices and viewers connect over WebSocket at /ws.

Examples:
  gardencam relay
  gardencam relay --listen :9000 --max-viewers 8`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(cmd.Context())
	},
}

func init() {
	relayCmd.Flags().StringVarP(&flagRelayListen, "listen", "l", "", "address to listen on (default "+config.DefaultListen+")")
	relayCmd.Flags().IntVar(&flagRelayMaxViewers, "max-viewers", 0, "viewers allowed per room, 0 for unlimited")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(ctx context.Context) error {
	cfg, err := config.Load(config.Options{
		Listen:     flagRelayListen,
		MaxViewers: flagRelayMaxViewers,
	})
	if err != nil {
		return err
	}

	srv := relay.NewServer(relay.NewRegistry(cfg.MaxViewers))
	printInfof("relay listening on %s", cfg.Listen)
	return srv.ListenAndServe(ctx, cfg.Listen)
}
