package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gardencam/live/internal/config"
	"gardencam/live/internal/directory"
	"gardencam/live/internal/domain"
	"gardencam/live/internal/logging"
	"gardencam/live/internal/settings"
	sigclient "gardencam/live/internal/signal"
	"gardencam/live/internal/stream"
	"gardencam/live/internal/viewer"
	"gardencam/live/internal/webrtc"
)

const (
	framePollInterval = 250 * time.Millisecond
	closeTimeout      = 3 * time.Second
)

var (
	flagViewDevice   string
	flagViewMode     string
	flagViewRelay    string
	flagViewSTUN     string
	flagViewTURN     string
	flagViewOut      string
	flagViewSettings string
	flagViewNoWebRTC bool
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Watch a garden device",
	Long: `Join a device's room on the relay and show its live stream.

In peer-to-peer mode the raw H264 stream is written to stdout; pipe it to
ffplay or ffmpeg. In push-relay mode the latest JPEG snapshot is written to
--out. In pull-url mode the device's stream URL is printed.

While running, type commands on stdin: retry, mode <mode>, device <id>,
status, quit.

Examples:
  gardencam view --device dev-42 | ffplay -f h264 -
  gardencam view --device dev-42 --mode push-relay --out tomato.jpg
  gardencam view --mode pull-url`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runView(cmd.Context())
	},
}

func init() {
	viewCmd.Flags().StringVarP(&flagViewDevice, "device", "d", "", "device to watch (default: last selected)")
	viewCmd.Flags().StringVarP(&flagViewMode, "mode", "m", "", "stream mode: peer-to-peer, push-relay or pull-url (default: last selected)")
	viewCmd.Flags().StringVar(&flagViewRelay, "relay", "", "relay WebSocket URL (default "+config.DefaultRelayURL+")")
	viewCmd.Flags().StringVar(&flagViewSTUN, "stun", "", "STUN server URL")
	viewCmd.Flags().StringVar(&flagViewTURN, "turn", "", "TURN server URL")
	viewCmd.Flags().StringVarP(&flagViewOut, "out", "o", "frame.jpg", "where push-relay snapshots are written")
	viewCmd.Flags().StringVar(&flagViewSettings, "settings", "", "settings file (default: user config dir)")
	viewCmd.Flags().BoolVar(&flagViewNoWebRTC, "no-webrtc", false, "disable peer-to-peer streaming")
	rootCmd.AddCommand(viewCmd)
}

func runView(ctx context.Context) error {
	cfg, err := config.Load(config.Options{
		RelayURL:     flagViewRelay,
		STUNServer:   flagViewSTUN,
		TURNServer:   flagViewTURN,
		SettingsPath: flagViewSettings,
	})
	if err != nil {
		return err
	}

	var mode stream.Mode
	if flagViewMode != "" {
		if mode, err = stream.ParseMode(flagViewMode); err != nil {
			return err
		}
	}

	store, err := settings.Load(cfg.SettingsPath, settings.DefaultDebounce)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("save settings")
		}
	}()

	// A nil factory disables peer-to-peer; keep the interface nil, not a
	// typed nil pointer.
	var factory domain.PeerFactory
	if !flagViewNoWebRTC {
		f, err := webrtc.NewFactory(webrtc.Options{
			ICEServers:    cfg.ICEServers(),
			VideoSink:     os.Stdout,
			LoggerFactory: logging.PionFactory{},
		})
		if err != nil {
			return fmt.Errorf("create peer factory: %w", err)
		}
		factory = f
	}

	v := viewer.New(viewer.Config{
		Factory:    factory,
		Directory:  buildDirectory(cfg),
		Store:      store,
		Timeout:    cfg.NegotiationTimeout,
		StaleAfter: cfg.FrameStaleAfter,
	})
	sc := sigclient.NewClient(cfg.RelayURL, v)
	v.SetSignaler(sc)
	v.OnStatus(printStatus)

	// The viewer outlives ctx long enough to leave its room cleanly.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go v.Run(runCtx)
	signalDone := make(chan error, 1)
	go func() { signalDone <- sc.Run(runCtx) }()

	if mode != "" {
		if err := v.SelectMode(runCtx, mode); err != nil {
			return err
		}
	}
	device := flagViewDevice
	if device == "" {
		device = v.LastDevice()
	}
	if device == "" {
		printWarning("no device selected; type: device <id>")
	} else if err := v.SelectDevice(runCtx, device); err != nil {
		return err
	}
	printInfof("viewer %s using %s", v.ID(), cfg.RelayURL)

	quit := make(chan struct{})
	go func() {
		if runConsole(runCtx, os.Stdin, v) {
			close(quit)
		}
	}()
	go pollFrames(runCtx, v, flagViewOut)

	var runErr error
	select {
	case <-ctx.Done():
	case <-quit:
	case runErr = <-signalDone:
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
	defer cancelClose()
	if err := v.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("close viewer")
	}
	return runErr
}

// buildDirectory returns nil when nothing is configured, which lets any
// device identifier through unresolved.
func buildDirectory(cfg *config.Config) domain.DeviceDirectory {
	var chain directory.Chain
	if cfg.DirectoryURL != "" {
		chain = append(chain, directory.NewClient(cfg.DirectoryURL))
	}
	if len(cfg.Devices) > 0 {
		chain = append(chain, directory.NewStatic(cfg.Devices))
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

type frameSource interface {
	Frame(ctx context.Context) (stream.Frame, bool, error)
}

// pollFrames renders whatever the active source offers: push-relay
// snapshots go to out, pull URLs are printed once per change.
func pollFrames(ctx context.Context, v frameSource, out string) {
	ticker := time.NewTicker(framePollInterval)
	defer ticker.Stop()

	var last stream.Frame
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		f, ok, err := v.Frame(ctx)
		if err != nil || !ok {
			continue
		}
		switch f.Mode {
		case stream.ModePushRelay:
			if f.At.Equal(last.At) && f.DeviceID == last.DeviceID {
				continue
			}
			if err := writeFrame(out, f.JPEG); err != nil {
				log.Warn().Err(err).Str("path", out).Msg("write frame")
				continue
			}
		case stream.ModePullURL:
			if f.URL == last.URL && f.DeviceID == last.DeviceID {
				continue
			}
			if f.URL == "" {
				printWarning("device " + f.DeviceID + " has no stream URL")
			} else {
				fmt.Fprintln(os.Stdout, f.URL)
			}
		}
		last = f
	}
}

// writeFrame replaces path atomically so image viewers never see a
// partial JPEG.
func writeFrame(path string, jpeg []byte) error {
	if len(jpeg) == 0 {
		return errors.New("empty frame")
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".frame-*.jpg")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(jpeg); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
