package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"gardencam/live/internal/domain"
)

// Defaults.
const (
	DefaultListen             = ":8080"
	DefaultRelayURL           = "ws://localhost:8080/ws"
	DefaultSTUN               = "stun:stun.l.google.com:19302"
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultFrameStaleAfter    = 10 * time.Second
)

// Config holds the application configuration.
type Config struct {
	// Relay side
	Listen     string
	MaxViewers int

	// Viewer side
	RelayURL           string
	STUNServer         string
	TURNServer         string
	TURNUser           string
	TURNPass           string
	NegotiationTimeout time.Duration
	FrameStaleAfter    time.Duration
	DirectoryURL       string
	Devices            []domain.Device
	SettingsPath       string
}

// Options carries CLI flag overrides. Zero values mean "not set".
type Options struct {
	Listen       string
	MaxViewers   int
	RelayURL     string
	STUNServer   string
	TURNServer   string
	SettingsPath string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options)
// 2. Environment variables, including a .env file if present
// 3. Defaults
func Load(opts Options) (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		Listen:       pick(opts.Listen, os.Getenv("GARDENCAM_LISTEN"), DefaultListen),
		RelayURL:     pick(opts.RelayURL, os.Getenv("GARDENCAM_RELAY_URL"), DefaultRelayURL),
		STUNServer:   pick(opts.STUNServer, os.Getenv("GARDENCAM_STUN"), DefaultSTUN),
		TURNServer:   pick(opts.TURNServer, os.Getenv("GARDENCAM_TURN"), ""),
		TURNUser:     os.Getenv("GARDENCAM_TURN_USER"),
		TURNPass:     os.Getenv("GARDENCAM_TURN_PASS"),
		DirectoryURL: os.Getenv("GARDENCAM_DIRECTORY_URL"),
		SettingsPath: pick(opts.SettingsPath, os.Getenv("GARDENCAM_SETTINGS"), ""),
	}

	var err error
	if cfg.NegotiationTimeout, err = durationEnv("GARDENCAM_NEGOTIATION_TIMEOUT", DefaultNegotiationTimeout); err != nil {
		return nil, err
	}
	if cfg.FrameStaleAfter, err = durationEnv("GARDENCAM_FRAME_STALE_AFTER", DefaultFrameStaleAfter); err != nil {
		return nil, err
	}

	cfg.MaxViewers = opts.MaxViewers
	if cfg.MaxViewers == 0 {
		if v := os.Getenv("GARDENCAM_MAX_VIEWERS"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("GARDENCAM_MAX_VIEWERS: invalid value %q", v)
			}
			cfg.MaxViewers = n
		}
	}

	if cfg.Devices, err = ParseDevices(os.Getenv("GARDENCAM_DEVICES")); err != nil {
		return nil, err
	}

	if cfg.SettingsPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locate settings directory: %w", err)
		}
		cfg.SettingsPath = filepath.Join(dir, "gardencam", "settings.toml")
	}

	return cfg, nil
}

// ICEServers returns the configured STUN and TURN servers.
func (c *Config) ICEServers() []domain.ICEServer {
	var servers []domain.ICEServer
	if c.STUNServer != "" {
		servers = append(servers, domain.ICEServer{URL: c.STUNServer})
	}
	if c.TURNServer != "" {
		servers = append(servers, domain.ICEServer{
			URL:        c.TURNServer,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}

// ParseDevices parses a static directory table of the form
// "id=Display Name|streamURL,id2=Other".
func ParseDevices(s string) ([]domain.Device, error) {
	var devices []domain.Device
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rest, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("GARDENCAM_DEVICES: invalid entry %q", entry)
		}
		name, streamURL, _ := strings.Cut(rest, "|")
		devices = append(devices, domain.Device{
			ID:          id,
			DisplayName: strings.TrimSpace(name),
			StreamURL:   strings.TrimSpace(streamURL),
		})
	}
	return devices, nil
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
