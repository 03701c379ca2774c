// Package settings persists the viewer's stream preference in a TOML file.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gardencam/live/internal/domain"
)

// DefaultDebounce is how long Update waits for further changes before
// writing.
const DefaultDebounce = 500 * time.Millisecond

type file struct {
	Stream domain.StreamPreferences `toml:"stream"`
}

// Defaults returns the preferences used when nothing is persisted.
func Defaults() domain.StreamPreferences {
	return domain.StreamPreferences{Mode: "peer-to-peer"}
}

// Store holds the preferences in memory and writes them back after a quiet
// period. It implements domain.PreferenceStore.
type Store struct {
	path     string
	debounce time.Duration

	mu      sync.Mutex
	prefs   domain.StreamPreferences
	timer   *time.Timer
	dirty   bool
	closed  bool
	lastErr error

	log zerolog.Logger
}

// Load reads path. A missing or invalid file yields defaults; only an
// unreadable file is an error, and the store is still usable then.
func Load(path string, debounce time.Duration) (*Store, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	s := &Store{
		path:     path,
		debounce: debounce,
		prefs:    Defaults(),
		log:      log.With().Str("component", "settings").Logger(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("read settings: %w", err)
	}

	f := file{Stream: Defaults()}
	if _, err := toml.Decode(string(data), &f); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("invalid settings file, using defaults")
		return s, nil
	}
	s.prefs = f.Stream
	return s, nil
}

// Preferences returns a copy of the current preferences.
func (s *Store) Preferences() domain.StreamPreferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// Update applies fn and schedules a write. Repeated updates within the
// debounce window produce one write of the final value.
func (s *Store) Update(fn func(*domain.StreamPreferences)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.prefs
	fn(&s.prefs)
	if s.prefs == before || s.closed {
		return
	}
	s.dirty = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(); err != nil {
			s.log.Error().Err(err).Msg("write settings")
		}
	})
}

// Flush writes pending changes now.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		return s.lastErr
	}
	s.lastErr = s.write(s.prefs)
	if s.lastErr == nil {
		s.dirty = false
	}
	return s.lastErr
}

// Close flushes pending changes and stops further writes.
func (s *Store) Close() error {
	err := s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

func (s *Store) write(prefs domain.StreamPreferences) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(file{Stream: prefs}); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	s.log.Debug().Str("path", s.path).Str("mode", prefs.Mode).Str("device", prefs.DeviceID).Msg("settings saved")
	return nil
}
