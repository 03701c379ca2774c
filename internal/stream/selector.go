package stream

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Selector holds the single active Source. It is owned by one event loop.
type Selector struct {
	active Source
	log    zerolog.Logger
}

func NewSelector() *Selector {
	return &Selector{log: log.With().Str("component", "stream").Logger()}
}

// Activate closes the current source, then makes src current. A nil src
// leaves nothing active.
func (s *Selector) Activate(src Source) {
	if s.active != nil && s.active != src {
		s.log.Debug().Str("mode", string(s.active.Mode())).Str("device", s.active.DeviceID()).Msg("closing source")
		s.active.Close()
	}
	s.active = src
	if src != nil {
		s.log.Info().Str("mode", string(src.Mode())).Str("device", src.DeviceID()).Msg("source active")
	}
}

// Active returns the current source, or nil.
func (s *Selector) Active() Source {
	return s.active
}

// Frame returns the active source's frame.
func (s *Selector) Frame(now time.Time) (Frame, bool) {
	if s.active == nil {
		return Frame{}, false
	}
	return s.active.Frame(now)
}

// Close deactivates the current source.
func (s *Selector) Close() {
	s.Activate(nil)
}
