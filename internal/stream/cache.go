package stream

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultStaleAfter is how long a pushed frame stays renderable.
const DefaultStaleAfter = 10 * time.Second

// ErrNotJPEG is returned for payloads without a JPEG start-of-image marker.
var ErrNotJPEG = errors.New("payload is not a JPEG image")

var jpegSOI = []byte{0xFF, 0xD8}

type cachedFrame struct {
	jpeg []byte
	at   time.Time
}

// FrameCache keeps the latest pushed frame per device.
type FrameCache struct {
	mu         sync.Mutex
	staleAfter time.Duration
	frames     map[string]cachedFrame
}

// NewFrameCache creates a cache. staleAfter <= 0 selects DefaultStaleAfter.
func NewFrameCache(staleAfter time.Duration) *FrameCache {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &FrameCache{staleAfter: staleAfter, frames: make(map[string]cachedFrame)}
}

// Put decodes base64JPEG and stores it as deviceID's latest frame. Out of
// order frames older than the cached one are ignored.
func (c *FrameCache) Put(deviceID, base64JPEG string, at time.Time) error {
	jpeg, err := DecodeJPEG(base64JPEG)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.frames[deviceID]; ok && at.Before(cur.at) {
		return nil
	}
	c.frames[deviceID] = cachedFrame{jpeg: jpeg, at: at}
	return nil
}

// Get returns deviceID's latest frame if it is younger than the staleness
// threshold at now.
func (c *FrameCache) Get(deviceID string, now time.Time) ([]byte, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.frames[deviceID]
	if !ok || now.Sub(f.at) >= c.staleAfter {
		return nil, time.Time{}, false
	}
	return f.jpeg, f.at, true
}

// Clear drops every cached frame.
func (c *FrameCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.frames)
}

// DecodeJPEG decodes a base64 payload, optionally wrapped in a data URI,
// and checks the JPEG signature.
func DecodeJPEG(s string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		_, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, fmt.Errorf("malformed data URI")
		}
		s = payload
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if !bytes.HasPrefix(b, jpegSOI) {
		return nil, ErrNotJPEG
	}
	return b, nil
}
