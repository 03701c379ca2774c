// Package directory resolves device identifiers to directory entries.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gardencam/live/internal/domain"
)

const requestTimeout = 10 * time.Second

// Client looks devices up in the garden backend's HTTP directory.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the directory rooted at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

// Lookup fetches GET {base}/devices/{id}. A 404 is ErrUnknownDevice.
func (c *Client) Lookup(ctx context.Context, deviceID string) (domain.Device, error) {
	endpoint := c.base + "/devices/" + url.PathEscape(deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Device{}, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Device{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return domain.Device{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Device{}, fmt.Errorf("%w: %s", domain.ErrUnknownDevice, deviceID)
	case resp.StatusCode != http.StatusOK:
		return domain.Device{}, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var dev domain.Device
	if err := json.Unmarshal(body, &dev); err != nil {
		return domain.Device{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if dev.ID == "" {
		dev.ID = deviceID
	}
	return dev, nil
}

// Static serves a fixed table, typically parsed from configuration.
type Static struct {
	devices map[string]domain.Device
}

// NewStatic indexes devices by ID.
func NewStatic(devices []domain.Device) *Static {
	s := &Static{devices: make(map[string]domain.Device, len(devices))}
	for _, d := range devices {
		s.devices[d.ID] = d
	}
	return s
}

func (s *Static) Lookup(_ context.Context, deviceID string) (domain.Device, error) {
	d, ok := s.devices[deviceID]
	if !ok {
		return domain.Device{}, fmt.Errorf("%w: %s", domain.ErrUnknownDevice, deviceID)
	}
	return d, nil
}

// Chain asks each directory in turn and returns the first hit. Errors other
// than ErrUnknownDevice stop the search.
type Chain []domain.DeviceDirectory

func (c Chain) Lookup(ctx context.Context, deviceID string) (domain.Device, error) {
	for _, d := range c {
		dev, err := d.Lookup(ctx, deviceID)
		if err == nil {
			return dev, nil
		}
		if !errors.Is(err, domain.ErrUnknownDevice) {
			return domain.Device{}, err
		}
	}
	return domain.Device{}, fmt.Errorf("%w: %s", domain.ErrUnknownDevice, deviceID)
}
