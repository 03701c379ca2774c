package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"gardencam/live/internal/domain"
)

func TestClient_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/devices/dev-42":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"deviceId":"dev-42","displayName":"Tomato Bed","streamUrl":"http://cam.local/mjpeg"}`))
		case "/devices/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")

	dev, err := c.Lookup(context.Background(), "dev-42")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if dev.DisplayName != "Tomato Bed" || dev.StreamURL != "http://cam.local/mjpeg" {
		t.Errorf("unexpected device %+v", dev)
	}

	if _, err := c.Lookup(context.Background(), "dev-404"); !errors.Is(err, domain.ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}

	_, err = c.Lookup(context.Background(), "broken")
	if err == nil || errors.Is(err, domain.ErrUnknownDevice) {
		t.Errorf("expected server error, got %v", err)
	}
}

func TestStatic_Lookup(t *testing.T) {
	s := NewStatic([]domain.Device{{ID: "dev-42", DisplayName: "Tomato Bed"}})

	if dev, err := s.Lookup(context.Background(), "dev-42"); err != nil || dev.DisplayName != "Tomato Bed" {
		t.Errorf("unexpected %+v, %v", dev, err)
	}
	if _, err := s.Lookup(context.Background(), "dev-7"); !errors.Is(err, domain.ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}
}

type failingDirectory struct{ err error }

func (f failingDirectory) Lookup(context.Context, string) (domain.Device, error) {
	return domain.Device{}, f.err
}

func TestChain_Lookup(t *testing.T) {
	first := NewStatic([]domain.Device{{ID: "dev-1", DisplayName: "One"}})
	second := NewStatic([]domain.Device{{ID: "dev-2", DisplayName: "Two"}})
	chain := Chain{first, second}

	if dev, err := chain.Lookup(context.Background(), "dev-2"); err != nil || dev.DisplayName != "Two" {
		t.Errorf("expected fallthrough to second directory, got %+v, %v", dev, err)
	}
	if _, err := chain.Lookup(context.Background(), "dev-3"); !errors.Is(err, domain.ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}

	boom := errors.New("directory offline")
	stop := Chain{failingDirectory{err: boom}, second}
	if _, err := stop.Lookup(context.Background(), "dev-2"); !errors.Is(err, boom) {
		t.Errorf("expected hard error to stop the chain, got %v", err)
	}
}
