package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beocontrol/beocontrol/internal/config"
	"github.com/beocontrol/beocontrol/internal/models"
	"github.com/beocontrol/beocontrol/internal/transport"
)

func TestDeviceSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Living Room", "living_room"},
		{"BeoSound 5c", "beosound_5c"},
		{"  Küche  ", "k_che"},
		{"a//b##c++d", "a_b_c_d"},
		{"___", "default"},
		{"", "default"},
		{"already_fine", "already_fine"},
	}
	for _, tt := range tests {
		if got := transport.DeviceSlug(tt.in); got != tt.want {
			t.Errorf("DeviceSlug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func configFor(t *testing.T, content string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	return cfg
}

func TestWebhookSend(t *testing.T) {
	got := make(chan models.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev models.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode body: %v", err)
		}
		got <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := configFor(t, `{
		"device": "Test",
		"transport": {"mode": "webhook"},
		"home_assistant": {"webhook_url": "`+srv.URL+`"}
	}`)
	tr := transport.New(cfg)
	tr.Start()
	defer tr.Stop()

	tr.SendEvent(context.Background(), models.Event{Action: "red", DeviceType: "Light"})

	select {
	case ev := <-got:
		if ev.Action != "red" || ev.DeviceType != "Light" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook never received the event")
	}
}

// A timing-out webhook must not block SendEvent beyond its own budget
// and must not propagate an error.
func TestWebhookTimeoutSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	cfg := configFor(t, `{
		"transport": {"mode": "webhook"},
		"home_assistant": {"webhook_url": "`+srv.URL+`"}
	}`)
	tr := transport.New(cfg)
	tr.Start()
	defer tr.Stop()

	start := time.Now()
	tr.SendEvent(context.Background(), models.Event{Action: "go", DeviceType: "Audio"})
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("SendEvent took %v, want < 1.5s", elapsed)
	}
}

// In both mode, a dead webhook must not prevent the send from
// completing (the bus side fails independently because no broker is
// reachable in tests, which is also swallowed).
func TestBothModeIndependentChannels(t *testing.T) {
	cfg := configFor(t, `{
		"device": "Test",
		"transport": {"mode": "both", "mqtt_broker": "127.0.0.1", "mqtt_port": 1},
		"home_assistant": {"webhook_url": "http://127.0.0.1:1/nope"}
	}`)
	tr := transport.New(cfg)
	tr.Start()
	defer tr.Stop()

	done := make(chan struct{})
	go func() {
		tr.SendEvent(context.Background(), models.Event{Action: "off", DeviceType: "Audio"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("SendEvent hung in both mode")
	}
}

func TestModeAliases(t *testing.T) {
	cfg := configFor(t, `{"transport": {"mode": "mqtt"}}`)
	tr := transport.New(cfg)
	if tr.Mode != transport.ModeBus {
		t.Errorf("mode = %q, want bus", tr.Mode)
	}
}
