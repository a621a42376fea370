package demo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/beocontrol/beocontrol/internal/config"
	"github.com/beocontrol/beocontrol/internal/models"
)

type recorded struct {
	playerCalls []string
	playBodies  []map[string]any
	registered  []models.SourceUpdate
}

func fixture(t *testing.T) (*Demo, *recorded) {
	t.Helper()
	rec := &recorded{}

	playerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.playerCalls = append(rec.playerCalls, r.URL.Path)
		if r.URL.Path == "/player/capabilities" {
			json.NewEncoder(w).Encode(map[string]any{"capabilities": []string{"url_stream", "radio"}})
			return
		}
		if r.URL.Path == "/player/play" {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			rec.playBodies = append(rec.playBodies, body)
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(playerSrv.Close)

	routerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/router/source" {
			var u models.SourceUpdate
			json.NewDecoder(r.Body).Decode(&u)
			rec.registered = append(rec.registered, u)
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(routerSrv.Close)

	path := filepath.Join(t.TempDir(), "config.json")
	raw := []byte(`{
		"player": {"url": "` + playerSrv.URL + `"},
		"router": {"url": "` + routerSrv.URL + `"},
		"bridge": {"url": "` + routerSrv.URL + `/webhook"}
	}`)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	d, _ := NewService(cfg)
	return d, rec
}

func TestStartChecksCapabilities(t *testing.T) {
	d, rec := fixture(t)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(rec.playerCalls) == 0 || rec.playerCalls[0] != "/player/capabilities" {
		t.Errorf("player calls = %v", rec.playerCalls)
	}
	if len(rec.registered) != 1 || rec.registered[0].State != models.StateAvailable {
		t.Errorf("registrations = %+v", rec.registered)
	}
}

func TestToggleStartsPlayback(t *testing.T) {
	d, rec := fixture(t)
	ctx := context.Background()

	if err := d.HandleCommand(ctx, "toggle", nil); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if len(rec.playBodies) != 1 {
		t.Fatalf("play bodies = %v", rec.playBodies)
	}
	url, _ := rec.playBodies[0]["url"].(string)
	title, _ := rec.playBodies[0]["title"].(string)
	if url == "" || title == "" {
		t.Errorf("play body = %v", rec.playBodies[0])
	}
	last := rec.registered[len(rec.registered)-1]
	if last.State != models.StatePlaying || !last.AutoPower {
		t.Errorf("registration = %+v", last)
	}

	// Second toggle pauses.
	if err := d.HandleCommand(ctx, "toggle", nil); err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	last = rec.registered[len(rec.registered)-1]
	if last.State != models.StatePaused {
		t.Errorf("after pause registration = %+v", last)
	}
}

func TestNextWrapsAround(t *testing.T) {
	d, rec := fixture(t)
	ctx := context.Background()

	total := len(d.station)
	for i := 0; i < total; i++ {
		if err := d.HandleCommand(ctx, "next", nil); err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
	}
	if d.index != 0 {
		t.Errorf("index = %d after full cycle, want 0", d.index)
	}
	if len(rec.playBodies) != total {
		t.Errorf("plays = %d, want %d", len(rec.playBodies), total)
	}
}

func TestStopReleasesSlot(t *testing.T) {
	d, rec := fixture(t)
	ctx := context.Background()

	if err := d.HandleCommand(ctx, "toggle", nil); err != nil {
		t.Fatal(err)
	}
	if err := d.HandleCommand(ctx, "stop", nil); err != nil {
		t.Fatal(err)
	}
	last := rec.registered[len(rec.registered)-1]
	if last.State != models.StateAvailable {
		t.Errorf("after stop = %+v", last)
	}
	if got := d.Status()["playing"]; got != false {
		t.Errorf("status playing = %v", got)
	}
}

func TestStationsFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := []byte(`{"demo": {"stations": [
		{"name": "One", "url": "http://a"},
		{"name": "Two", "url": "http://b"},
		{"bad": true}
	]}}`)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	stations := stationsFromConfig(cfg)
	if len(stations) != 2 || stations[0].Name != "One" || stations[1].URL != "http://b" {
		t.Errorf("stations = %+v", stations)
	}
}
