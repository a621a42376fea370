package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/beocontrol/beocontrol/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestAccessors(t *testing.T) {
	path := writeConfig(t, `{
		"device": "Living Room",
		"volume": {"type": "beolab5", "max": 70, "step": 3},
		"transport": {"mode": "both"}
	}`)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if got := cfg.String("device", ""); got != "Living Room" {
		t.Errorf("device = %q, want %q", got, "Living Room")
	}
	if got := cfg.Int("volume.max", 100); got != 70 {
		t.Errorf("volume.max = %d, want 70", got)
	}
	if got := cfg.Int("volume.missing", 42); got != 42 {
		t.Errorf("default int = %d, want 42", got)
	}
	if got := cfg.String("transport.mode", "webhook"); got != "both" {
		t.Errorf("transport.mode = %q, want both", got)
	}
	if got := cfg.String("nope.nope", "dflt"); got != "dflt" {
		t.Errorf("missing path = %q, want default", got)
	}
}

func TestMenuPreservesOrder(t *testing.T) {
	path := writeConfig(t, `{
		"menu": {
			"PLAYING": "playing",
			"CD": {"id": "cd", "hidden": true},
			"SPOTIFY": "spotify",
			"GATE": {"id": "gate", "url": "http://localhost/gate"},
			"SYSTEM": "system"
		}
	}`)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	menu := cfg.Menu()
	wantIDs := []string{"playing", "cd", "spotify", "gate", "system"}
	if len(menu) != len(wantIDs) {
		t.Fatalf("got %d entries, want %d", len(menu), len(wantIDs))
	}
	for i, want := range wantIDs {
		if menu[i].ID != want {
			t.Errorf("entry %d = %q, want %q", i, menu[i].ID, want)
		}
	}
	if !menu[1].Hidden {
		t.Error("cd entry should be hidden")
	}
	if menu[3].URL != "http://localhost/gate" {
		t.Errorf("gate URL = %q", menu[3].URL)
	}
	if menu[0].Title != "PLAYING" {
		t.Errorf("title = %q, want PLAYING", menu[0].Title)
	}
}

func TestMenuMissing(t *testing.T) {
	path := writeConfig(t, `{"device": "x"}`)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if menu := cfg.Menu(); menu != nil {
		t.Errorf("expected nil menu, got %v", menu)
	}
}

func TestReload(t *testing.T) {
	path := writeConfig(t, `{"device": "before"}`)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"device": "after"}`), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := cfg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := cfg.String("device", ""); got != "after" {
		t.Errorf("device after reload = %q, want after", got)
	}
}
