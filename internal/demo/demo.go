// Package demo is a minimal source that plays a fixed list of stream
// URLs through the player service. It exists to exercise the source
// scaffold and the remote-player path without any hardware attached.
package demo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/beocontrol/beocontrol/internal/config"
	"github.com/beocontrol/beocontrol/internal/models"
	"github.com/beocontrol/beocontrol/internal/player"
	"github.com/beocontrol/beocontrol/internal/source"
)

// Station is one fixed playlist entry.
type Station struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

var defaultStations = []Station{
	{Name: "Radio Paradise", URL: "https://stream.radioparadise.com/aac-320"},
	{Name: "FIP", URL: "https://icecast.radiofrance.fr/fip-hifi.aac"},
	{Name: "SomaFM Groove Salad", URL: "https://ice2.somafm.com/groovesalad-128-aac"},
}

var actionMap = map[string]string{
	"go":    "toggle",
	"play":  "toggle",
	"pause": "pause",
	"right": "next",
	"left":  "prev",
	"stop":  "stop",
}

// Demo drives the player with the station list.
type Demo struct {
	svc     *source.Service
	player  *player.Client
	station []Station

	mu      sync.Mutex
	index   int
	playing bool
}

// NewService builds the demo source from config. Stations come from
// demo.stations when present, else the built-in list.
func NewService(cfg *config.Config) (*Demo, *source.Service) {
	d := &Demo{
		player:  player.NewClient(cfg.String("player.url", "http://localhost:8766")),
		station: stationsFromConfig(cfg),
	}
	svc := source.New(source.Options{
		ID:         "demo",
		Name:       cfg.String("demo.name", "Demo"),
		Port:       cfg.Int("demo.port", 8775),
		Player:     models.PlayerRemote,
		MenuPreset: "demo",
		Handles:    []string{"go", "play", "pause", "stop", "left", "right"},
		ActionMap:  actionMap,
		RouterURL:  cfg.String("router.url", ""),
		BridgeURL:  cfg.String("bridge.url", ""),
	}, d)
	d.svc = svc
	return d, svc
}

func stationsFromConfig(cfg *config.Config) []Station {
	section := cfg.Section("demo")
	raw, ok := section["stations"].([]any)
	if !ok {
		return slices.Clone(defaultStations)
	}
	var stations []Station
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		url, _ := m["url"].(string)
		if name != "" && url != "" {
			stations = append(stations, Station{Name: name, URL: url})
		}
	}
	if len(stations) == 0 {
		return slices.Clone(defaultStations)
	}
	return stations
}

// Start registers with the router and checks the player can take URL
// streams at all.
func (d *Demo) Start(ctx context.Context) error {
	caps, err := d.player.Capabilities(ctx)
	if err != nil {
		slog.Warn("player capability check failed", "err", err)
	} else if !slices.Contains(caps, "url_stream") {
		return fmt.Errorf("player does not support url streams")
	}
	return d.svc.RegisterInitial(ctx, models.StateAvailable)
}

// HandleCommand implements source.Commander.
func (d *Demo) HandleCommand(ctx context.Context, command string, params map[string]any) error {
	switch command {
	case "toggle":
		d.mu.Lock()
		playing := d.playing
		d.mu.Unlock()
		if playing {
			if err := d.player.Pause(ctx); err != nil {
				return err
			}
			d.setPlaying(ctx, false)
			return nil
		}
		return d.playCurrent(ctx)
	case "pause":
		if err := d.player.Pause(ctx); err != nil {
			return err
		}
		d.setPlaying(ctx, false)
	case "next":
		d.step(1)
		return d.playCurrent(ctx)
	case "prev":
		d.step(-1)
		return d.playCurrent(ctx)
	case "stop":
		if err := d.player.Stop(ctx); err != nil {
			return err
		}
		d.mu.Lock()
		d.playing = false
		d.mu.Unlock()
		return d.svc.Register(ctx, models.StateAvailable)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

// Status implements source.StatusProvider.
func (d *Demo) Status() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"playing":  d.playing,
		"station":  d.station[d.index].Name,
		"stations": len(d.station),
	}
}

// Resync implements source.Resyncer.
func (d *Demo) Resync(ctx context.Context) {
	d.mu.Lock()
	playing := d.playing
	d.mu.Unlock()
	state := models.StateAvailable
	if playing {
		state = models.StatePlaying
	}
	if err := d.svc.Register(ctx, state); err != nil {
		slog.Warn("demo resync failed", "err", err)
	}
}

func (d *Demo) playCurrent(ctx context.Context) error {
	d.mu.Lock()
	st := d.station[d.index]
	d.mu.Unlock()
	if err := d.player.Play(ctx, map[string]any{"url": st.URL, "title": st.Name}); err != nil {
		return err
	}
	d.setPlaying(ctx, true)
	return nil
}

func (d *Demo) setPlaying(ctx context.Context, playing bool) {
	d.mu.Lock()
	d.playing = playing
	d.mu.Unlock()
	state := models.StatePaused
	if playing {
		state = models.StatePlaying
	}
	var opts []source.RegisterOption
	if playing {
		opts = append(opts, source.WithAutoPower())
	}
	if err := d.svc.Register(ctx, state, opts...); err != nil {
		slog.Warn("demo register failed", "err", err)
	}
}

func (d *Demo) step(delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.index = (d.index + delta + len(d.station)) % len(d.station)
}
