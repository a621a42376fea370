package cd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/beocontrol/beocontrol/internal/config"
	"github.com/beocontrol/beocontrol/internal/models"
	"github.com/beocontrol/beocontrol/internal/source"
)

// actionMap translates raw remote actions into CD commands. Digits go
// straight to track selection.
var actionMap = map[string]string{
	"go":     "toggle",
	"play":   "play",
	"pause":  "pause",
	"right":  "next",
	"left":   "prev",
	"stop":   "stop",
	"green":  "shuffle",
	"yellow": "repeat",
	"blue":   "eject",
	"info":   "announce",
	"track":  "announce",
	"0":      "play_track", "1": "play_track", "2": "play_track",
	"3": "play_track", "4": "play_track", "5": "play_track",
	"6": "play_track", "7": "play_track", "8": "play_track",
	"9": "play_track",
}

// CD is the optical disc source: it owns the drive watcher, the
// playback engine, and the metadata state, and speaks to the router
// through the source scaffold.
type CD struct {
	svc       *source.Service
	engine    *Engine
	watcher   *Watcher
	meta      *MetadataFetcher
	announcer *Announcer
	ripper    *Ripper
	sinks     *SinkSelector
	device    string
	// preferredSink matches the configured player host against
	// discovered AirPlay outputs at startup.
	preferredSink string

	mu           sync.Mutex
	md           *DiscMetadata
	discInserted bool
}

// NewService builds the CD source from config.
func NewService(cfg *config.Config) (*CD, *source.Service) {
	device := cfg.String("cd.device", "/dev/sr0")
	workDir := cfg.String("cd.work_dir", "/tmp/beocd")
	cacheDir := cfg.String("cd.cache_dir", "/var/cache/beocontrol/cd")

	c := &CD{
		device:        device,
		meta:          NewMetadataFetcher(cacheDir),
		ripper:        NewRipper(device),
		sinks:         NewSinkSelector(),
		preferredSink: cfg.String("player.host", ""),
	}
	c.engine = NewEngine(device, workDir, c)
	c.watcher = NewWatcher(device, c)
	c.announcer = NewAnnouncer(c.engine, workDir)

	svc := source.New(source.Options{
		ID:         "cd",
		Name:       cfg.String("cd.name", "CD"),
		Port:       cfg.Int("cd.port", 8769),
		Player:     models.PlayerLocal,
		MenuPreset: "cd",
		Handles: []string{
			"go", "play", "pause", "stop", "left", "right",
			"green", "yellow", "blue", "info", "track",
			"0", "1", "2", "3", "4", "5", "6", "7", "8", "9",
		},
		ActionMap: actionMap,
		RouterURL: cfg.String("router.url", ""),
		BridgeURL: cfg.String("bridge.url", ""),
	}, c)
	c.svc = svc
	return c, svc
}

// Run starts the drive watcher and blocks until ctx is cancelled, then
// tears playback down.
func (c *CD) Run(ctx context.Context) {
	go func() {
		if err := c.sinks.Discover(ctx); err != nil {
			slog.Debug("airplay discovery failed", "err", err)
			return
		}
		if c.preferredSink == "" {
			return
		}
		for _, sp := range c.sinks.Speakers() {
			if sp.Host == c.preferredSink {
				if err := c.sinks.Select(ctx, sp.Name); err != nil {
					slog.Warn("default sink selection failed", "speaker", sp.Name, "err", err)
				}
				break
			}
		}
	}()
	c.watcher.Run(ctx)
	c.engine.Stop()
}

// Routes mounts the per-source extras on the scaffold's surface.
func (c *CD) Routes() func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/speakers", c.getSpeakers)
		r.Post("/speakers", c.postSpeaker)
	}
}

// HandleRawAction intercepts the cd source-select button before the
// action map: pressing CD toggles playback of the inserted disc.
func (c *CD) HandleRawAction(action string) (string, map[string]any, bool) {
	if action == "cd" {
		return "toggle", map[string]any{}, true
	}
	return "", nil, false
}

// HandleCommand executes one translated command.
func (c *CD) HandleCommand(ctx context.Context, command string, params map[string]any) error {
	switch command {
	case "toggle":
		if !c.inserted() {
			return fmt.Errorf("no disc")
		}
		if !c.engine.Running() {
			return c.playFrom(ctx, 1)
		}
		if err := c.engine.Toggle(ctx); err != nil {
			return err
		}
		if s, _ := c.engine.State()["state"].(string); s == "paused" {
			c.register(ctx, models.StatePaused)
		} else {
			c.register(ctx, models.StatePlaying)
		}
	case "play":
		if !c.inserted() {
			return fmt.Errorf("no disc")
		}
		if c.engine.Running() {
			if err := c.engine.Resume(); err != nil {
				return err
			}
			c.register(ctx, models.StatePlaying)
		} else if err := c.playFrom(ctx, 0); err != nil {
			return err
		}
	case "pause":
		if err := c.engine.Pause(); err != nil {
			return err
		}
		c.register(ctx, models.StatePaused)
	case "next":
		return c.engine.Next(ctx)
	case "prev":
		return c.engine.Prev(ctx)
	case "stop":
		c.engine.Stop()
		c.register(ctx, models.StateAvailable)
	case "play_track":
		n, err := trackNumber(params)
		if err != nil {
			return err
		}
		return c.playFrom(ctx, n)
	case "shuffle":
		st := c.engine.State()
		c.engine.SetShuffle(!st["shuffle"].(bool))
		c.broadcastState(ctx, "shuffle")
	case "repeat":
		st := c.engine.State()
		c.engine.SetRepeat(!st["repeat"].(bool))
		c.broadcastState(ctx, "repeat")
	case "eject":
		c.engine.Stop()
		if err := Eject(c.device); err != nil {
			return fmt.Errorf("eject: %w", err)
		}
	case "announce":
		text := c.announceText()
		go func() {
			if err := c.announcer.Announce(context.Background(), text); err != nil {
				slog.Warn("announce failed", "err", err)
			}
		}()
	case "rip", "import":
		c.mu.Lock()
		md := c.md
		c.mu.Unlock()
		if md == nil {
			return fmt.Errorf("no disc metadata")
		}
		// The drive cannot serve playback and the rip at the same time.
		if c.engine.Running() {
			c.engine.Stop()
			c.register(ctx, models.StateAvailable)
		}
		return c.ripper.Start(ctx, md)
	case "use_release":
		id, _ := params["release_id"].(string)
		if id == "" {
			return fmt.Errorf("release_id required")
		}
		c.mu.Lock()
		if c.md == nil {
			c.mu.Unlock()
			return fmt.Errorf("no disc metadata")
		}
		md := *c.md
		c.mu.Unlock()
		// The re-resolve runs unlocked so status and commands stay
		// responsive; the swap lands only while the same disc is in.
		updated := c.meta.UseRelease(ctx, &md, id)
		c.mu.Lock()
		if c.md != nil && c.md.DiscID == updated.DiscID {
			c.md = updated
		}
		c.mu.Unlock()
		c.broadcastState(ctx, "release_change")
	case "set_speaker":
		name, _ := params["name"].(string)
		if err := c.sinks.Select(ctx, name); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

// playFrom plays track n, or the first track when n is 0.
func (c *CD) playFrom(ctx context.Context, n int) error {
	c.mu.Lock()
	md := c.md
	c.mu.Unlock()
	if md == nil {
		return fmt.Errorf("no disc")
	}
	if n == 0 {
		n = 1
	}
	if err := c.engine.PlayTrack(ctx, n); err != nil {
		return err
	}
	c.register(ctx, models.StatePlaying, source.WithAutoPower())
	return nil
}

// trackNumber digs the target track out of the command body: an
// explicit track field, or the digit action that was pressed.
func trackNumber(params map[string]any) (int, error) {
	if t, ok := params["track"].(float64); ok {
		return int(t), nil
	}
	if a, ok := params["action"].(string); ok {
		if n, err := strconv.Atoi(a); err == nil {
			if n == 0 {
				n = 10
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("no track in command")
}

// Status feeds GET /status.
func (c *CD) Status() map[string]any {
	c.mu.Lock()
	md := c.md
	inserted := c.discInserted
	c.mu.Unlock()

	st := c.engine.State()
	st["disc_inserted"] = inserted
	st["rip"] = c.ripper.Status()
	if md != nil {
		st["title"] = md.Title
		st["artist"] = md.Artist
		st["disc_id"] = md.DiscID
	}
	return st
}

// Resync answers the router's restart probe: re-register the current
// state and re-broadcast it.
func (c *CD) Resync(ctx context.Context) {
	state := models.StateGone
	if c.inserted() {
		state = models.StateAvailable
		if s, _ := c.engine.State()["state"].(string); s == "playing" {
			state = models.StatePlaying
		} else if s == "paused" {
			state = models.StatePaused
		}
	}
	c.register(ctx, state)
	c.broadcastState(ctx, "resync")
}

// DiscInserted implements DriveEvents. Registration and navigation run
// immediately; metadata resolves in the background and autoplay
// follows it, except inside the startup grace.
func (c *CD) DiscInserted(ctx context.Context, toc *TOC, inGrace bool) {
	c.mu.Lock()
	c.discInserted = true
	c.mu.Unlock()

	opts := []source.RegisterOption{}
	if !inGrace {
		opts = append(opts, source.WithNavigate())
	}
	c.register(ctx, models.StateAvailable, opts...)

	go func() {
		md := c.meta.Lookup(context.Background(), toc)
		c.mu.Lock()
		c.md = md
		stillIn := c.discInserted
		c.mu.Unlock()
		if !stillIn {
			return
		}
		c.engine.Load(toc, md.Tracks)
		c.broadcastState(context.Background(), "disc_loaded")
		if !inGrace {
			if err := c.playFrom(context.Background(), 1); err != nil {
				slog.Warn("autoplay failed", "err", err)
				return
			}
			if !md.FromFallback {
				text := fmt.Sprintf("Playing %s by %s", md.Title, md.Artist)
				if err := c.announcer.Announce(context.Background(), text); err != nil {
					slog.Warn("album announcement failed", "err", err)
				}
			}
		}
	}()
}

// DiscEjected implements DriveEvents: stop, clear, unregister.
func (c *CD) DiscEjected(ctx context.Context) {
	c.engine.Stop()
	c.mu.Lock()
	c.discInserted = false
	c.md = nil
	c.mu.Unlock()
	c.register(ctx, models.StateGone)
}

// DriveConnected implements DriveEvents.
func (c *CD) DriveConnected(context.Context) {}

// DriveDisconnected implements DriveEvents.
func (c *CD) DriveDisconnected(ctx context.Context) {
	c.register(ctx, models.StateGone)
}

// TrackChanged implements EngineEvents: refresh the registration (it
// renews the router's view of us as active) and push the new track.
func (c *CD) TrackChanged(n int) {
	ctx := context.Background()
	c.register(ctx, models.StatePlaying)
	c.broadcastState(ctx, "track_change")
}

// DiscEnded implements EngineEvents.
func (c *CD) DiscEnded() {
	ctx := context.Background()
	c.register(ctx, models.StateAvailable)
	c.broadcastState(ctx, "disc_end")
}

// PauseTimeout implements EngineEvents: the engine already stopped,
// release the active slot.
func (c *CD) PauseTimeout() {
	ctx := context.Background()
	c.register(ctx, models.StateAvailable)
	c.broadcastState(ctx, "pause_timeout")
}

func (c *CD) register(ctx context.Context, state string, opts ...source.RegisterOption) {
	if err := c.svc.Register(ctx, state, opts...); err != nil {
		slog.Warn("cd register failed", "state", state, "err", err)
	}
}

// broadcastState pushes a cd_update with the full engine + metadata
// snapshot.
func (c *CD) broadcastState(ctx context.Context, reason string) {
	data := c.Status()
	data["reason"] = reason
	c.svc.Broadcast(ctx, "cd_update", data)
}

func (c *CD) inserted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discInserted
}

// announceText describes the current playback for the TTS announcer.
func (c *CD) announceText() string {
	c.mu.Lock()
	md := c.md
	c.mu.Unlock()
	st := c.engine.State()
	cur, _ := st["current_track"].(int)
	if md == nil || cur == 0 {
		return "Nothing is playing"
	}
	for _, tr := range md.Tracks {
		if tr.Num == cur {
			return fmt.Sprintf("Playing %s by %s", tr.Title, md.Artist)
		}
	}
	return fmt.Sprintf("Playing track %d from %s", cur, md.Title)
}

func (c *CD) getSpeakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"speakers": c.sinks.Speakers(),
		"current":  c.sinks.Current(),
	})
}

func (c *CD) postSpeaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(models.ErrBadRequest("name required"))
		return
	}
	if err := c.sinks.Select(r.Context(), body.Name); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(models.ErrBadRequest(err.Error()))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
