// Package registry tracks every known source, its lifecycle state, and
// the single active slot. All broadcasts driven by state transitions
// originate here.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/beocontrol/beocontrol/internal/config"
	"github.com/beocontrol/beocontrol/internal/models"
)

// staticViews are menu entry ids that name a built-in UI view rather
// than a source.
var staticViews = map[string]bool{
	"showing": true,
	"system":  true,
	"scenes":  true,
	"playing": true,
}

// Broadcaster fans an event out to the UI clients via the bridge.
// Delivery is best-effort; implementations log failures and return.
type Broadcaster interface {
	Broadcast(ctx context.Context, typ string, data map[string]any)
}

// CommandClient POSTs a command body to a source's command URL.
type CommandClient interface {
	PostCommand(ctx context.Context, url string, body any) error
}

// Source is one registry entry.
type Source struct {
	ID         string
	Name       string
	CommandURL string
	MenuPreset string
	Handles    map[string]bool
	Player     string
	State      string

	// FromConfig sources have a menu entry declared in config;
	// ad-hoc sources are appended to the menu on first registration.
	FromConfig    bool
	InitialHidden bool

	registeredAt time.Time
}

// Handles reports whether the source claims the action.
func (s *Source) HandlesAction(action string) bool {
	return s.Handles[action]
}

// Active reports whether the source holds the active slot by state.
func (s *Source) Active() bool {
	return s.State == models.StatePlaying || s.State == models.StatePaused
}

// Delta is the registry change returned from Update, echoed back to
// the registering source.
type Delta struct {
	ID           string `json:"id"`
	Previous     string `json:"previous"`
	State        string `json:"state"`
	ActiveSource string `json:"active_source"`
}

// Registry is the source table plus the active slot. Every mutation
// goes through Update under one mutex, which serializes active-slot
// transitions: a stop request to the outgoing source completes before
// the source_change broadcast for the incoming one.
type Registry struct {
	mu       sync.Mutex
	sources  map[string]*Source
	adhoc    []string // ad-hoc source ids in registration order
	menu     []config.MenuEntry
	activeID string

	bc Broadcaster
	cc CommandClient

	// AutoPower, when set, is invoked for a playing registration that
	// carries auto_power=true. The router wires it to the volume
	// adapter's power-on path.
	AutoPower func(ctx context.Context)
}

// New builds the registry from the configured menu. Source entries in
// the menu pre-populate the table in state gone.
func New(menu []config.MenuEntry, bc Broadcaster, cc CommandClient) *Registry {
	r := &Registry{
		sources: make(map[string]*Source),
		menu:    menu,
		bc:      bc,
		cc:      cc,
	}
	for _, e := range menu {
		if staticViews[e.ID] || e.URL != "" {
			continue
		}
		r.sources[e.ID] = &Source{
			ID:            e.ID,
			Name:          e.Title,
			State:         models.StateGone,
			FromConfig:    true,
			InitialHidden: e.Hidden,
		}
	}
	return r
}

// SetMenu replaces the configured menu after a config reload. Ad-hoc
// sources, registered state, and the active slot are untouched; a
// running ad-hoc source that gained a config entry moves into it.
func (r *Registry) SetMenu(menu []config.MenuEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.menu = menu
	for _, e := range menu {
		if staticViews[e.ID] || e.URL != "" {
			continue
		}
		src, ok := r.sources[e.ID]
		if !ok {
			r.sources[e.ID] = &Source{
				ID:            e.ID,
				Name:          e.Title,
				State:         models.StateGone,
				FromConfig:    true,
				InitialHidden: e.Hidden,
			}
			continue
		}
		if !src.FromConfig {
			r.removeAdhoc(src.ID)
		}
		src.FromConfig = true
		src.InitialHidden = e.Hidden
		if src.State == models.StateGone {
			src.Name = e.Title
		}
	}
}

// Update applies one registration payload: state transition, active
// slot maintenance, and the UI broadcasts the transition implies.
func (r *Registry) Update(ctx context.Context, u models.SourceUpdate) Delta {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, known := r.sources[u.ID]
	if !known {
		src = &Source{ID: u.ID, State: models.StateGone}
		r.sources[u.ID] = src
	}
	prev := src.State

	if u.Name != "" {
		src.Name = u.Name
	}
	if u.CommandURL != "" {
		src.CommandURL = u.CommandURL
	}
	if u.MenuPreset != "" {
		src.MenuPreset = u.MenuPreset
	}
	if u.Player != "" {
		src.Player = u.Player
	}
	if u.Handles != nil {
		src.Handles = make(map[string]bool, len(u.Handles))
		for _, h := range u.Handles {
			src.Handles[h] = true
		}
	}
	src.State = u.State
	src.registeredAt = time.Now()

	slog.Info("source update", "id", u.ID, "state", u.State, "previous", prev)

	switch u.State {
	case models.StateAvailable:
		r.appeared(ctx, src, prev)
		if r.activeID == src.ID && prev != models.StateAvailable {
			// Active source stepping down.
			r.activeID = ""
			r.bc.Broadcast(ctx, "source_change", map[string]any{
				"active_source": nil,
				"player":        nil,
			})
		}

	case models.StatePlaying, models.StatePaused:
		r.appeared(ctx, src, prev)
		if r.activeID != src.ID {
			r.takeSlot(ctx, src, u.AutoPower)
		}

	case models.StateGone:
		r.departed(ctx, src, prev)
	}

	if u.Navigate && (u.State == models.StateAvailable || u.State == models.StatePlaying) {
		r.bc.Broadcast(ctx, "navigate", map[string]any{"page": "menu/" + src.ID})
	}

	return Delta{ID: src.ID, Previous: prev, State: src.State, ActiveSource: r.activeID}
}

// appeared handles the gone -> visible edge. Re-registering an already
// visible source broadcasts nothing.
func (r *Registry) appeared(ctx context.Context, src *Source, prev string) {
	if prev != models.StateGone {
		return
	}
	switch {
	case src.FromConfig && src.InitialHidden:
		r.bc.Broadcast(ctx, "menu_item", map[string]any{"change": "show", "path": src.ID})
	case !src.FromConfig:
		r.adhoc = append(r.adhoc, src.ID)
		r.bc.Broadcast(ctx, "menu_item", map[string]any{
			"change": "add",
			"path":   src.ID,
			"title":  src.Name,
			"preset": src.MenuPreset,
			"after":  r.afterForLocked(src.ID),
		})
	}
}

// takeSlot moves the active slot to src: the outgoing source is asked
// to stop first, then the change is announced.
func (r *Registry) takeSlot(ctx context.Context, src *Source, autoPower bool) {
	if prev, ok := r.sources[r.activeID]; ok && r.activeID != "" {
		if prev.CommandURL != "" {
			if err := r.cc.PostCommand(ctx, prev.CommandURL, map[string]any{"action": "stop"}); err != nil {
				slog.Warn("stop request to previous source failed", "id", prev.ID, "err", err)
			}
		}
		if prev.Active() {
			prev.State = models.StateAvailable
		}
	}
	r.activeID = src.ID
	r.bc.Broadcast(ctx, "source_change", map[string]any{
		"active_source": src.ID,
		"source_name":   src.Name,
		"player":        src.Player,
	})
	if autoPower && r.AutoPower != nil {
		r.AutoPower(ctx)
	}
}

// departed handles any -> gone.
func (r *Registry) departed(ctx context.Context, src *Source, prev string) {
	if r.activeID == src.ID {
		r.activeID = ""
		r.bc.Broadcast(ctx, "source_change", map[string]any{
			"active_source": nil,
			"player":        nil,
		})
	}
	if prev == models.StateGone {
		return
	}
	switch {
	case src.FromConfig && src.InitialHidden:
		r.bc.Broadcast(ctx, "menu_item", map[string]any{"change": "hide", "path": src.ID})
	case !src.FromConfig:
		r.removeAdhoc(src.ID)
		r.bc.Broadcast(ctx, "menu_item", map[string]any{"change": "remove", "path": src.ID})
	}
}

func (r *Registry) removeAdhoc(id string) {
	for i, a := range r.adhoc {
		if a == id {
			r.adhoc = append(r.adhoc[:i], r.adhoc[i+1:]...)
			return
		}
	}
}

// afterForLocked returns the id of the entry the new ad-hoc item should
// follow: the last visible entry of the current menu.
func (r *Registry) afterForLocked(id string) string {
	items := r.menuLocked()
	after := ""
	for _, it := range items {
		if it.ID == id {
			break
		}
		if !it.Hidden {
			after = it.ID
		}
	}
	return after
}

// Active returns the active source, or nil.
func (r *Registry) Active() *Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeID == "" {
		return nil
	}
	return r.sources[r.activeID]
}

// ActiveID returns the active source id, "" when none.
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// Get returns the source with the given id, or nil.
func (r *Registry) Get(id string) *Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sources[id]
}

// Menu builds the current ordered menu: configured entries in config
// order, then ad-hoc sources in registration order.
func (r *Registry) Menu() models.Menu {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := models.Menu{Items: r.menuLocked(), ActiveSource: r.activeID}
	if src, ok := r.sources[r.activeID]; ok && r.activeID != "" {
		m.ActivePlayer = src.Player
	}
	return m
}

func (r *Registry) menuLocked() []models.MenuItem {
	var items []models.MenuItem
	for _, e := range r.menu {
		item := models.MenuItem{ID: e.ID, Title: e.Title, Hidden: e.Hidden}
		if e.URL != "" {
			item.Type = "webpage"
			item.URL = e.URL
			items = append(items, item)
			continue
		}
		if src, ok := r.sources[e.ID]; ok && src.FromConfig {
			// Hidden config sources surface only while registered.
			if e.Hidden && src.State == models.StateGone {
				continue
			}
			item.Hidden = false
			item.Preset = src.MenuPreset
		}
		items = append(items, item)
	}
	for _, id := range r.adhoc {
		src, ok := r.sources[id]
		if !ok || src.State == models.StateGone {
			continue
		}
		items = append(items, models.MenuItem{
			ID:      src.ID,
			Title:   src.Name,
			Preset:  src.MenuPreset,
			Dynamic: true,
		})
	}
	return items
}

// Snapshot lists every non-gone source sorted by id, for /router/status.
func (r *Registry) Snapshot() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, src := range r.sources {
		if src.State == models.StateGone {
			continue
		}
		out = append(out, map[string]any{
			"id":     src.ID,
			"name":   src.Name,
			"state":  src.State,
			"player": src.Player,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["id"].(string) < out[j]["id"].(string)
	})
	return out
}
