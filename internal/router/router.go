// Package router implements the central event dispatcher: action
// events in, deliveries out to the active source, the volume adapter,
// or the external automation system.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beocontrol/beocontrol/internal/config"
	"github.com/beocontrol/beocontrol/internal/models"
	"github.com/beocontrol/beocontrol/internal/registry"
	"github.com/beocontrol/beocontrol/internal/transport"
	"github.com/beocontrol/beocontrol/internal/volume"
)

// knownSources maps source id to the local port its process listens
// on, used for the startup resync probe.
var knownSources = map[string]int{
	"cd":      8769,
	"spotify": 8771,
	"usb":     8772,
	"demo":    8775,
	"news":    8776,
}

// localActions are the navigation buttons a button-eating view keeps
// to itself instead of forwarding to the automation system.
var localActions = map[string]bool{
	"go": true, "left": true, "right": true, "up": true, "down": true,
}

const forwardTimeout = time.Second

// Router owns the registry, the volume adapter, the menu, and the
// transport. One instance per process; handlers close over it.
type Router struct {
	cfg *config.Config
	reg *registry.Registry
	vol volume.Adapter
	tr  *transport.Transport
	bc  registry.Broadcaster

	httpc *http.Client

	mu           sync.Mutex
	volume       float64
	balance      float64
	activeView   string
	outputDevice string

	step        float64
	balanceStep float64
	maxVolume   float64
	localViews  map[string]bool
}

// New wires the router from its collaborators. The registry's
// auto-power hook is bound to the adapter's power-on path.
func New(cfg *config.Config, reg *registry.Registry, vol volume.Adapter, tr *transport.Transport, bc registry.Broadcaster) *Router {
	rt := &Router{
		cfg:          cfg,
		reg:          reg,
		vol:          vol,
		tr:           tr,
		bc:           bc,
		httpc:        &http.Client{Timeout: forwardTimeout},
		step:         float64(cfg.Int("volume.step", 2)),
		balanceStep:  float64(cfg.Int("volume.balance_step", 1)),
		maxVolume:    float64(cfg.Int("volume.max", volume.DefaultMax)),
		outputDevice: cfg.String("volume.type", "passthrough"),
		localViews:   map[string]bool{"system": true},
	}
	for _, v := range cfg.Strings("router.local_views") {
		rt.localViews[v] = true
	}
	reg.AutoPower = rt.powerOnIfOff
	return rt
}

// ReloadSettings re-reads the volume tuning and the local view set
// from the config, applied after a hot reload.
func (rt *Router) ReloadSettings() {
	views := map[string]bool{"system": true}
	for _, v := range rt.cfg.Strings("router.local_views") {
		views[v] = true
	}
	rt.mu.Lock()
	rt.step = float64(rt.cfg.Int("volume.step", 2))
	rt.balanceStep = float64(rt.cfg.Int("volume.balance_step", 1))
	rt.maxVolume = float64(rt.cfg.Int("volume.max", volume.DefaultMax))
	rt.localViews = views
	rt.mu.Unlock()
}

// Route dispatches one action event. Steps run in order and the first
// match is terminal; "off" powers the output down and still forwards.
// Destination failures are logged and swallowed, never retried.
func (rt *Router) Route(ctx context.Context, ev models.Event) {
	audio := ev.DeviceType == "Audio"

	// Active source first: it outranks every other consumer for the
	// actions it claims.
	if audio {
		if src := rt.reg.Active(); src != nil && src.HandlesAction(ev.Action) && src.CommandURL != "" {
			rt.forward(ctx, src, ev)
			return
		}
	}

	// Source-select button: the action names a known source.
	if src := rt.reg.Get(ev.Action); src != nil && src.State != models.StateGone && src.CommandURL != "" {
		rt.forward(ctx, src, ev)
		return
	}

	if audio {
		switch ev.Action {
		case "volup", "voldown":
			rt.stepVolume(ev.Action == "volup")
			return
		case "chup", "chdown":
			rt.stepBalance(ev.Action == "chup")
			return
		}
	}

	if audio && ev.Action == "off" {
		// Power down, then let the automation system see the press too.
		if pc, ok := rt.vol.(volume.PowerController); ok {
			go pc.PowerOff(context.Background())
		}
	} else if rt.viewEats(ev.Action) {
		slog.Debug("event eaten by local view", "action", ev.Action, "view", rt.ActiveView())
		return
	}

	rt.tr.SendEvent(ctx, ev)
}

// forward POSTs the raw event to a source's command endpoint.
func (rt *Router) forward(ctx context.Context, src *registry.Source, ev models.Event) {
	if err := rt.PostCommand(ctx, src.CommandURL, ev); err != nil {
		slog.Warn("source forward failed", "id", src.ID, "action", ev.Action, "err", err)
		return
	}
	slog.Debug("event forwarded", "id", src.ID, "action", ev.Action)
}

// PostCommand sends a JSON body to url with the forward timeout. Also
// satisfies the registry's CommandClient for stop requests.
func (rt *Router) PostCommand(ctx context.Context, url string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := rt.httpc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func (rt *Router) stepVolume(up bool) {
	rt.mu.Lock()
	if up {
		rt.volume += rt.step
	} else {
		rt.volume -= rt.step
	}
	if rt.volume > rt.maxVolume {
		rt.volume = rt.maxVolume
	}
	if rt.volume < 0 {
		rt.volume = 0
	}
	v := rt.volume
	rt.mu.Unlock()

	if up {
		rt.powerOnIfOff(context.Background())
	}
	// The adapter debounces, so repeat presses coalesce into one write.
	rt.vol.SetVolume(context.Background(), v)
}

// powerOnIfOff powers the adapter on when its cached state is
// known-off. Runs the device call off the event path.
func (rt *Router) powerOnIfOff(context.Context) {
	pc, ok := rt.vol.(volume.PowerController)
	if !ok {
		return
	}
	if on, known := pc.IsOnCached(); known && !on {
		go pc.PowerOn(context.Background())
	}
}

func (rt *Router) stepBalance(right bool) {
	rt.mu.Lock()
	if right {
		rt.balance += rt.balanceStep
	} else {
		rt.balance -= rt.balanceStep
	}
	if rt.balance > 20 {
		rt.balance = 20
	}
	if rt.balance < -20 {
		rt.balance = -20
	}
	b := rt.balance
	rt.mu.Unlock()

	if bc, ok := rt.vol.(volume.BalanceController); ok {
		go bc.SetBalance(context.Background(), b)
	}
}

// SetVolume applies a UI-initiated absolute volume. No echo broadcast.
func (rt *Router) SetVolume(v float64) {
	rt.mu.Lock()
	if v > rt.maxVolume {
		v = rt.maxVolume
	}
	if v < 0 {
		v = 0
	}
	rt.volume = v
	rt.mu.Unlock()
	rt.vol.SetVolume(context.Background(), v)
}

// ReportVolume records a volume observed on the device itself. The
// adapter is not written; only state and the UI are updated.
func (rt *Router) ReportVolume(v float64) {
	rt.mu.Lock()
	rt.volume = v
	rt.mu.Unlock()
}

// BroadcastVolume echoes a device-reported volume to UI clients.
func (rt *Router) BroadcastVolume(ctx context.Context, v float64) {
	if rt.bc != nil {
		rt.bc.Broadcast(ctx, "volume", map[string]any{"volume": v})
	}
}

// Volume returns the current volume state.
func (rt *Router) Volume() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.volume
}

// Balance returns the current balance state.
func (rt *Router) Balance() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.balance
}

// SetActiveView records the view the UI reports as frontmost.
func (rt *Router) SetActiveView(view string) {
	rt.mu.Lock()
	rt.activeView = view
	rt.mu.Unlock()
}

// ActiveView returns the last reported UI view.
func (rt *Router) ActiveView() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.activeView
}

func (rt *Router) viewEats(action string) bool {
	if !localActions[action] {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.localViews[rt.activeView]
}

// PowerOutput switches the adapter's power. on=false is also reachable
// through the "off" button path.
func (rt *Router) PowerOutput(ctx context.Context, on bool) error {
	pc, ok := rt.vol.(volume.PowerController)
	if !ok {
		return fmt.Errorf("output has no power control")
	}
	if on {
		pc.PowerOn(ctx)
	} else {
		pc.PowerOff(ctx)
	}
	return nil
}

// Status is the /router/status payload.
func (rt *Router) Status() map[string]any {
	rt.mu.Lock()
	v, b, view, out := rt.volume, rt.balance, rt.activeView, rt.outputDevice
	rt.mu.Unlock()
	return map[string]any{
		"status":        "ok",
		"volume":        v,
		"balance":       b,
		"view":          view,
		"output_device": out,
		"active_source": rt.reg.ActiveID(),
		"sources":       rt.reg.Snapshot(),
	}
}

// ProbeSources asks every known source port to re-register, making a
// router restart transparent. Sources answer by POSTing /router/source
// themselves; the probe only has to knock.
func (rt *Router) ProbeSources(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for id, port := range knownSources {
		id, port := id, port
		url := fmt.Sprintf("http://localhost:%d/resync", port)
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil
			}
			resp, err := rt.httpc.Do(req)
			if err != nil {
				slog.Debug("resync probe: source not running", "id", id)
				return nil
			}
			resp.Body.Close()
			slog.Info("resync probe answered", "id", id, "port", port)
			return nil
		})
	}
	_ = g.Wait()
}
