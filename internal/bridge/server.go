package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/godbus/dbus/v5"

	"github.com/beocontrol/beocontrol/internal/config"
	"github.com/beocontrol/beocontrol/internal/models"
)

// Dispatcher executes webhook commands: UI broadcasts go out through
// the hub, display power shells out to the configured commands, and
// restart talks to the init system over the message bus.
type Dispatcher struct {
	hub       *Hub
	routerURL string
	screenOn  string
	screenOff string
	httpc     *http.Client

	// run and restart are swappable for tests.
	run     func(ctx context.Context, command string) error
	restart func(ctx context.Context, target string) error

	mu        sync.Mutex
	displayOn bool
	started   time.Time
}

// NewDispatcher wires the dispatcher from config.
func NewDispatcher(cfg *config.Config, hub *Hub) *Dispatcher {
	d := &Dispatcher{
		hub:       hub,
		routerURL: cfg.String("router.url", "http://localhost:8770"),
		screenOn:  cfg.String("bridge.screen_on_cmd", "xset dpms force on"),
		screenOff: cfg.String("bridge.screen_off_cmd", "xset dpms force off"),
		httpc:     &http.Client{Timeout: time.Second},
		displayOn: true,
		started:   time.Now(),
	}
	d.run = runShell
	d.restart = restartViaBus
	return d
}

// Dispatch runs one command and returns its response payload. Unknown
// commands report an error payload, not a transport failure.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd models.Command) map[string]any {
	switch cmd.Command {
	case "screen_on":
		return d.setScreen(ctx, true, false)
	case "screen_off":
		return d.setScreen(ctx, false, true)
	case "screen_toggle":
		d.mu.Lock()
		on := d.displayOn
		d.mu.Unlock()
		return d.setScreen(ctx, !on, on)
	case "show_page":
		d.broadcast("navigate", map[string]any{"page": cmd.Params["page"]})
	case "next_screen":
		d.setScreen(ctx, true, false)
		d.broadcast("navigate", map[string]any{"page": "next"})
	case "prev_screen":
		d.setScreen(ctx, true, false)
		d.broadcast("navigate", map[string]any{"page": "previous"})
	case "wake":
		d.setScreen(ctx, true, false)
		if page, ok := cmd.Params["page"]; ok {
			d.broadcast("navigate", map[string]any{"page": page})
		}
	case "restart":
		target, _ := cmd.Params["target"].(string)
		if target == "" {
			return errPayload("restart target required")
		}
		if err := d.restart(ctx, target); err != nil {
			return errPayload(err.Error())
		}
	case "status":
		return d.systemStatus()
	case "show_camera":
		d.broadcast("camera", withVisible(cmd.Params, true))
	case "dismiss_camera":
		d.broadcast("camera", withVisible(cmd.Params, false))
	case "add_menu_item", "remove_menu_item", "hide_menu_item", "show_menu_item":
		data := make(map[string]any, len(cmd.Params)+1)
		for k, v := range cmd.Params {
			data[k] = v
		}
		data["change"] = strings.TrimSuffix(cmd.Command, "_menu_item")
		d.broadcast("menu_item", data)
	case "broadcast":
		typ, _ := cmd.Params["type"].(string)
		if typ == "" {
			return errPayload("broadcast type required")
		}
		data, _ := cmd.Params["data"].(map[string]any)
		d.broadcast(typ, data)
	default:
		slog.Warn("unknown webhook command", "command", cmd.Command)
		return errPayload(fmt.Sprintf("unknown command %q", cmd.Command))
	}
	return map[string]any{"status": "ok"}
}

// setScreen drives the display and, when the screen goes dark, asks the
// router to power the audio output off as well.
func (d *Dispatcher) setScreen(ctx context.Context, on, powerOff bool) map[string]any {
	command := d.screenOff
	if on {
		command = d.screenOn
	}
	if err := d.run(ctx, command); err != nil {
		slog.Warn("display command failed", "on", on, "err", err)
		return errPayload(err.Error())
	}
	d.mu.Lock()
	d.displayOn = on
	d.mu.Unlock()

	if powerOff {
		if err := d.postRouter(ctx, "/router/output/off"); err != nil {
			slog.Warn("output power-off failed", "err", err)
		}
	}
	return map[string]any{"status": "ok", "display_on": on}
}

func (d *Dispatcher) postRouter(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.routerURL+path, bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("router HTTP %d", resp.StatusCode)
	}
	return nil
}

// broadcast publishes one {type, data} frame to WS clients.
func (d *Dispatcher) broadcast(typ string, data map[string]any) {
	frame, err := json.Marshal(map[string]any{"type": typ, "data": data})
	if err != nil {
		return
	}
	d.hub.Publish(frame)
}

// systemStatus gathers host info for the status command.
func (d *Dispatcher) systemStatus() map[string]any {
	d.mu.Lock()
	displayOn := d.displayOn
	started := d.started
	d.mu.Unlock()

	status := map[string]any{
		"status":     "ok",
		"display_on": displayOn,
		"uptime":     int(time.Since(started).Seconds()),
		"clients":    d.hub.SubscriberCount(),
	}
	if raw, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(raw))
		if len(fields) >= 3 {
			status["load"] = fields[:3]
		}
	}
	if temps := readTemperatures(); len(temps) > 0 {
		status["temperatures"] = temps
	}
	return status
}

// readTemperatures collects thermal zone readings in degrees celsius.
func readTemperatures() map[string]float64 {
	zones, err := filepath.Glob("/sys/class/thermal/thermal_zone*/temp")
	if err != nil {
		return nil
	}
	temps := make(map[string]float64)
	for _, zone := range zones {
		raw, err := os.ReadFile(zone)
		if err != nil {
			continue
		}
		milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		temps[filepath.Base(filepath.Dir(zone))] = float64(milli) / 1000
	}
	return temps
}

func withVisible(params map[string]any, visible bool) map[string]any {
	data := make(map[string]any, len(params)+1)
	for k, v := range params {
		data[k] = v
	}
	data["visible"] = visible
	return data
}

func errPayload(msg string) map[string]any {
	return map[string]any{"status": "error", "message": msg}
}

func runShell(ctx context.Context, command string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput(); err != nil {
		return fmt.Errorf("%w (%s)", err, out)
	}
	return nil
}

// restartViaBus reboots the host through logind or restarts a service
// group through systemd, depending on the target.
func restartViaBus(ctx context.Context, target string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("system bus: %w", err)
	}
	if target == "system" {
		obj := conn.Object("org.freedesktop.login1", "/org/freedesktop/login1")
		return obj.CallWithContext(ctx, "org.freedesktop.login1.Manager.Reboot", 0, false).Err
	}
	unit := target
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	obj := conn.Object("org.freedesktop.systemd1", "/org/freedesktop/systemd1")
	return obj.CallWithContext(ctx, "org.freedesktop.systemd1.Manager.RestartUnit", 0, unit, "replace").Err
}

// NewHTTPHandler builds the bridge HTTP surface: the webhook dispatcher
// and the WS broadcast feed.
func NewHTTPHandler(d *Dispatcher) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.CleanPath)

	r.Post("/webhook", d.postWebhook)
	r.Get("/ws", d.hub.ServeWS)
	return r
}

func (d *Dispatcher) postWebhook(w http.ResponseWriter, r *http.Request) {
	var cmd models.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.Command == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(errPayload("command required"))
		return
	}
	result := d.Dispatch(r.Context(), cmd)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
