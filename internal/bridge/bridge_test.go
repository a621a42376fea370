package bridge

import (
	"bytes"
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

func testDispatcher(t *testing.T, routerURL string) *Dispatcher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	raw := []byte(`{"router": {"url": "` + routerURL + `"}}`)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(cfg, NewHub())
	d.run = func(context.Context, string) error { return nil }
	d.restart = func(context.Context, string) error { return nil }
	return d
}

// frame decodes one published broadcast.
type frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func collect(t *testing.T, d *Dispatcher) func() []frame {
	t.Helper()
	ch := d.hub.Subscribe("test")
	t.Cleanup(func() { d.hub.Unsubscribe("test") })
	return func() []frame {
		var out []frame
		for {
			select {
			case raw := <-ch:
				var f frame
				if err := json.Unmarshal(raw, &f); err != nil {
					t.Fatalf("bad frame %s: %v", raw, err)
				}
				out = append(out, f)
			default:
				return out
			}
		}
	}
}

func TestShowPageBroadcastsNavigate(t *testing.T) {
	d := testDispatcher(t, "http://localhost:1")
	frames := collect(t, d)

	res := d.Dispatch(context.Background(), models.Command{
		Command: "show_page", Params: map[string]any{"page": "menu/cd"},
	})
	if res["status"] != "ok" {
		t.Fatalf("status = %v", res)
	}
	got := frames()
	if len(got) != 1 || got[0].Type != "navigate" || got[0].Data["page"] != "menu/cd" {
		t.Errorf("frames = %+v", got)
	}
}

func TestScreenOffPowersOutputOff(t *testing.T) {
	var powerOffs int
	router := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/router/output/off" {
			powerOffs++
		}
	}))
	defer router.Close()

	d := testDispatcher(t, router.URL)
	var ran []string
	d.run = func(_ context.Context, command string) error {
		ran = append(ran, command)
		return nil
	}

	res := d.Dispatch(context.Background(), models.Command{Command: "screen_off"})
	if res["status"] != "ok" || res["display_on"] != false {
		t.Fatalf("result = %v", res)
	}
	if len(ran) != 1 || ran[0] != d.screenOff {
		t.Errorf("ran = %v", ran)
	}
	if powerOffs != 1 {
		t.Errorf("output power-offs = %d, want 1", powerOffs)
	}
}

func TestScreenToggle(t *testing.T) {
	d := testDispatcher(t, "http://localhost:1")
	// Starts on; first toggle goes dark.
	res := d.Dispatch(context.Background(), models.Command{Command: "screen_toggle"})
	if res["display_on"] != false {
		t.Fatalf("first toggle: %v", res)
	}
	res = d.Dispatch(context.Background(), models.Command{Command: "screen_toggle"})
	if res["display_on"] != true {
		t.Fatalf("second toggle: %v", res)
	}
}

func TestMenuItemCommandsCarryChange(t *testing.T) {
	d := testDispatcher(t, "http://localhost:1")
	frames := collect(t, d)

	d.Dispatch(context.Background(), models.Command{
		Command: "add_menu_item",
		Params:  map[string]any{"preset": "cd", "after": "system"},
	})
	d.Dispatch(context.Background(), models.Command{
		Command: "hide_menu_item",
		Params:  map[string]any{"path": "menu/cd"},
	})

	got := frames()
	if len(got) != 2 {
		t.Fatalf("frames = %+v", got)
	}
	if got[0].Type != "menu_item" || got[0].Data["change"] != "add" || got[0].Data["after"] != "system" {
		t.Errorf("add frame = %+v", got[0])
	}
	if got[1].Data["change"] != "hide" || got[1].Data["path"] != "menu/cd" {
		t.Errorf("hide frame = %+v", got[1])
	}
}

func TestCameraOverlayVisibility(t *testing.T) {
	d := testDispatcher(t, "http://localhost:1")
	frames := collect(t, d)

	d.Dispatch(context.Background(), models.Command{
		Command: "show_camera",
		Params:  map[string]any{"title": "Door", "camera_id": "front"},
	})
	d.Dispatch(context.Background(), models.Command{Command: "dismiss_camera"})

	got := frames()
	if len(got) != 2 {
		t.Fatalf("frames = %+v", got)
	}
	if got[0].Type != "camera" || got[0].Data["visible"] != true || got[0].Data["title"] != "Door" {
		t.Errorf("show frame = %+v", got[0])
	}
	if got[1].Data["visible"] != false {
		t.Errorf("dismiss frame = %+v", got[1])
	}
}

func TestRestartDispatch(t *testing.T) {
	d := testDispatcher(t, "http://localhost:1")
	var targets []string
	d.restart = func(_ context.Context, target string) error {
		targets = append(targets, target)
		return nil
	}

	d.Dispatch(context.Background(), models.Command{
		Command: "restart", Params: map[string]any{"target": "beocontrol"},
	})
	if len(targets) != 1 || targets[0] != "beocontrol" {
		t.Errorf("targets = %v", targets)
	}

	res := d.Dispatch(context.Background(), models.Command{Command: "restart"})
	if res["status"] != "error" {
		t.Errorf("missing target should error, got %v", res)
	}
}

func TestUnknownCommandErrors(t *testing.T) {
	d := testDispatcher(t, "http://localhost:1")
	res := d.Dispatch(context.Background(), models.Command{Command: "make_coffee"})
	if res["status"] != "error" {
		t.Errorf("result = %v", res)
	}
	if res["message"] == "" {
		t.Error("error payload needs a message")
	}
}

func TestWebhookEndpoint(t *testing.T) {
	d := testDispatcher(t, "http://localhost:1")
	srv := httptest.NewServer(NewHTTPHandler(d))
	defer srv.Close()

	body := bytes.NewReader([]byte(`{"command": "status"}`))
	resp, err := http.Post(srv.URL+"/webhook", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload["status"] != "ok" {
		t.Errorf("payload = %v", payload)
	}

	resp, err = http.Post(srv.URL+"/webhook", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty command status = %d, want 400", resp.StatusCode)
	}
}

func TestClientTranslatesBroadcasts(t *testing.T) {
	var got []models.Command
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd models.Command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			t.Errorf("bad body: %v", err)
		}
		got = append(got, cmd)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()
	c.Broadcast(ctx, "menu_item", map[string]any{"change": "add", "preset": "cd", "after": "system"})
	c.Broadcast(ctx, "navigate", map[string]any{"page": "menu/cd"})
	c.Broadcast(ctx, "source_change", map[string]any{"active_source": "cd"})

	if len(got) != 3 {
		t.Fatalf("commands = %+v", got)
	}
	if got[0].Command != "add_menu_item" || got[0].Params["after"] != "system" {
		t.Errorf("menu_item translation = %+v", got[0])
	}
	if _, leaked := got[0].Params["change"]; leaked {
		t.Error("change field leaked into params")
	}
	if got[1].Command != "wake" || got[1].Params["page"] != "menu/cd" {
		t.Errorf("navigate translation = %+v", got[1])
	}
	if got[2].Command != "broadcast" || got[2].Params["type"] != "source_change" {
		t.Errorf("generic translation = %+v", got[2])
	}
}

func TestHubDropsSlowSubscribers(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe("slow")
	defer h.Unsubscribe("slow")

	for i := 0; i < subBufferSize+10; i++ {
		h.Publish([]byte(`{"type":"tick"}`))
	}

	// The buffer holds exactly subBufferSize frames; the rest dropped.
	if got := len(ch); got != subBufferSize {
		t.Errorf("buffered = %d, want %d", got, subBufferSize)
	}
}
