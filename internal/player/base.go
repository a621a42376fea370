// Package player implements the uniform HTTP + WebSocket façade over a
// playback device, plus the client sources use to drive one.
package player

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/beocontrol/beocontrol/internal/bridge"
	"github.com/beocontrol/beocontrol/internal/models"
)

// Device is the playback surface a concrete player implements.
type Device interface {
	Play(ctx context.Context, params map[string]any) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Next(ctx context.Context) error
	Prev(ctx context.Context) error
	Stop(ctx context.Context) error
	// State returns the device's current playback state payload.
	State(ctx context.Context) (map[string]any, error)
	// Capabilities lists the content kinds the device can render.
	Capabilities() []string
}

// Base wraps a Device with the shared player machinery: the /ws media
// feed, the artwork cache, volume echo suppression, and the override
// notification to the router.
type Base struct {
	dev       Device
	hub       *bridge.Hub
	artwork   *ArtworkCache
	routerURL string
	httpc     *http.Client

	mu           sync.Mutex
	lastVolume   float64
	lastVolumeOK bool
}

// NewBase wraps dev. routerURL defaults to the local router.
func NewBase(dev Device, routerURL string) *Base {
	if routerURL == "" {
		routerURL = "http://localhost:8770"
	}
	return &Base{
		dev:       dev,
		hub:       bridge.NewHub(),
		artwork:   NewArtworkCache(),
		routerURL: routerURL,
		httpc:     &http.Client{Timeout: 2 * time.Second},
	}
}

// Artwork exposes the cache to the concrete player's monitor loop.
func (b *Base) Artwork() *ArtworkCache { return b.artwork }

// PushMediaUpdate fans a media_update frame out to every WS client.
func (b *Base) PushMediaUpdate(reason string, data models.MediaData) {
	frame, err := json.Marshal(models.MediaUpdate{Type: "media_update", Reason: reason, Data: data})
	if err != nil {
		slog.Error("marshal media_update", "err", err)
		return
	}
	b.hub.Publish(frame)
}

// ReportVolume forwards a device-observed volume to the router,
// skipping when it matches the last reported value so device echoes of
// our own writes do not loop.
func (b *Base) ReportVolume(ctx context.Context, v float64) {
	b.mu.Lock()
	if b.lastVolumeOK && b.lastVolume == v {
		b.mu.Unlock()
		return
	}
	b.lastVolume, b.lastVolumeOK = v, true
	b.mu.Unlock()

	if err := b.post(ctx, "/router/volume/report", map[string]any{"volume": v}); err != nil {
		slog.Warn("volume report failed", "err", err)
	}
}

// NotifyOverride tells the router an external controller changed the
// device's playback. The router currently never clears the slot; the
// reply is informational.
func (b *Base) NotifyOverride(ctx context.Context) {
	if err := b.post(ctx, "/router/playback_override", map[string]any{}); err != nil {
		slog.Warn("override notify failed", "err", err)
	}
}

func (b *Base) post(ctx context.Context, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.routerURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("router %s: HTTP %d", path, resp.StatusCode)
	}
	return nil
}

// Routes builds the player HTTP surface.
func (b *Base) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	r.Post("/player/play", b.handlePlay)
	r.Post("/player/pause", b.command(b.dev.Pause))
	r.Post("/player/resume", b.command(b.dev.Resume))
	r.Post("/player/next", b.command(b.dev.Next))
	r.Post("/player/prev", b.command(b.dev.Prev))
	r.Post("/player/stop", b.command(b.dev.Stop))
	r.Get("/player/state", b.handleState)
	r.Get("/player/capabilities", b.handleCapabilities)
	r.Get("/player/status", b.handleStatus)
	r.Get("/ws", b.hub.ServeWS)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *Base) handlePlay(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrBadRequest("invalid play body"))
		return
	}
	if err := b.dev.Play(r.Context(), params); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrBadRequest(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Base) command(f func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := f(r.Context()); err != nil {
			writeJSON(w, http.StatusBadRequest, models.ErrBadRequest(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (b *Base) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := b.dev.State(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, models.ErrInternal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (b *Base) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": b.dev.Capabilities()})
}

func (b *Base) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"ws_clients": b.hub.SubscriberCount(),
		"artwork":    b.artwork.Len(),
	})
}

// Serve runs the player HTTP server until ctx is cancelled.
func (b *Base) Serve(ctx context.Context, port int) error {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: b.Routes()}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("player listening", "port", port)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
