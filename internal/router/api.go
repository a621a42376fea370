package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/beocontrol/beocontrol/internal/models"
	"github.com/beocontrol/beocontrol/internal/registry"
)

// Handlers holds dependencies for the router's HTTP surface.
type Handlers struct {
	rt  *Router
	reg *registry.Registry
}

// NewHTTPHandler builds the router's HTTP API.
func NewHTTPHandler(rt *Router, reg *registry.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	h := &Handlers{rt: rt, reg: reg}

	r.Post("/router/event", h.postEvent)
	r.Post("/router/source", h.postSource)
	r.Get("/router/menu", h.getMenu)
	r.Post("/router/volume", h.postVolume)
	r.Post("/router/volume/report", h.postVolumeReport)
	r.Post("/router/output/on", h.outputOn)
	r.Post("/router/output/off", h.outputOff)
	r.Post("/router/view", h.postView)
	r.Get("/router/status", h.getStatus)
	r.Post("/router/playback_override", h.playbackOverride)

	return r
}

// corsMiddleware adds permissive CORS headers for local network access.
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

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an AppError as a JSON response.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if appErr, ok := err.(*models.AppError); ok {
		w.WriteHeader(appErr.Code)
		_ = json.NewEncoder(w).Encode(appErr)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(models.ErrInternal(err.Error()))
}

func ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) postEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, models.ErrBadRequest("invalid event body"))
		return
	}
	if ev.Action == "" {
		writeError(w, models.ErrBadRequest("event requires an action"))
		return
	}
	h.rt.Route(r.Context(), ev)
	ok(w)
}

func (h *Handlers) postSource(w http.ResponseWriter, r *http.Request) {
	var u models.SourceUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, models.ErrBadRequest("invalid source body"))
		return
	}
	if u.ID == "" || !models.ValidSourceState(u.State) {
		writeError(w, models.ErrBadRequest("source requires id and a valid state"))
		return
	}
	delta := h.reg.Update(r.Context(), u)
	writeJSON(w, http.StatusOK, delta)
}

func (h *Handlers) getMenu(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.Menu())
}

type volumeBody struct {
	Volume *float64 `json:"volume"`
}

func (h *Handlers) postVolume(w http.ResponseWriter, r *http.Request) {
	var body volumeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Volume == nil {
		writeError(w, models.ErrBadRequest("volume required"))
		return
	}
	h.rt.SetVolume(*body.Volume)
	ok(w)
}

func (h *Handlers) postVolumeReport(w http.ResponseWriter, r *http.Request) {
	var body volumeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Volume == nil {
		writeError(w, models.ErrBadRequest("volume required"))
		return
	}
	h.rt.ReportVolume(*body.Volume)
	h.rt.BroadcastVolume(r.Context(), *body.Volume)
	ok(w)
}

func (h *Handlers) outputOn(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.PowerOutput(r.Context(), true); err != nil {
		writeError(w, models.ErrBadRequest(err.Error()))
		return
	}
	ok(w)
}

func (h *Handlers) outputOff(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.PowerOutput(r.Context(), false); err != nil {
		writeError(w, models.ErrBadRequest(err.Error()))
		return
	}
	ok(w)
}

func (h *Handlers) postView(w http.ResponseWriter, r *http.Request) {
	var body struct {
		View string `json:"view"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, models.ErrBadRequest("invalid view body"))
		return
	}
	h.rt.SetActiveView(body.View)
	ok(w)
}

func (h *Handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Status())
}

// playbackOverride is a stub: releasing the active slot when an
// external device takes over the shared speaker is pending a product
// decision, so the reply is always cleared:false.
func (h *Handlers) playbackOverride(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cleared": false})
}
