// Package source provides the shared scaffolding every source process
// builds on: the local HTTP surface, registration with the router,
// action-map command dispatch, and UI broadcasts.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/beocontrol/beocontrol/internal/bridge"
	"github.com/beocontrol/beocontrol/internal/models"
)

// registerAttempts and the linear 2·n second backoff cover a slow
// router startup; every other inter-process call is single-shot.
const registerAttempts = 5

// Commander executes one translated command. Unknown commands return
// an error which surfaces as a 400.
type Commander interface {
	HandleCommand(ctx context.Context, command string, params map[string]any) error
}

// RawActionIntercept lets a source claim a raw action before the
// action map is consulted. ok=false falls back to the map.
type RawActionIntercept interface {
	HandleRawAction(action string) (command string, params map[string]any, ok bool)
}

// StatusProvider supplies the GET /status payload.
type StatusProvider interface {
	Status() map[string]any
}

// Resyncer re-registers with the router and re-broadcasts cached state
// when the router probes GET /resync after a restart.
type Resyncer interface {
	Resync(ctx context.Context)
}

// Options identify a source and its wiring.
type Options struct {
	ID         string
	Name       string
	Port       int
	Player     string // models.PlayerLocal or models.PlayerRemote
	MenuPreset string
	Handles    []string
	// ActionMap translates raw router actions to command names,
	// e.g. "go" -> "toggle", "right" -> "next".
	ActionMap map[string]string

	RouterURL string // e.g. http://localhost:8770
	BridgeURL string // e.g. http://localhost:8767/webhook
}

// Service is the per-source process scaffold.
type Service struct {
	opts   Options
	cmd    Commander
	httpc  *http.Client
	bridge *bridge.Client
}

// New builds the scaffold around a source implementation.
func New(opts Options, cmd Commander) *Service {
	if opts.RouterURL == "" {
		opts.RouterURL = "http://localhost:8770"
	}
	if opts.BridgeURL == "" {
		opts.BridgeURL = "http://localhost:8767/webhook"
	}
	return &Service{
		opts:   opts,
		cmd:    cmd,
		httpc:  &http.Client{Timeout: 2 * time.Second},
		bridge: bridge.NewClient(opts.BridgeURL),
	}
}

// ID returns the source id.
func (s *Service) ID() string { return s.opts.ID }

// RegisterOption tweaks one registration payload.
type RegisterOption func(*models.SourceUpdate)

// WithNavigate asks the UI to navigate to this source's page.
func WithNavigate() RegisterOption {
	return func(u *models.SourceUpdate) { u.Navigate = true }
}

// WithAutoPower asks the router to power the output on.
func WithAutoPower() RegisterOption {
	return func(u *models.SourceUpdate) { u.AutoPower = true }
}

// Register announces a state to the router. Single attempt; the
// failure is logged and returned.
func (s *Service) Register(ctx context.Context, state string, opts ...RegisterOption) error {
	u := models.SourceUpdate{
		ID:         s.opts.ID,
		State:      state,
		Name:       s.opts.Name,
		CommandURL: fmt.Sprintf("http://localhost:%d/command", s.opts.Port),
		MenuPreset: s.opts.MenuPreset,
		Handles:    s.opts.Handles,
		Player:     s.opts.Player,
	}
	for _, o := range opts {
		o(&u)
	}
	if err := s.post(ctx, s.opts.RouterURL+"/router/source", u); err != nil {
		slog.Warn("register failed", "id", s.opts.ID, "state", state, "err", err)
		return err
	}
	slog.Info("registered", "id", s.opts.ID, "state", state)
	return nil
}

// RegisterInitial is the startup registration: it retries with linear
// backoff so a source started before the router still comes up.
func (s *Service) RegisterInitial(ctx context.Context, state string, opts ...RegisterOption) error {
	var err error
	for n := 1; n <= registerAttempts; n++ {
		if err = s.Register(ctx, state, opts...); err == nil {
			return nil
		}
		wait := time.Duration(2*n) * time.Second
		slog.Info("register retry scheduled", "id", s.opts.ID, "attempt", n, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("register gave up after %d attempts: %w", registerAttempts, err)
}

// Broadcast pushes an event to UI clients via the bridge.
func (s *Service) Broadcast(ctx context.Context, typ string, data map[string]any) {
	s.bridge.Broadcast(ctx, typ, data)
}

func (s *Service) post(ctx context.Context, url string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Routes builds the source's HTTP surface. extra, when non-nil, mounts
// per-source endpoints on the same router.
func (s *Service) Routes(extra func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	r.Get("/status", s.getStatus)
	r.Post("/command", s.postCommand)
	r.Get("/resync", s.getResync)
	if extra != nil {
		extra(r)
	}
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

func (s *Service) getStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok", "id": s.opts.ID}
	if sp, ok := s.cmd.(StatusProvider); ok {
		for k, v := range sp.Status() {
			payload[k] = v
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Service) getResync(w http.ResponseWriter, r *http.Request) {
	if rs, ok := s.cmd.(Resyncer); ok {
		rs.Resync(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// postCommand accepts either a raw router-forwarded action (translated
// via the action map, unless the raw intercept claims it first) or a
// UI-initiated {command, ...} taken verbatim.
func (s *Service) postCommand(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrBadRequest("invalid command body"))
		return
	}

	command, _ := body["command"].(string)
	params := body

	if command == "" {
		action, _ := body["action"].(string)
		if action == "" {
			writeJSON(w, http.StatusBadRequest, models.ErrBadRequest("command or action required"))
			return
		}
		if ri, ok := s.cmd.(RawActionIntercept); ok {
			if c, p, ok := ri.HandleRawAction(action); ok {
				command, params = c, p
			}
		}
		if command == "" {
			mapped, ok := s.opts.ActionMap[action]
			if !ok {
				slog.Debug("unmapped action ignored", "id", s.opts.ID, "action", action)
				writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
				return
			}
			command = mapped
		}
	}

	if err := s.cmd.HandleCommand(r.Context(), command, params); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrBadRequest(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Service) Serve(ctx context.Context, handler http.Handler) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.opts.Port),
		Handler: handler,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("source listening", "id", s.opts.ID, "port", s.opts.Port)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
