// Command beo-router is the control-plane hub: it routes remote-control
// events, tracks source registrations, and owns the volume output.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beocontrol/beocontrol/internal/bridge"
	"github.com/beocontrol/beocontrol/internal/config"
	"github.com/beocontrol/beocontrol/internal/models"
	"github.com/beocontrol/beocontrol/internal/registry"
	"github.com/beocontrol/beocontrol/internal/router"
	"github.com/beocontrol/beocontrol/internal/transport"
	"github.com/beocontrol/beocontrol/internal/volume"
	"github.com/beocontrol/beocontrol/internal/watchdog"
)

// commandRelay defers command posting to the router, which is built
// after the registry. The registry only posts commands on source
// transitions, which happen after startup completes.
type commandRelay struct {
	rt *router.Router
}

func (r *commandRelay) PostCommand(ctx context.Context, url string, body any) error {
	return r.rt.PostCommand(ctx, url, body)
}

func main() {
	var (
		cfgPath = flag.String("config", "", "config file (default: search path)")
		debug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg := loadConfig(*cfgPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bc := bridge.NewClient(cfg.String("bridge.url", "http://localhost:8767/webhook"))
	vol := volume.FromConfig(cfg)
	tr := transport.New(cfg)

	relay := &commandRelay{}
	reg := registry.New(cfg.Menu(), bc, relay)
	rt := router.New(cfg, reg, vol, tr, bc)
	relay.rt = rt

	// Inbound bus commands use the webhook command shape; hand them to
	// the bridge dispatcher unchanged.
	tr.SetCommandHandler(func(cmd models.Command) {
		cmdCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := bc.Send(cmdCtx, cmd); err != nil {
			slog.Warn("bus command relay failed", "command", cmd.Command, "err", err)
		}
	})
	tr.Start()
	defer tr.Stop()

	if err := cfg.Watch(ctx, func() {
		reg.SetMenu(cfg.Menu())
		rt.ReloadSettings()
		slog.Info("config reloaded", "path", cfg.Path())
	}); err != nil {
		slog.Warn("config watch unavailable", "err", err)
	}

	srv := &http.Server{
		Addr:        cfg.String("router.addr", ":8770"),
		Handler:     router.NewHTTPHandler(rt, reg),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		slog.Info("router listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			cancel()
		}
	}()

	go watchdog.Run(ctx)

	// Ask known sources to resync so a router restart repopulates the
	// registry without waiting for source activity.
	go rt.ProbeSources(ctx)

	<-ctx.Done()
	slog.Info("shutting down")
	watchdog.Stopping()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Load()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		slog.Error("config unreadable", "path", path, "err", err)
		os.Exit(1)
	}
	return cfg
}
