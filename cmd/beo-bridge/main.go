// Command beo-bridge serves the UI: a webhook command dispatcher and a
// WebSocket broadcast feed.
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
	"github.com/beocontrol/beocontrol/internal/watchdog"
	"github.com/beocontrol/beocontrol/internal/zeroconf"
)

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

	hub := bridge.NewHub()
	dispatcher := bridge.NewDispatcher(cfg, hub)

	srv := &http.Server{
		Addr:        cfg.String("bridge.addr", ":8767"),
		Handler:     bridge.NewHTTPHandler(dispatcher),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		slog.Info("bridge listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			cancel()
		}
	}()

	go watchdog.Run(ctx)

	zc := zeroconf.New(cfg.String("device", "beocontrol"), cfg.Int("bridge.port", 8767))
	go func() {
		if err := zc.Start(ctx); err != nil {
			slog.Warn("mDNS advertisement failed", "err", err)
		}
	}()

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
