// Command beo-player exposes the shared player service over a Sonos
// speaker: HTTP commands in, media updates out over WebSocket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/beocontrol/beocontrol/internal/config"
	"github.com/beocontrol/beocontrol/internal/player"
	"github.com/beocontrol/beocontrol/internal/watchdog"
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

	host := cfg.String("player.host", "")
	if host == "" {
		slog.Error("player.host is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	device := player.NewSonos(host)
	base := player.NewBase(device, cfg.String("router.url", "http://localhost:8770"))
	device.Attach(base)

	go device.Monitor(ctx)
	go watchdog.Run(ctx)

	port := cfg.Int("player.port", 8766)
	if err := base.Serve(ctx, port); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
	watchdog.Stopping()
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
