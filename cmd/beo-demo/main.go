// Command beo-demo is the demo source daemon: fixed internet radio
// stations played through the player service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/beocontrol/beocontrol/internal/config"
	"github.com/beocontrol/beocontrol/internal/demo"
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	source, svc := demo.NewService(cfg)

	go func() {
		if err := source.Start(ctx); err != nil {
			slog.Error("demo source cannot start", "err", err)
			cancel()
		}
	}()
	go watchdog.Run(ctx)

	if err := svc.Serve(ctx, svc.Routes(nil)); err != nil {
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
