// Package watchdog implements the systemd notify protocol (READY,
// WATCHDOG, STOPPING). All functions silently no-op when NOTIFY_SOCKET
// is unset, so daemons run unchanged in dev mode.
package watchdog

import (
	"context"
	"log/slog"
	"net"
	"os"
	"time"
)

// DefaultInterval is the heartbeat period. Unit files should set
// WatchdogSec to at least twice this.
const DefaultInterval = 20 * time.Second

// Notify sends one message to the systemd notify socket.
func Notify(msg string) {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return
	}
	if addr[0] == '@' {
		addr = "\x00" + addr[1:]
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		slog.Debug("watchdog: notify socket unreachable", "err", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(msg)); err != nil {
		slog.Debug("watchdog: notify write failed", "err", err)
	}
}

// Ready signals end of startup. Call after the public endpoints bind.
func Ready() { Notify("READY=1") }

// Stopping signals deliberate shutdown.
func Stopping() { Notify("STOPPING=1") }

// Run sends READY=1 once, then WATCHDOG=1 every DefaultInterval until
// ctx is cancelled. Call as a goroutine.
func Run(ctx context.Context) {
	Ready()
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}
	slog.Info("watchdog heartbeat started", "interval", DefaultInterval)
	ticker := time.NewTicker(DefaultInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Notify("WATCHDOG=1")
		}
	}
}
