package cd

import (
	"context"
	"log/slog"
	"os"
	"time"
)

const (
	pollInterval = 2 * time.Second
	// startupGrace suppresses autoplay and navigation for a disc that
	// was already in the tray when the process started.
	startupGrace = 6 * time.Second
)

// DriveEvents receives drive state transitions from the watcher.
// inGrace is true while the startup grace period is running.
type DriveEvents interface {
	DiscInserted(ctx context.Context, toc *TOC, inGrace bool)
	DiscEjected(ctx context.Context)
	DriveConnected(ctx context.Context)
	DriveDisconnected(ctx context.Context)
}

// Watcher polls the optical drive for presence and disc transitions.
type Watcher struct {
	device   string
	events   DriveEvents
	probe    func(string) (*TOC, error)
	interval time.Duration

	started        time.Time
	driveConnected bool
	discInserted   bool
}

// NewWatcher creates the poller for device (e.g. /dev/sr0).
func NewWatcher(device string, events DriveEvents) *Watcher {
	return &Watcher{
		device:   device,
		events:   events,
		probe:    ReadTOC,
		interval: pollInterval,
	}
}

// Run polls until ctx is cancelled. The first tick happens
// immediately so a present disc is noticed at startup.
func (w *Watcher) Run(ctx context.Context) {
	w.started = time.Now()
	w.tick(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	connected := w.deviceExists()
	if connected != w.driveConnected {
		w.driveConnected = connected
		if connected {
			slog.Info("optical drive connected", "device", w.device)
			w.events.DriveConnected(ctx)
		} else {
			slog.Warn("optical drive disconnected", "device", w.device)
			if w.discInserted {
				w.discInserted = false
				w.events.DiscEjected(ctx)
			}
			w.events.DriveDisconnected(ctx)
			return
		}
	}
	if !connected {
		return
	}

	toc, err := w.probe(w.device)
	inserted := err == nil && toc.Tracks() > 0
	if inserted == w.discInserted {
		return
	}
	w.discInserted = inserted
	if inserted {
		slog.Info("disc inserted", "tracks", toc.Tracks())
		w.events.DiscInserted(ctx, toc, time.Since(w.started) < startupGrace)
	} else {
		slog.Info("disc ejected")
		w.events.DiscEjected(ctx)
	}
}

func (w *Watcher) deviceExists() bool {
	_, err := os.Stat(w.device)
	return err == nil
}
