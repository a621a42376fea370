// Package volume abstracts the audio sink the router drives: one
// adapter per output class (DAC mixer, UPnP speaker, cloud speaker,
// multi-zone amp, ALSA card, analog passthrough).
//
// All adapters debounce writes: a burst of SetVolume calls results in a
// single device write carrying the latest value. Writes are
// fire-and-forget; failures are logged and in-memory state still
// advances so the UI stays responsive.
package volume

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMax is the volume cap applied when config omits volume.max.
const DefaultMax = 70

// PowerOnCap limits the restored volume after PowerOn, in percent.
const PowerOnCap = 40

// Adapter is the surface every volume output implements.
type Adapter interface {
	// SetVolume clamps to [0, max] and schedules a debounced write.
	SetVolume(ctx context.Context, pct float64)
	// GetVolume reads the device's current volume where the protocol
	// allows it, otherwise returns the last written value.
	GetVolume(ctx context.Context) (float64, error)
	// IsOn consults the device, served from cache within a short TTL.
	IsOn(ctx context.Context) bool
}

// PowerController is implemented by adapters that can switch the sink
// on and off. Consumers branch on interface assertion.
type PowerController interface {
	PowerOn(ctx context.Context)
	PowerOff(ctx context.Context)
	// IsOnCached returns the last known power state without I/O.
	// known is false before the first power operation or query.
	IsOnCached() (on, known bool)
}

// BalanceController is implemented by adapters with a balance control.
type BalanceController interface {
	SetBalance(ctx context.Context, balance float64)
	GetBalance(ctx context.Context) (float64, error)
}

// clampToMax caps v to max and logs when input exceeded it.
func clampToMax(v, max float64) float64 {
	if v > max {
		slog.Warn("volume capped", "requested", v, "max", max)
		return max
	}
	if v < 0 {
		return 0
	}
	return v
}

// debouncer coalesces a burst of writes into one delayed flush that
// carries the latest value.
type debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	pending *float64
	flush   func(v float64)
}

func newDebouncer(delay time.Duration, flush func(float64)) *debouncer {
	return &debouncer{delay: delay, flush: flush}
}

// set stashes v and (re)schedules the flush.
func (d *debouncer) set(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = &v
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		p := d.pending
		d.pending = nil
		d.timer = nil
		d.mu.Unlock()
		if p != nil {
			d.flush(*p)
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
}

// powerCache remembers the last known power state with a TTL so hot
// paths never block on a device query.
type powerCache struct {
	mu    sync.Mutex
	state bool
	known bool
	at    time.Time
	ttl   time.Duration
}

func newPowerCache(ttl time.Duration) *powerCache {
	return &powerCache{ttl: ttl}
}

func (p *powerCache) set(on bool) {
	p.mu.Lock()
	p.state, p.known, p.at = on, true, time.Now()
	p.mu.Unlock()
}

// cached returns the last known state regardless of age.
func (p *powerCache) cached() (on, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.known
}

// fresh returns the state only while it is within the TTL.
func (p *powerCache) fresh() (on, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.known || time.Since(p.at) >= p.ttl {
		return false, false
	}
	return p.state, true
}
