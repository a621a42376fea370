package volume

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Passthrough is the adapter for fixed-gain analog outputs where the
// downstream amplifier owns the volume knob. Volume is tracked in
// memory so relative steps still display sensibly; power maps to
// muting the master control so the line stays silent while nominally
// off.
type Passthrough struct {
	mu    sync.Mutex
	last  float64
	max   float64
	power *powerCache
}

func NewPassthrough(max int) *Passthrough {
	return &Passthrough{
		max:   float64(max),
		power: newPowerCache(30 * time.Second),
	}
}

func (p *Passthrough) SetVolume(_ context.Context, pct float64) {
	p.mu.Lock()
	p.last = clampToMax(pct, p.max)
	p.mu.Unlock()
}

func (p *Passthrough) GetVolume(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, nil
}

func (p *Passthrough) PowerOn(context.Context) {
	if err := masterMute(false); err != nil {
		slog.Debug("passthrough unmute failed", "err", err)
	}
	p.power.set(true)
}

func (p *Passthrough) PowerOff(context.Context) {
	if err := masterMute(true); err != nil {
		slog.Debug("passthrough mute failed", "err", err)
	}
	p.power.set(false)
}

func (p *Passthrough) IsOnCached() (on, known bool) { return p.power.cached() }

func (p *Passthrough) IsOn(context.Context) bool {
	on, known := p.power.cached()
	return on || !known
}

func masterMute(mute bool) error {
	arg := "unmute"
	if mute {
		arg = "mute"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "amixer", "sset", "Master", arg).Run()
}
