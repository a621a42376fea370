package volume

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// ALSA drives a local sound card mixer control through amixer. It
// covers the built-in outputs (HDMI, S/PDIF, analog RCA) which differ
// only in card index and control name. Power maps to mute/unmute.
type ALSA struct {
	card    string
	control string
	max     float64
	deb     *debouncer

	mu   sync.Mutex
	last float64

	power *powerCache
}

// alsaDefaults maps an output type to its card index and mixer control.
var alsaDefaults = map[string][2]string{
	"hdmi":  {"0", "HDMI"},
	"spdif": {"1", "Digital"},
	"rca":   {"0", "PCM"},
}

// NewALSA creates the amixer-backed adapter. card and control override
// the per-type defaults when non-empty.
func NewALSA(typ, card, control string, max int) *ALSA {
	def, ok := alsaDefaults[typ]
	if !ok {
		def = alsaDefaults["rca"]
	}
	if card == "" {
		card = def[0]
	}
	if control == "" {
		control = def[1]
	}
	a := &ALSA{
		card:    card,
		control: control,
		max:     float64(max),
		power:   newPowerCache(30 * time.Second),
	}
	a.deb = newDebouncer(50*time.Millisecond, a.flush)
	return a
}

func (a *ALSA) SetVolume(_ context.Context, pct float64) {
	capped := clampToMax(pct, a.max)
	a.mu.Lock()
	a.last = capped
	a.mu.Unlock()
	a.deb.set(capped)
}

func (a *ALSA) flush(v float64) {
	if err := a.amixer("sset", a.control, fmt.Sprintf("%d%%", int(v))); err != nil {
		slog.Warn("amixer set failed", "control", a.control, "err", err)
		return
	}
	slog.Info("alsa volume set", "card", a.card, "control", a.control, "volume", int(v))
}

var amixerPctRe = regexp.MustCompile(`\[(\d+)%\]`)
var amixerOffRe = regexp.MustCompile(`\[off\]`)

func (a *ALSA) GetVolume(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "amixer", "-c", a.card, "sget", a.control).Output()
	if err != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.last, nil
	}
	m := amixerPctRe.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("no volume in amixer output")
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, err
	}
	return float64(n), nil
}

func (a *ALSA) PowerOn(ctx context.Context) {
	if err := a.amixer("sset", a.control, "unmute"); err != nil {
		slog.Warn("amixer unmute failed", "err", err)
		return
	}
	a.power.set(true)
	a.mu.Lock()
	remembered := a.last
	a.mu.Unlock()
	safe := remembered
	if safe > PowerOnCap {
		safe = PowerOnCap
	}
	if safe > 0 {
		a.SetVolume(ctx, safe)
	}
}

func (a *ALSA) PowerOff(context.Context) {
	if err := a.amixer("sset", a.control, "mute"); err != nil {
		slog.Warn("amixer mute failed", "err", err)
		return
	}
	a.power.set(false)
}

func (a *ALSA) IsOnCached() (on, known bool) { return a.power.cached() }

func (a *ALSA) IsOn(ctx context.Context) bool {
	if on, known := a.power.fresh(); known {
		return on
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "amixer", "-c", a.card, "sget", a.control).Output()
	if err != nil {
		on, _ := a.power.cached()
		return on
	}
	on := !amixerOffRe.Match(out)
	a.power.set(on)
	return on
}

func (a *ALSA) amixer(args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	full := append([]string{"-c", a.card}, args...)
	out, err := exec.CommandContext(ctx, "amixer", full...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("amixer %v: %w (%s)", args, err, out)
	}
	return nil
}
