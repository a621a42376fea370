package volume

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// BeoLab5 drives a local DAC mixer daemon over its REST API: number
// entities for volume and balance, a switch entity for power.
type BeoLab5 struct {
	base  string
	max   float64
	httpc *http.Client

	deb   *debouncer
	power *powerCache

	// lastVolume is read and written from the router goroutine only.
	lastVolume float64
}

// NewBeoLab5 creates the DAC-mixer adapter.
func NewBeoLab5(host string, max int, httpc *http.Client) *BeoLab5 {
	b := &BeoLab5{
		base:  "http://" + host,
		max:   float64(max),
		httpc: httpc,
		power: newPowerCache(30 * time.Second),
	}
	b.deb = newDebouncer(50*time.Millisecond, b.flush)
	return b
}

func (b *BeoLab5) SetVolume(_ context.Context, pct float64) {
	capped := clampToMax(pct, b.max)
	b.lastVolume = capped
	b.deb.set(capped)
}

func (b *BeoLab5) flush(v float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.post(ctx, "/number/volume/set", v); err != nil {
		slog.Warn("beolab5 mixer unreachable", "err", err)
		return
	}
	slog.Info("beolab5 volume set", "volume", v)
}

func (b *BeoLab5) GetVolume(ctx context.Context) (float64, error) {
	v, err := b.getNumber(ctx, "/number/volume")
	if err != nil {
		return 0, err
	}
	b.lastVolume = v
	return v, nil
}

func (b *BeoLab5) SetBalance(ctx context.Context, balance float64) {
	if balance > 20 {
		balance = 20
	} else if balance < -20 {
		balance = -20
	}
	if err := b.post(ctx, "/number/balance/set", balance); err != nil {
		slog.Warn("beolab5 mixer unreachable (balance)", "err", err)
	}
}

func (b *BeoLab5) GetBalance(ctx context.Context) (float64, error) {
	return b.getNumber(ctx, "/number/balance")
}

func (b *BeoLab5) PowerOn(ctx context.Context) {
	if err := b.post(ctx, "/switch/power/turn_on", 0); err != nil {
		slog.Warn("beolab5 power on failed", "err", err)
		return
	}
	b.power.set(true)
	// Resume at a safe level, never above the power-on cap.
	safe := b.lastVolume
	if safe > PowerOnCap {
		safe = PowerOnCap
	}
	if safe > 0 {
		slog.Info("beolab5 power-on volume", "volume", safe, "remembered", b.lastVolume)
		b.SetVolume(ctx, safe)
	}
}

func (b *BeoLab5) PowerOff(ctx context.Context) {
	if err := b.post(ctx, "/switch/power/turn_off", 0); err != nil {
		slog.Warn("beolab5 power off failed", "err", err)
		return
	}
	b.power.set(false)
}

func (b *BeoLab5) IsOnCached() (on, known bool) { return b.power.cached() }

func (b *BeoLab5) IsOn(ctx context.Context) bool {
	if on, known := b.power.fresh(); known {
		return on
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/switch/power", nil)
	if err != nil {
		on, _ := b.power.cached()
		return on
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		slog.Warn("beolab5 power query failed", "err", err)
		on, _ := b.power.cached()
		return on
	}
	defer resp.Body.Close()
	var body struct {
		Value bool `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		on, _ := b.power.cached()
		return on
	}
	b.power.set(body.Value)
	return body.Value
}

func (b *BeoLab5) post(ctx context.Context, path string, value float64) error {
	u := b.base + path
	if path == "/number/volume/set" || path == "/number/balance/set" {
		u += "?value=" + url.QueryEscape(fmt.Sprintf("%g", value))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func (b *BeoLab5) getNumber(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var body struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Value, nil
}
