package volume

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Bluesound talks to a BluOS player's HTTP API on port 11000. BluOS
// players have no power switch, so the adapter reports always-on.
type Bluesound struct {
	base  string
	max   float64
	httpc *http.Client
	deb   *debouncer
}

func NewBluesound(host string, max int, httpc *http.Client) *Bluesound {
	b := &Bluesound{
		base:  fmt.Sprintf("http://%s:11000", host),
		max:   float64(max),
		httpc: httpc,
	}
	b.deb = newDebouncer(100*time.Millisecond, b.flush)
	return b
}

func (b *Bluesound) SetVolume(_ context.Context, pct float64) {
	b.deb.set(clampToMax(pct, b.max))
}

func (b *Bluesound) flush(v float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := fmt.Sprintf("%s/Volume?level=%d", b.base, int(v))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		slog.Warn("bluesound player unreachable", "err", err)
		return
	}
	resp.Body.Close()
	slog.Info("bluesound volume set", "volume", int(v))
}

func (b *Bluesound) GetVolume(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/Volume", nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var body struct {
		XMLName xml.Name `xml:"volume"`
		Level   float64  `xml:",chardata"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("parse volume response: %w", err)
	}
	return body.Level, nil
}

func (b *Bluesound) IsOn(context.Context) bool { return true }
