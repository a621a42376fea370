package volume

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beocontrol/beocontrol/internal/config"
)

// A burst of set calls inside the debounce window must collapse to one
// flush carrying the latest value.
func TestDebouncerLastValueWins(t *testing.T) {
	var mu sync.Mutex
	var flushed []float64
	d := newDebouncer(30*time.Millisecond, func(v float64) {
		mu.Lock()
		flushed = append(flushed, v)
		mu.Unlock()
	})
	d.set(10)
	d.set(20)
	d.set(35)
	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("flush count = %d, want 1 (%v)", len(flushed), flushed)
	}
	if flushed[0] != 35 {
		t.Errorf("flushed %v, want 35", flushed[0])
	}
}

func TestDebouncerSeparateBursts(t *testing.T) {
	var mu sync.Mutex
	var flushed []float64
	d := newDebouncer(20*time.Millisecond, func(v float64) {
		mu.Lock()
		flushed = append(flushed, v)
		mu.Unlock()
	})
	d.set(10)
	time.Sleep(80 * time.Millisecond)
	d.set(50)
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 2 || flushed[0] != 10 || flushed[1] != 50 {
		t.Errorf("flushed %v, want [10 50]", flushed)
	}
}

func TestClampToMax(t *testing.T) {
	tests := []struct {
		in, max, want float64
	}{
		{50, 70, 50},
		{71, 70, 70},
		{200, 70, 70},
		{-5, 70, 0},
		{0, 70, 0},
	}
	for _, tt := range tests {
		if got := clampToMax(tt.in, tt.max); got != tt.want {
			t.Errorf("clampToMax(%v, %v) = %v, want %v", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestPowerCacheTTL(t *testing.T) {
	p := newPowerCache(40 * time.Millisecond)
	if _, known := p.cached(); known {
		t.Error("fresh cache should be unknown")
	}
	p.set(true)
	if on, known := p.fresh(); !known || !on {
		t.Error("state should be fresh right after set")
	}
	time.Sleep(60 * time.Millisecond)
	if _, known := p.fresh(); known {
		t.Error("state should age out after the TTL")
	}
	if on, known := p.cached(); !known || !on {
		t.Error("cached state must survive the TTL")
	}
}

func TestBeoLab5DebouncedWrite(t *testing.T) {
	var mu sync.Mutex
	var writes []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/number/volume/set" {
			mu.Lock()
			writes = append(writes, r.URL.Query().Get("value"))
			mu.Unlock()
		}
		w.Write([]byte(`{"value": 0}`))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	b := NewBeoLab5(u.Host, 70, srv.Client())
	ctx := context.Background()
	b.SetVolume(ctx, 30)
	b.SetVolume(ctx, 45)
	b.SetVolume(ctx, 90) // above max, clamps to 70
	time.Sleep(250 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(writes) != 1 {
		t.Fatalf("device writes = %d, want 1 (%v)", len(writes), writes)
	}
	if writes[0] != "70" {
		t.Errorf("written value = %q, want 70", writes[0])
	}
}

func TestBeoLab5PowerOnCap(t *testing.T) {
	var mu sync.Mutex
	var writes []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/number/volume/set" {
			mu.Lock()
			writes = append(writes, r.URL.Query().Get("value"))
			mu.Unlock()
		}
		w.Write([]byte(`{"value": 0}`))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	b := NewBeoLab5(u.Host, 70, srv.Client())
	ctx := context.Background()
	b.SetVolume(ctx, 65)
	time.Sleep(150 * time.Millisecond)

	b.PowerOn(ctx)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(writes) != 2 {
		t.Fatalf("device writes = %d, want 2 (%v)", len(writes), writes)
	}
	if writes[1] != "40" {
		t.Errorf("power-on volume = %q, want capped 40", writes[1])
	}
	if on, known := b.IsOnCached(); !known || !on {
		t.Error("power cache should report on after PowerOn")
	}
}

func TestSonosGetVolume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<s:Envelope><s:Body><u:GetVolumeResponse><CurrentVolume>42</CurrentVolume></u:GetVolumeResponse></s:Body></s:Envelope>`))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	s := NewSonos(u.Hostname(), 70, srv.Client())
	// Point at the test server instead of port 1400.
	s.endpoint = srv.URL

	v, err := s.GetVolume(context.Background())
	if err != nil {
		t.Fatalf("GetVolume: %v", err)
	}
	if v != 42 {
		t.Errorf("volume = %v, want 42", v)
	}
}

func TestFromConfigFollowsPlayer(t *testing.T) {
	tests := []struct {
		cfg  string
		want string
	}{
		{`{"player": {"type": "sonos"}}`, "*volume.Sonos"},
		{`{"player": {"type": "bluesound"}}`, "*volume.Bluesound"},
		{`{}`, "*volume.Passthrough"},
		{`{"volume": {"type": "c4amp"}}`, "*volume.C4Amp"},
		{`{"volume": {"type": "hdmi"}}`, "*volume.ALSA"},
		{`{"volume": {"type": "bogus"}}`, "*volume.Passthrough"},
	}
	for _, tt := range tests {
		path := filepath.Join(t.TempDir(), "config.json")
		if err := os.WriteFile(path, []byte(tt.cfg), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := config.LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		a := FromConfig(cfg)
		if got := typeName(a); got != tt.want {
			t.Errorf("FromConfig(%s) = %s, want %s", tt.cfg, got, tt.want)
		}
	}
}

func typeName(a Adapter) string {
	switch a.(type) {
	case *BeoLab5:
		return "*volume.BeoLab5"
	case *Sonos:
		return "*volume.Sonos"
	case *Bluesound:
		return "*volume.Bluesound"
	case *C4Amp:
		return "*volume.C4Amp"
	case *ALSA:
		return "*volume.ALSA"
	case *Passthrough:
		return "*volume.Passthrough"
	}
	return "unknown"
}
