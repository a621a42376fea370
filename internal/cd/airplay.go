package cd

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// Speaker is one discovered AirPlay output.
type Speaker struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SinkSelector discovers AirPlay speakers on the LAN and switches the
// default audio sink so the playback subprocess lands on the chosen
// output.
type SinkSelector struct {
	mu       sync.Mutex
	speakers []Speaker
	current  string
}

// NewSinkSelector creates an empty selector; call Discover to fill it.
func NewSinkSelector() *SinkSelector {
	return &SinkSelector{}
}

// Discover browses _raop._tcp for a bounded window and replaces the
// speaker list with what answered.
func (s *SinkSelector) Discover(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var found []Speaker
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			name := entry.Instance
			// RAOP instances are "<mac>@<name>".
			if i := strings.Index(name, "@"); i >= 0 {
				name = name[i+1:]
			}
			sp := Speaker{Name: name, Port: entry.Port}
			if len(entry.AddrIPv4) > 0 {
				sp.Host = entry.AddrIPv4[0].String()
			}
			found = append(found, sp)
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := resolver.Browse(browseCtx, "_raop._tcp", "local.", entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}
	<-browseCtx.Done()
	<-done

	s.mu.Lock()
	s.speakers = found
	s.mu.Unlock()
	slog.Info("airplay discovery finished", "speakers", len(found))
	return nil
}

// Speakers returns the last discovery result.
func (s *SinkSelector) Speakers() []Speaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Speaker, len(s.speakers))
	copy(out, s.speakers)
	return out
}

// Select makes the named speaker's RAOP sink the default output via
// the sound server.
func (s *SinkSelector) Select(ctx context.Context, name string) error {
	s.mu.Lock()
	known := false
	for _, sp := range s.speakers {
		if sp.Name == name {
			known = true
			break
		}
	}
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("unknown speaker %q", name)
	}

	sink := "raop_output." + sanitizeSink(name)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "pactl", "set-default-sink", sink).CombinedOutput(); err != nil {
		return fmt.Errorf("set-default-sink: %w (%s)", err, out)
	}
	s.mu.Lock()
	s.current = name
	s.mu.Unlock()
	slog.Info("audio sink selected", "speaker", name, "sink", sink)
	return nil
}

// Current returns the selected speaker name, "" for the local default.
func (s *SinkSelector) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// sanitizeSink mirrors the sound server's sink naming: spaces and
// punctuation collapse to underscores.
func sanitizeSink(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
