package cd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const usbScanTTL = 30 * time.Second

// Ripper copies disc tracks to an attached USB drive as FLAC under
// <mount>/Music/<artist>/<album>.
type Ripper struct {
	device string

	mu        sync.Mutex
	running   bool
	progress  int // tracks done
	total     int
	lastError string

	usbMount   string
	usbScanned time.Time
}

// NewRipper rips from the given optical device.
func NewRipper(device string) *Ripper {
	return &Ripper{device: device}
}

// Status reports the rip state for the UI.
func (r *Ripper) Status() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"running":  r.running,
		"progress": r.progress,
		"total":    r.total,
		"error":    r.lastError,
	}
}

// Start launches the rip in the background. One rip at a time; a
// second Start while running is an error.
func (r *Ripper) Start(ctx context.Context, md *DiscMetadata) error {
	mount, err := r.usbMountpoint(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("rip already running")
	}
	r.running = true
	r.progress = 0
	r.total = len(md.Tracks)
	r.lastError = ""
	r.mu.Unlock()

	dest := filepath.Join(mount, "Music", sanitizePath(md.Artist), sanitizePath(md.Title))
	go r.run(md, dest)
	slog.Info("rip started", "dest", dest, "tracks", len(md.Tracks))
	return nil
}

func (r *Ripper) run(md *DiscMetadata, dest string) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if err := os.MkdirAll(dest, 0755); err != nil {
		r.fail(err)
		return
	}
	for _, track := range md.Tracks {
		wav := filepath.Join(dest, fmt.Sprintf(".rip-%02d.wav", track.Num))
		flac := filepath.Join(dest, fmt.Sprintf("%02d - %s.flac", track.Num, sanitizePath(track.Title)))

		if out, err := exec.Command("cdparanoia", "-d", r.device,
			fmt.Sprintf("%d", track.Num), wav).CombinedOutput(); err != nil {
			r.fail(fmt.Errorf("cdparanoia track %d: %w (%s)", track.Num, err, out))
			os.Remove(wav)
			return
		}
		if out, err := exec.Command("flac", "--best", "--silent",
			"-T", "TITLE="+track.Title,
			"-T", "ARTIST="+md.Artist,
			"-T", "ALBUM="+md.Title,
			"-T", fmt.Sprintf("TRACKNUMBER=%d", track.Num),
			"-o", flac, wav).CombinedOutput(); err != nil {
			r.fail(fmt.Errorf("flac track %d: %w (%s)", track.Num, err, out))
			os.Remove(wav)
			return
		}
		os.Remove(wav)

		r.mu.Lock()
		r.progress++
		r.mu.Unlock()
		slog.Info("track ripped", "track", track.Num, "file", flac)
	}
	slog.Info("rip finished", "dest", dest)
}

func (r *Ripper) fail(err error) {
	slog.Error("rip failed", "err", err)
	r.mu.Lock()
	r.lastError = err.Error()
	r.mu.Unlock()
}

// usbMountpoint finds a mounted USB-transport block device by scanning
// lsblk output. The scan result is cached for 30 s.
func (r *Ripper) usbMountpoint(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.usbMount != "" && time.Since(r.usbScanned) < usbScanTTL {
		mount := r.usbMount
		r.mu.Unlock()
		return mount, nil
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "lsblk", "-J", "-o", "NAME,TRAN,MOUNTPOINT").Output()
	if err != nil {
		return "", fmt.Errorf("lsblk: %w", err)
	}
	mount := findUSBMount(out)
	if mount == "" {
		return "", fmt.Errorf("no mounted USB drive found")
	}

	r.mu.Lock()
	r.usbMount = mount
	r.usbScanned = time.Now()
	r.mu.Unlock()
	return mount, nil
}

type lsblkDevice struct {
	Tran       string        `json:"tran"`
	Mountpoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children"`
}

// findUSBMount walks lsblk JSON for the first mounted partition of a
// USB-transport device.
func findUSBMount(raw []byte) string {
	var doc struct {
		Blockdevices []lsblkDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	var walk func(devs []lsblkDevice, usb bool) string
	walk = func(devs []lsblkDevice, usb bool) string {
		for _, d := range devs {
			isUSB := usb || d.Tran == "usb"
			if isUSB && d.Mountpoint != "" && d.Mountpoint != "[SWAP]" {
				return d.Mountpoint
			}
			if m := walk(d.Children, isUSB); m != "" {
				return m
			}
		}
		return ""
	}
	return walk(doc.Blockdevices, false)
}

// sanitizePath strips filesystem-hostile characters from a tag value.
func sanitizePath(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if s == "" {
		return "Unknown"
	}
	return s
}
