package cd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	duckLevel    = 60.0
	duckSteps    = 10
	duckDownSpan = 500 * time.Millisecond
	duckUpSpan   = 800 * time.Millisecond
)

// Announcer speaks a line of text over the running playback by ducking
// the subprocess volume, playing a synthesized clip, and fading back.
type Announcer struct {
	engine  *Engine
	workDir string
}

// NewAnnouncer shares the playback engine for volume control.
func NewAnnouncer(engine *Engine, workDir string) *Announcer {
	return &Announcer{engine: engine, workDir: workDir}
}

// Announce runs the full duck-speak-restore sequence. Blocking; run it
// off the command path.
func (a *Announcer) Announce(ctx context.Context, text string) error {
	clip, err := a.synthesize(ctx, text)
	if err != nil {
		return err
	}
	defer os.Remove(clip)

	a.ramp(100, duckLevel, duckDownSpan)
	defer a.ramp(duckLevel, 100, duckUpSpan)

	playCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(playCtx, "mpv", "--really-quiet", "--no-video", clip).CombinedOutput(); err != nil {
		return fmt.Errorf("play announcement: %w (%s)", err, out)
	}
	return nil
}

// ramp moves the playback volume between levels in fixed steps.
func (a *Announcer) ramp(from, to float64, span time.Duration) {
	step := (to - from) / duckSteps
	pause := span / duckSteps
	level := from
	for i := 0; i < duckSteps; i++ {
		level += step
		if err := a.engine.SetVolume(level); err != nil {
			return
		}
		time.Sleep(pause)
	}
}

// synthesize renders text to a wav clip, preferring the better engine
// and falling back to the ubiquitous one.
func (a *Announcer) synthesize(ctx context.Context, text string) (string, error) {
	if err := os.MkdirAll(a.workDir, 0755); err != nil {
		return "", err
	}
	clip := filepath.Join(a.workDir, "announce.wav")
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := exec.LookPath("pico2wave"); err == nil {
		if out, err := exec.CommandContext(ctx, "pico2wave", "-w", clip, text).CombinedOutput(); err == nil {
			return clip, nil
		} else {
			slog.Warn("pico2wave failed, trying espeak", "err", err, "out", string(out))
		}
	}
	if out, err := exec.CommandContext(ctx, "espeak", "-w", clip, text).CombinedOutput(); err != nil {
		return "", fmt.Errorf("speech synthesis: %w (%s)", err, out)
	}
	return clip, nil
}
