package cd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const (
	ipcConnectRetries = 20
	ipcConnectDelay   = 250 * time.Millisecond
	killTimeout       = 2 * time.Second
	pauseTimeout      = 5 * time.Minute
)

// EngineEvents receives playback engine callbacks. All callbacks run
// on the engine's reader goroutine.
type EngineEvents interface {
	// TrackChanged fires when the running chapter settles on a track.
	TrackChanged(n int)
	// DiscEnded fires on natural end of disc with repeat off.
	DiscEnded()
	// PauseTimeout fires after the paused grace expires; the engine
	// has already stopped.
	PauseTimeout()
}

// Engine plays a whole disc gaplessly through one audio subprocess:
// the disc is a single input with an OGM chapters file, and track
// changes are chapter seeks over the IPC socket.
type Engine struct {
	device  string
	workDir string
	events  EngineEvents
	player  string // mpv binary

	mu           sync.Mutex
	cmd          *exec.Cmd
	conn         net.Conn
	toc          *TOC
	tracks       []Track
	state        string // "stopped" | "playing" | "paused"
	currentTrack int
	pendingTrack int // 0 = no seek in flight
	shuffle      bool
	repeat       bool
	shuffleOrder []int
	pauseTimer   *time.Timer
	requestID    int
}

// NewEngine creates the playback engine for device. workDir holds the
// chapters file and the IPC socket.
func NewEngine(device, workDir string, events EngineEvents) *Engine {
	return &Engine{
		device:  device,
		workDir: workDir,
		events:  events,
		player:  "mpv",
		state:   "stopped",
	}
}

// Load sets the disc the engine will play. Playback state resets.
func (e *Engine) Load(toc *TOC, tracks []Track) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toc = toc
	e.tracks = tracks
	e.currentTrack = 0
	e.pendingTrack = 0
	e.shuffleOrder = nil
}

// State returns a snapshot for status payloads and broadcasts.
func (e *Engine) State() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	if e.toc != nil {
		total = e.toc.Tracks()
	}
	return map[string]any{
		"state":         e.state,
		"current_track": e.currentTrack,
		"total_tracks":  total,
		"shuffle":       e.shuffle,
		"repeat":        e.repeat,
	}
}

// PlayTrack starts or seeks to track n. The first call launches the
// subprocess; later calls while it lives are pure chapter seeks, which
// is what makes track changes gapless.
func (e *Engine) PlayTrack(ctx context.Context, n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.toc == nil || n < e.toc.FirstTrack || n > e.toc.LastTrack {
		return fmt.Errorf("track %d out of range", n)
	}

	if e.cmd != nil && e.conn != nil {
		e.pendingTrack = n
		if err := e.sendLocked("set_property", "chapter", n-e.toc.FirstTrack); err != nil {
			return err
		}
		if e.state == "paused" {
			if err := e.sendLocked("set_property", "pause", false); err != nil {
				return err
			}
		}
		e.setStateLocked("playing")
		return nil
	}
	return e.launchLocked(ctx, n)
}

func (e *Engine) launchLocked(ctx context.Context, startTrack int) error {
	chapters, err := e.writeChaptersFile()
	if err != nil {
		return err
	}
	sock := filepath.Join(e.workDir, "player.sock")
	os.Remove(sock)

	cmd := exec.Command(e.player,
		"cdda://"+e.device,
		"--chapters-file="+chapters,
		"--chapter="+fmt.Sprintf("%d", startTrack-e.toc.FirstTrack),
		"--input-ipc-server="+sock,
		"--no-video",
		"--really-quiet",
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch player: %w", err)
	}
	slog.Info("playback subprocess started", "pid", cmd.Process.Pid, "track", startTrack)

	conn, err := dialIPC(ctx, sock)
	if err != nil {
		killGroup(cmd.Process.Pid)
		cmd.Wait()
		return fmt.Errorf("player IPC: %w", err)
	}

	e.cmd = cmd
	e.conn = conn
	e.pendingTrack = startTrack
	e.setStateLocked("playing")

	if err := e.sendLocked("observe_property", 1, "chapter"); err != nil {
		slog.Warn("observe_property failed", "err", err)
	}

	go e.readIPC(conn)
	go func() {
		cmd.Wait()
	}()
	return nil
}

func dialIPC(ctx context.Context, sock string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < ipcConnectRetries; i++ {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ipcConnectDelay):
		}
	}
	return nil, lastErr
}

// readIPC is the single reader of player events, which serializes the
// chapter state machine against itself.
func (e *Engine) readIPC(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg struct {
			Event string          `json:"event"`
			Name  string          `json:"name"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Event == "property-change" && msg.Name == "chapter" {
			var chapter float64
			if err := json.Unmarshal(msg.Data, &chapter); err != nil {
				continue
			}
			e.onChapter(int(chapter))
		}
	}
	// EOF: the subprocess exited, naturally or killed.
	e.onExit()
}

// onChapter applies the pending-seek discipline: while a seek is in
// flight only the matching chapter event counts; transient
// intermediate values are ignored.
func (e *Engine) onChapter(chapter int) {
	e.mu.Lock()
	if e.toc == nil {
		e.mu.Unlock()
		return
	}
	track := chapter + e.toc.FirstTrack

	if e.pendingTrack != 0 {
		if track != e.pendingTrack {
			e.mu.Unlock()
			return
		}
		e.pendingTrack = 0
		e.currentTrack = track
		e.mu.Unlock()
		e.events.TrackChanged(track)
		return
	}

	if track == e.currentTrack {
		e.mu.Unlock()
		return
	}

	// Natural advance. With shuffle on, redirect sequence+1 to the
	// next shuffle slot instead.
	if e.shuffle && track == e.currentTrack+1 {
		next, ok := e.nextShuffleLocked()
		if !ok {
			e.mu.Unlock()
			return
		}
		if next != track {
			e.pendingTrack = next
			e.sendLocked("set_property", "chapter", next-e.toc.FirstTrack)
			e.mu.Unlock()
			return
		}
	}
	e.currentTrack = track
	e.mu.Unlock()
	e.events.TrackChanged(track)
}

// nextShuffleLocked finds the slot after the current track in the
// shuffle order. End of order with repeat on rebuilds a fresh
// permutation starting at the current track; with repeat off there is
// no next.
func (e *Engine) nextShuffleLocked() (int, bool) {
	if len(e.shuffleOrder) == 0 {
		e.rebuildShuffleLocked(e.currentTrack)
	}
	for i, t := range e.shuffleOrder {
		if t != e.currentTrack {
			continue
		}
		if i+1 < len(e.shuffleOrder) {
			return e.shuffleOrder[i+1], true
		}
		if e.repeat && len(e.shuffleOrder) > 1 {
			e.rebuildShuffleLocked(e.currentTrack)
			return e.shuffleOrder[1], true
		}
		return 0, false
	}
	return e.shuffleOrder[0], true
}

// rebuildShuffleLocked creates a permutation of all tracks that starts
// at head.
func (e *Engine) rebuildShuffleLocked(head int) {
	var rest []int
	for n := e.toc.FirstTrack; n <= e.toc.LastTrack; n++ {
		if n != head {
			rest = append(rest, n)
		}
	}
	rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	e.shuffleOrder = append([]int{head}, rest...)
}

func (e *Engine) onExit() {
	e.mu.Lock()
	wasPlaying := e.state == "playing"
	repeat := e.repeat
	e.cmd = nil
	e.conn = nil
	e.setStateLocked("stopped")
	e.stopPauseTimerLocked()
	e.mu.Unlock()

	if !wasPlaying {
		return
	}
	if repeat {
		slog.Info("disc ended, repeat is on, relaunching")
		start := 0
		e.mu.Lock()
		if e.toc != nil {
			start = e.toc.FirstTrack
			if e.shuffle {
				e.rebuildShuffleLocked(e.toc.FirstTrack)
			}
		}
		e.mu.Unlock()
		if start > 0 {
			if err := e.PlayTrack(context.Background(), start); err != nil {
				slog.Warn("repeat relaunch failed", "err", err)
			}
		}
		return
	}
	slog.Info("disc ended")
	e.events.DiscEnded()
}

// Pause pauses playback and arms the pause timeout.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return fmt.Errorf("not playing")
	}
	if err := e.sendLocked("set_property", "pause", true); err != nil {
		return err
	}
	e.setStateLocked("paused")
	return nil
}

// Resume continues paused playback.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return fmt.Errorf("not playing")
	}
	if err := e.sendLocked("set_property", "pause", false); err != nil {
		return err
	}
	e.setStateLocked("playing")
	return nil
}

// Toggle flips between playing and paused, starting track 1 when
// stopped.
func (e *Engine) Toggle(ctx context.Context) error {
	e.mu.Lock()
	state := e.state
	first := 0
	if e.toc != nil {
		first = e.toc.FirstTrack
	}
	e.mu.Unlock()
	switch state {
	case "playing":
		return e.Pause()
	case "paused":
		return e.Resume()
	default:
		if first == 0 {
			return fmt.Errorf("no disc")
		}
		return e.PlayTrack(ctx, first)
	}
}

// Next advances one track, honoring shuffle order.
func (e *Engine) Next(ctx context.Context) error {
	e.mu.Lock()
	if e.toc == nil || e.currentTrack == 0 {
		e.mu.Unlock()
		return fmt.Errorf("not playing")
	}
	var target int
	if e.shuffle {
		next, ok := e.nextShuffleLocked()
		if !ok {
			e.mu.Unlock()
			return e.Stop()
		}
		target = next
	} else {
		target = e.currentTrack + 1
		if target > e.toc.LastTrack {
			if !e.repeat {
				e.mu.Unlock()
				return e.Stop()
			}
			target = e.toc.FirstTrack
		}
	}
	e.mu.Unlock()
	return e.PlayTrack(ctx, target)
}

// Prev steps one track back, clamping at the first.
func (e *Engine) Prev(ctx context.Context) error {
	e.mu.Lock()
	if e.toc == nil || e.currentTrack == 0 {
		e.mu.Unlock()
		return fmt.Errorf("not playing")
	}
	target := e.currentTrack - 1
	if target < e.toc.FirstTrack {
		target = e.toc.FirstTrack
	}
	e.mu.Unlock()
	return e.PlayTrack(ctx, target)
}

// SetShuffle toggles shuffle, rebuilding the order from the current
// track when enabling mid-play.
func (e *Engine) SetShuffle(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shuffle = on
	if on && e.currentTrack != 0 && e.toc != nil {
		e.rebuildShuffleLocked(e.currentTrack)
	} else if !on {
		e.shuffleOrder = nil
	}
}

// SetRepeat toggles repeat.
func (e *Engine) SetRepeat(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repeat = on
}

// SetVolume sets the subprocess volume (0-100), used by the announcer
// to duck and restore.
func (e *Engine) SetVolume(pct float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return fmt.Errorf("not playing")
	}
	return e.sendLocked("set_property", "volume", pct)
}

// Stop terminates the subprocess: SIGTERM to the group, SIGKILL after
// the grace.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cmd := e.cmd
	conn := e.conn
	e.cmd = nil
	e.conn = nil
	e.setStateLocked("stopped")
	e.currentTrack = 0
	e.pendingTrack = 0
	e.stopPauseTimerLocked()
	e.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if cmd != nil && cmd.Process != nil {
		killGroup(cmd.Process.Pid)
	}
	return nil
}

// Running reports whether the subprocess is alive.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd != nil
}

func (e *Engine) setStateLocked(state string) {
	e.state = state
	if state == "paused" {
		e.stopPauseTimerLocked()
		e.pauseTimer = time.AfterFunc(pauseTimeout, func() {
			slog.Info("pause timeout, stopping playback")
			e.Stop()
			e.events.PauseTimeout()
		})
	} else {
		e.stopPauseTimerLocked()
	}
}

func (e *Engine) stopPauseTimerLocked() {
	if e.pauseTimer != nil {
		e.pauseTimer.Stop()
		e.pauseTimer = nil
	}
}

// sendLocked writes one IPC command line. Caller holds e.mu.
func (e *Engine) sendLocked(args ...any) error {
	if e.conn == nil {
		return fmt.Errorf("no IPC connection")
	}
	e.requestID++
	line, err := json.Marshal(map[string]any{"command": args, "request_id": e.requestID})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = e.conn.Write(line)
	return err
}

// writeChaptersFile emits the OGM chapter list: one chapter per track
// with its absolute disc offset (frames / 75 seconds).
func (e *Engine) writeChaptersFile() (string, error) {
	if err := os.MkdirAll(e.workDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(e.workDir, "chapters.txt")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	for i := 0; i < e.toc.Tracks(); i++ {
		n := e.toc.FirstTrack + i
		title := fmt.Sprintf("Track %d", n)
		if i < len(e.tracks) {
			title = e.tracks[i].Title
		}
		fmt.Fprintf(f, "CHAPTER%02d=%s\n", i+1, formatChapterTime(e.toc.TrackStart(n)))
		fmt.Fprintf(f, "CHAPTER%02dNAME=%s\n", i+1, title)
	}
	return path, nil
}

// formatChapterTime renders seconds as HH:MM:SS.mmm.
func formatChapterTime(seconds float64) string {
	ms := int(seconds*1000 + 0.5)
	h := ms / 3600000
	m := ms / 60000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}

// killGroup sends SIGTERM to the process group and escalates to
// SIGKILL when it survives the grace period.
func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(killTimeout)
	for time.Now().Before(deadline) {
		if syscall.Kill(-pid, 0) != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	slog.Warn("playback subprocess survived SIGTERM, killing", "pid", pid)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
