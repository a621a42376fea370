package cd

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/beocontrol/beocontrol/internal/config"
)

// referenceTOC is the disc from the disc id documentation; its id is
// fixed and independently verifiable.
func referenceTOC() *TOC {
	return &TOC{
		FirstTrack: 1,
		LastTrack:  12,
		LeadOut:    267257,
		Offsets: []int{
			150, 22767, 41887, 58317, 72102, 91375,
			104652, 115380, 132165, 143932, 159870, 174597,
		},
	}
}

func TestDiscIDKnownVector(t *testing.T) {
	got := DiscID(referenceTOC())
	want := "49HHV7Eb8UKF3aQiNmu1GR8vKTY-"
	if got != want {
		t.Errorf("DiscID = %q, want %q", got, want)
	}
}

func TestTrackStartAndDuration(t *testing.T) {
	toc := &TOC{
		FirstTrack: 1,
		LastTrack:  3,
		Offsets:    []int{150, 7650, 15150},
		LeadOut:    22650,
	}
	if got := toc.TrackStart(1); got != 0 {
		t.Errorf("TrackStart(1) = %v, want 0", got)
	}
	if got := toc.TrackStart(2); got != 100 {
		t.Errorf("TrackStart(2) = %v, want 100", got)
	}
	for n := 1; n <= 3; n++ {
		if got := toc.TrackDuration(n); got != 100 {
			t.Errorf("TrackDuration(%d) = %d, want 100", n, got)
		}
	}
}

func TestFormatChapterTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00.000"},
		{61.5, "00:01:01.500"},
		{3723.042, "01:02:03.042"},
	}
	for _, tt := range tests {
		if got := formatChapterTime(tt.seconds); got != tt.want {
			t.Errorf("formatChapterTime(%v) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestWriteChaptersFile(t *testing.T) {
	e := NewEngine("/dev/sr0", t.TempDir(), nil)
	e.Load(&TOC{
		FirstTrack: 1,
		LastTrack:  2,
		Offsets:    []int{150, 7650},
		LeadOut:    15150,
	}, []Track{
		{Num: 1, Title: "Alpha"},
		{Num: 2, Title: "Beta"},
	})

	path, err := e.writeChaptersFile()
	if err != nil {
		t.Fatalf("writeChaptersFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read chapters: %v", err)
	}
	want := "CHAPTER01=00:00:00.000\n" +
		"CHAPTER01NAME=Alpha\n" +
		"CHAPTER02=00:01:40.000\n" +
		"CHAPTER02NAME=Beta\n"
	if string(raw) != want {
		t.Errorf("chapters file:\n%s\nwant:\n%s", raw, want)
	}
}

// engineRecorder captures playback callbacks.
type engineRecorder struct {
	tracks   []int
	ended    int
	timeouts int
}

func (r *engineRecorder) TrackChanged(n int) { r.tracks = append(r.tracks, n) }
func (r *engineRecorder) DiscEnded()         { r.ended++ }
func (r *engineRecorder) PauseTimeout()      { r.timeouts++ }

func TestPendingTrackFilter(t *testing.T) {
	rec := &engineRecorder{}
	e := NewEngine("/dev/sr0", t.TempDir(), rec)
	e.Load(&TOC{FirstTrack: 1, LastTrack: 10, LeadOut: 100000,
		Offsets: []int{150, 1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000, 9000}}, nil)

	e.currentTrack = 2
	e.pendingTrack = 5

	// Transient chapters during the seek must not surface.
	e.onChapter(2) // track 3
	e.onChapter(3) // track 4
	if len(rec.tracks) != 0 {
		t.Fatalf("transient chapters surfaced: %v", rec.tracks)
	}

	// The matching chapter settles the seek.
	e.onChapter(4) // track 5
	if len(rec.tracks) != 1 || rec.tracks[0] != 5 {
		t.Fatalf("TrackChanged = %v, want [5]", rec.tracks)
	}
	if e.pendingTrack != 0 {
		t.Errorf("pendingTrack = %d after settle, want 0", e.pendingTrack)
	}

	// Repeats of the current track are quiet.
	e.onChapter(4)
	if len(rec.tracks) != 1 {
		t.Errorf("duplicate chapter surfaced: %v", rec.tracks)
	}
}

func TestShuffleOrderStartsAtHead(t *testing.T) {
	e := NewEngine("/dev/sr0", t.TempDir(), &engineRecorder{})
	e.Load(&TOC{FirstTrack: 1, LastTrack: 10, LeadOut: 100000,
		Offsets: []int{150, 1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000, 9000}}, nil)

	e.rebuildShuffleLocked(4)
	if len(e.shuffleOrder) != 10 {
		t.Fatalf("order length = %d, want 10", len(e.shuffleOrder))
	}
	if e.shuffleOrder[0] != 4 {
		t.Errorf("order head = %d, want 4", e.shuffleOrder[0])
	}
	seen := map[int]bool{}
	for _, n := range e.shuffleOrder {
		if n < 1 || n > 10 || seen[n] {
			t.Fatalf("order is not a permutation: %v", e.shuffleOrder)
		}
		seen[n] = true
	}
}

func TestNextShuffleEndOfOrder(t *testing.T) {
	e := NewEngine("/dev/sr0", t.TempDir(), &engineRecorder{})
	e.Load(&TOC{FirstTrack: 1, LastTrack: 3, LeadOut: 30000,
		Offsets: []int{150, 1000, 2000}}, nil)
	e.shuffleOrder = []int{3, 1, 2}
	e.currentTrack = 2

	// Repeat off: the order is exhausted.
	if next, ok := e.nextShuffleLocked(); ok {
		t.Errorf("expected no next track, got %d", next)
	}

	// Repeat on: a fresh permutation continues from the current track.
	e.repeat = true
	e.shuffleOrder = []int{3, 1, 2}
	next, ok := e.nextShuffleLocked()
	if !ok {
		t.Fatal("expected a next track with repeat on")
	}
	if e.shuffleOrder[0] != 2 {
		t.Errorf("rebuilt order head = %d, want 2", e.shuffleOrder[0])
	}
	if next != e.shuffleOrder[1] {
		t.Errorf("next = %d, want order[1] = %d", next, e.shuffleOrder[1])
	}
}

func TestShuffleRedirectsNaturalAdvance(t *testing.T) {
	rec := &engineRecorder{}
	e := NewEngine("/dev/sr0", t.TempDir(), rec)
	e.Load(&TOC{FirstTrack: 1, LastTrack: 5, LeadOut: 50000,
		Offsets: []int{150, 1000, 2000, 3000, 4000}}, nil)

	client, server := net.Pipe()
	defer client.Close()
	e.conn = server
	e.shuffle = true
	e.shuffleOrder = []int{2, 5, 1, 3, 4}
	e.currentTrack = 2
	e.state = "playing"

	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(client)
		if scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// The subprocess rolls into track 3; shuffle wants track 5 next.
	e.onChapter(2)

	select {
	case line := <-lines:
		var msg struct {
			Command []any `json:"command"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("bad IPC line %q: %v", line, err)
		}
		if len(msg.Command) != 3 || msg.Command[0] != "set_property" ||
			msg.Command[1] != "chapter" || msg.Command[2] != float64(4) {
			t.Errorf("IPC command = %v, want seek to chapter 4", msg.Command)
		}
	case <-time.After(time.Second):
		t.Fatal("no IPC seek issued")
	}

	if e.pendingTrack != 5 {
		t.Errorf("pendingTrack = %d, want 5", e.pendingTrack)
	}
	if len(rec.tracks) != 0 {
		t.Errorf("redirect must not surface a track change, got %v", rec.tracks)
	}
}

func TestMetadataLookupAndCache(t *testing.T) {
	toc := referenceTOC()
	discID := DiscID(toc)

	var queries int
	mb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries++
		if !strings.Contains(r.URL.Path, discID) {
			http.NotFound(w, r)
			return
		}
		resp := map[string]any{
			"releases": []map[string]any{{
				"id":            "rel-1",
				"title":         "Test Album",
				"date":          "1999-03-01",
				"artist-credit": []map[string]any{{"name": "Test Artist"}},
				"media": []map[string]any{{
					"discs": []map[string]any{{"id": discID}},
					"tracks": []map[string]any{
						{"position": 1, "title": "One", "length": 180000},
						{"position": 2, "title": "Two", "length": 240000},
					},
				}},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer mb.Close()

	art := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/front-500") {
			w.Write([]byte("jpegbytes"))
			return
		}
		http.NotFound(w, r)
	}))
	defer art.Close()

	m := NewMetadataFetcher(t.TempDir())
	m.mbBase = mb.URL
	m.artBase = art.URL
	m.limiter = rate.NewLimiter(rate.Inf, 1)

	md := m.Lookup(context.Background(), toc)
	if md.Title != "Test Album" || md.Artist != "Test Artist" || md.Year != "1999" {
		t.Errorf("release fields = %q/%q/%q", md.Title, md.Artist, md.Year)
	}
	if len(md.Tracks) != 2 || md.Tracks[0].Duration != 180 {
		t.Errorf("tracks = %+v", md.Tracks)
	}
	if md.FrontArt == "" {
		t.Error("front art missing")
	}
	if md.BackArt != "" {
		t.Error("back art should be absent on 404")
	}
	if md.FromFallback {
		t.Error("lookup marked as fallback")
	}

	// The second lookup is served from the cache file.
	md2 := m.Lookup(context.Background(), toc)
	if queries != 1 {
		t.Errorf("queries = %d, want 1", queries)
	}
	if md2.Title != md.Title {
		t.Errorf("cached title = %q", md2.Title)
	}
}

func TestMetadataFallback(t *testing.T) {
	mb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer mb.Close()

	toc := &TOC{FirstTrack: 1, LastTrack: 2, Offsets: []int{150, 7650}, LeadOut: 15150}
	m := NewMetadataFetcher(t.TempDir())
	m.mbBase = mb.URL
	m.artBase = mb.URL
	m.limiter = rate.NewLimiter(rate.Inf, 1)

	md := m.Lookup(context.Background(), toc)
	if !md.FromFallback {
		t.Fatal("expected fallback metadata")
	}
	if len(md.Tracks) != 2 || md.Tracks[0].Title != "Track 1" {
		t.Errorf("fallback tracks = %+v", md.Tracks)
	}
	if md.Tracks[1].Duration != 100 {
		t.Errorf("fallback duration = %d, want 100", md.Tracks[1].Duration)
	}
}

func TestFindUSBMount(t *testing.T) {
	lsblk := `{
		"blockdevices": [
			{"name": "nvme0n1", "tran": "nvme", "mountpoint": null, "children": [
				{"name": "nvme0n1p1", "mountpoint": "/"},
				{"name": "nvme0n1p2", "mountpoint": "[SWAP]"}
			]},
			{"name": "sda", "tran": "usb", "mountpoint": null, "children": [
				{"name": "sda1", "mountpoint": "/media/usb"}
			]}
		]
	}`
	if got := findUSBMount([]byte(lsblk)); got != "/media/usb" {
		t.Errorf("findUSBMount = %q, want /media/usb", got)
	}

	if got := findUSBMount([]byte(`{"blockdevices": []}`)); got != "" {
		t.Errorf("findUSBMount on empty = %q, want empty", got)
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"AC/DC", "AC_DC"},
		{`What? "Yes"`, "What_ _Yes_"},
		{"  ", "Unknown"},
		{"Plain", "Plain"},
	}
	for _, tt := range tests {
		if got := sanitizePath(tt.in); got != tt.want {
			t.Errorf("sanitizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTrackNumberFromParams(t *testing.T) {
	if n, err := trackNumber(map[string]any{"track": 3.0}); err != nil || n != 3 {
		t.Errorf("track field: n=%d err=%v", n, err)
	}
	if n, err := trackNumber(map[string]any{"action": "7"}); err != nil || n != 7 {
		t.Errorf("digit action: n=%d err=%v", n, err)
	}
	// The zero key selects track ten.
	if n, err := trackNumber(map[string]any{"action": "0"}); err != nil || n != 10 {
		t.Errorf("zero action: n=%d err=%v", n, err)
	}
	if _, err := trackNumber(map[string]any{"action": "go"}); err == nil {
		t.Error("expected error for non-numeric action")
	}
}

func testCD(t *testing.T) *CD {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := []byte(`{"cd": {"device": "` + filepath.Join(dir, "sr0") + `",
		"work_dir": "` + dir + `", "cache_dir": "` + dir + `"}}`)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	c, _ := NewService(cfg)
	return c
}

func TestSourceButtonIntercept(t *testing.T) {
	c := testCD(t)
	cmd, _, ok := c.HandleRawAction("cd")
	if !ok || cmd != "toggle" {
		t.Errorf("cd button -> %q ok=%v, want toggle", cmd, ok)
	}
	if _, _, ok := c.HandleRawAction("go"); ok {
		t.Error("go must fall through to the action map")
	}
}

func TestSpeakersRoute(t *testing.T) {
	c := testCD(t)
	srv := httptest.NewServer(c.svc.Routes(c.Routes()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/speakers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Speakers []Speaker `json:"speakers"`
		Current  string    `json:"current"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Speakers) != 0 || body.Current != "" {
		t.Errorf("expected empty discovery, got %+v", body)
	}
}

// registerRecorder stands in for the router's /router/source endpoint.
type registerRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *registerRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var u struct {
		State string `json:"state"`
	}
	json.NewDecoder(req.Body).Decode(&u)
	r.mu.Lock()
	r.states = append(r.states, u.State)
	r.mu.Unlock()
	w.Write([]byte(`{"status":"ok"}`))
}

func (r *registerRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

func testCDWithRouter(t *testing.T, routerURL string) *CD {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := []byte(`{"router": {"url": "` + routerURL + `"},
		"cd": {"device": "` + filepath.Join(dir, "sr0") + `",
		"work_dir": "` + dir + `", "cache_dir": "` + dir + `"}}`)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	c, _ := NewService(cfg)
	return c
}

// fakeRunning puts the engine into a live subprocess shape without a
// real player: a pipe stands in for the IPC socket.
func fakeRunning(t *testing.T, e *Engine, state string) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go io.Copy(io.Discard, client)
	e.mu.Lock()
	e.cmd = &exec.Cmd{}
	e.conn = server
	e.state = state
	e.mu.Unlock()
}

// A play command while paused must re-register as playing, not leave
// the router stuck on the paused state.
func TestPlayWhilePausedRegistersPlaying(t *testing.T) {
	rec := &registerRecorder{}
	router := httptest.NewServer(rec)
	defer router.Close()

	c := testCDWithRouter(t, router.URL)
	c.mu.Lock()
	c.discInserted = true
	c.md = &DiscMetadata{DiscID: "d", Title: "Album", Tracks: []Track{{Num: 1, Title: "One"}}}
	c.mu.Unlock()
	fakeRunning(t, c.engine, "paused")

	if err := c.HandleCommand(context.Background(), "play", nil); err != nil {
		t.Fatalf("play: %v", err)
	}
	if s := c.engine.State()["state"]; s != "playing" {
		t.Errorf("engine state = %v, want playing", s)
	}
	if got := rec.last(); got != "playing" {
		t.Errorf("registered state = %q, want playing", got)
	}
}

// Ripping needs the drive to itself: playback stops and the source
// steps down before the rip is attempted.
func TestRipStopsPlayback(t *testing.T) {
	rec := &registerRecorder{}
	router := httptest.NewServer(rec)
	defer router.Close()

	c := testCDWithRouter(t, router.URL)
	c.mu.Lock()
	c.discInserted = true
	c.md = &DiscMetadata{DiscID: "d", Artist: "A", Title: "T", Tracks: []Track{{Num: 1, Title: "One"}}}
	c.mu.Unlock()
	fakeRunning(t, c.engine, "playing")

	// Mark a rip as already in flight so Start refuses without touching
	// any external tools; the drive must have been released regardless.
	c.ripper.mu.Lock()
	c.ripper.running = true
	c.ripper.usbMount = t.TempDir()
	c.ripper.usbScanned = time.Now()
	c.ripper.mu.Unlock()

	if err := c.HandleCommand(context.Background(), "rip", nil); err == nil {
		t.Fatal("expected the second rip to be refused")
	}
	if c.engine.Running() {
		t.Error("playback engine still running during rip")
	}
	if got := rec.last(); got != "available" {
		t.Errorf("registered state = %q, want available", got)
	}
}

// Switching releases fetches art from the network; status and the disc
// state must not queue behind that fetch.
func TestReleaseSwitchKeepsStatusResponsive(t *testing.T) {
	block := make(chan struct{})
	hit := make(chan struct{}, 1)
	art := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		<-block
		w.Write([]byte("jpegbytes"))
	}))
	defer art.Close()

	c := testCD(t)
	c.meta.artBase = art.URL
	c.meta.limiter = rate.NewLimiter(rate.Inf, 1)
	c.mu.Lock()
	c.discInserted = true
	c.md = &DiscMetadata{DiscID: "d1", Title: "First", Releases: []Release{
		{ID: "rel-1", Title: "First"},
		{ID: "rel-2", Title: "Second", Artist: "B", Year: "2001"},
	}}
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- c.HandleCommand(context.Background(), "use_release",
			map[string]any{"release_id": "rel-2"})
	}()
	<-hit

	start := time.Now()
	c.Status()
	if d := time.Since(start); d > 200*time.Millisecond {
		t.Errorf("Status blocked for %v behind the release switch", d)
	}

	// The disc goes away mid-switch; the stale result must not revive it.
	c.DiscEjected(context.Background())
	close(block)
	if err := <-done; err != nil {
		t.Fatalf("use_release: %v", err)
	}
	c.mu.Lock()
	md := c.md
	c.mu.Unlock()
	if md != nil {
		t.Errorf("ejected disc metadata resurrected: %+v", md)
	}
}

func TestCommandsRequireDisc(t *testing.T) {
	c := testCD(t)
	for _, cmd := range []string{"toggle", "play", "play_track"} {
		params := map[string]any{"track": 1.0}
		if err := c.HandleCommand(context.Background(), cmd, params); err == nil {
			t.Errorf("%s without a disc should fail", cmd)
		}
	}
}

// driveRecorder captures watcher transitions in order.
type driveRecorder struct {
	events []string
}

func (r *driveRecorder) DiscInserted(_ context.Context, toc *TOC, inGrace bool) {
	if inGrace {
		r.events = append(r.events, "inserted-grace")
	} else {
		r.events = append(r.events, "inserted")
	}
}
func (r *driveRecorder) DiscEjected(context.Context)       { r.events = append(r.events, "ejected") }
func (r *driveRecorder) DriveConnected(context.Context)    { r.events = append(r.events, "connected") }
func (r *driveRecorder) DriveDisconnected(context.Context) { r.events = append(r.events, "disconnected") }

func TestWatcherTransitions(t *testing.T) {
	device := filepath.Join(t.TempDir(), "sr0")
	if err := os.WriteFile(device, nil, 0644); err != nil {
		t.Fatal(err)
	}

	rec := &driveRecorder{}
	w := NewWatcher(device, rec)
	w.started = time.Now().Add(-time.Minute) // past the startup grace

	var toc *TOC
	w.probe = func(string) (*TOC, error) {
		if toc == nil {
			return nil, os.ErrNotExist
		}
		return toc, nil
	}
	ctx := context.Background()

	w.tick(ctx) // drive appears, no disc
	toc = referenceTOC()
	w.tick(ctx) // disc inserted
	w.tick(ctx) // steady state, no event
	toc = nil
	w.tick(ctx) // disc ejected
	os.Remove(device)
	w.tick(ctx) // drive gone

	want := []string{"connected", "inserted", "ejected", "disconnected"}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", rec.events, want)
		}
	}
}

func TestWatcherStartupGrace(t *testing.T) {
	device := filepath.Join(t.TempDir(), "sr0")
	if err := os.WriteFile(device, nil, 0644); err != nil {
		t.Fatal(err)
	}

	rec := &driveRecorder{}
	w := NewWatcher(device, rec)
	w.started = time.Now()
	w.probe = func(string) (*TOC, error) { return referenceTOC(), nil }

	w.tick(context.Background())
	want := []string{"connected", "inserted-grace"}
	if len(rec.events) != 2 || rec.events[0] != want[0] || rec.events[1] != want[1] {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
}
