package player

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beocontrol/beocontrol/internal/models"
)

const (
	avTransportURN      = "urn:schemas-upnp-org:service:AVTransport:1"
	renderingControlURN = "urn:schemas-upnp-org:service:RenderingControl:1"
	monitorInterval     = 2 * time.Second
)

// Sonos drives a Sonos speaker through its UPnP services on port 1400
// and watches it for externally initiated changes.
type Sonos struct {
	host  string
	ctrl  string // control endpoint base, overridable in tests
	httpc *http.Client
	base  *Base // set by Attach

	mu        sync.Mutex
	lastState string
	lastTrack string
}

// NewSonos creates the device facade for one speaker.
func NewSonos(host string) *Sonos {
	return &Sonos{
		host:  host,
		ctrl:  fmt.Sprintf("http://%s:1400", host),
		httpc: &http.Client{Timeout: 3 * time.Second},
	}
}

// Attach gives the device its Base for media pushes and volume
// reports. Call before Monitor.
func (s *Sonos) Attach(b *Base) { s.base = b }

func (s *Sonos) Play(ctx context.Context, params map[string]any) error {
	for _, key := range []string{"uri", "url", "track_uri"} {
		uri, ok := params[key].(string)
		if !ok || uri == "" {
			continue
		}
		body := fmt.Sprintf(
			`<u:SetAVTransportURI xmlns:u="%s"><InstanceID>0</InstanceID><CurrentURI>%s</CurrentURI><CurrentURIMetaData></CurrentURIMetaData></u:SetAVTransportURI>`,
			avTransportURN, xmlEscape(uri))
		if _, err := s.soap(ctx, "AVTransport", "SetAVTransportURI", body); err != nil {
			return err
		}
		break
	}
	return s.transportCommand(ctx, "Play", `<Speed>1</Speed>`)
}

func (s *Sonos) Pause(ctx context.Context) error  { return s.transportCommand(ctx, "Pause", "") }
func (s *Sonos) Resume(ctx context.Context) error { return s.transportCommand(ctx, "Play", `<Speed>1</Speed>`) }
func (s *Sonos) Next(ctx context.Context) error   { return s.transportCommand(ctx, "Next", "") }
func (s *Sonos) Prev(ctx context.Context) error   { return s.transportCommand(ctx, "Previous", "") }
func (s *Sonos) Stop(ctx context.Context) error   { return s.transportCommand(ctx, "Stop", "") }

func (s *Sonos) Capabilities() []string { return []string{"url_stream", "radio"} }

var (
	transportStateRe = regexp.MustCompile(`<CurrentTransportState>([A-Z_]+)</CurrentTransportState>`)
	trackURIRe       = regexp.MustCompile(`<TrackURI>([^<]*)</TrackURI>`)
	trackMetaRe      = regexp.MustCompile(`<TrackMetaData>([^<]*)</TrackMetaData>`)
	trackDurationRe  = regexp.MustCompile(`<TrackDuration>([^<]*)</TrackDuration>`)
	relTimeRe        = regexp.MustCompile(`<RelTime>([^<]*)</RelTime>`)
	currentVolumeRe  = regexp.MustCompile(`<CurrentVolume>(\d+)</CurrentVolume>`)

	// DIDL-Lite fields inside the unescaped track metadata.
	didlTitleRe  = regexp.MustCompile(`<dc:title>([^<]*)</dc:title>`)
	didlArtistRe = regexp.MustCompile(`<dc:creator>([^<]*)</dc:creator>`)
	didlAlbumRe  = regexp.MustCompile(`<upnp:album>([^<]*)</upnp:album>`)
	didlArtRe    = regexp.MustCompile(`<upnp:albumArtURI>([^<]*)</upnp:albumArtURI>`)
)

// State maps the UPnP transport state onto the shared vocabulary.
func (s *Sonos) State(ctx context.Context) (map[string]any, error) {
	resp, err := s.soap(ctx, "AVTransport", "GetTransportInfo",
		fmt.Sprintf(`<u:GetTransportInfo xmlns:u="%s"><InstanceID>0</InstanceID></u:GetTransportInfo>`, avTransportURN))
	if err != nil {
		return nil, err
	}
	state := "stopped"
	if m := transportStateRe.FindStringSubmatch(resp); m != nil {
		switch m[1] {
		case "PLAYING", "TRANSITIONING":
			state = "playing"
		case "PAUSED_PLAYBACK":
			state = "paused"
		}
	}
	out := map[string]any{"state": state}

	pos, err := s.soap(ctx, "AVTransport", "GetPositionInfo",
		fmt.Sprintf(`<u:GetPositionInfo xmlns:u="%s"><InstanceID>0</InstanceID></u:GetPositionInfo>`, avTransportURN))
	if err == nil {
		if m := trackURIRe.FindStringSubmatch(pos); m != nil {
			out["track_uri"] = m[1]
		}
		if m := trackDurationRe.FindStringSubmatch(pos); m != nil {
			out["duration"] = hmsToSeconds(m[1])
		}
		if m := relTimeRe.FindStringSubmatch(pos); m != nil {
			out["position"] = hmsToSeconds(m[1])
		}
		if m := trackMetaRe.FindStringSubmatch(pos); m != nil {
			s.fillTrackMeta(out, xmlUnescape(m[1]))
		}
	}
	return out, nil
}

// fillTrackMeta extracts title, artist, album, and the art URL from the
// DIDL-Lite metadata the speaker reports for the current track.
func (s *Sonos) fillTrackMeta(out map[string]any, didl string) {
	if m := didlTitleRe.FindStringSubmatch(didl); m != nil {
		out["title"] = xmlUnescape(m[1])
	}
	if m := didlArtistRe.FindStringSubmatch(didl); m != nil {
		out["artist"] = xmlUnescape(m[1])
	}
	if m := didlAlbumRe.FindStringSubmatch(didl); m != nil {
		out["album"] = xmlUnescape(m[1])
	}
	if m := didlArtRe.FindStringSubmatch(didl); m != nil {
		art := xmlUnescape(m[1])
		// Speakers report art as a path on their own HTTP server.
		if strings.HasPrefix(art, "/") {
			art = s.ctrl + art
		}
		out["album_art_uri"] = art
	}
}

// Monitor polls the speaker every 2 s, diffing transport state and
// track against the previous poll: changes become media_update frames,
// observed volume is reported to the router, and a playback change we
// did not cause raises the override notification.
func (s *Sonos) Monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Sonos) poll(ctx context.Context) {
	state, err := s.State(ctx)
	if err != nil {
		slog.Debug("sonos poll failed", "err", err)
		return
	}
	cur, _ := state["state"].(string)
	track, _ := state["track_uri"].(string)

	s.mu.Lock()
	stateChanged := cur != s.lastState && s.lastState != ""
	trackChanged := track != s.lastTrack && s.lastTrack != ""
	s.lastState, s.lastTrack = cur, track
	s.mu.Unlock()

	if s.base == nil {
		return
	}

	if stateChanged || trackChanged {
		data := models.MediaData{State: cur, Source: "sonos"}
		if d, ok := state["duration"].(int); ok {
			data.Duration = d
		}
		if p, ok := state["position"].(int); ok {
			data.Position = p
		}
		data.Title, _ = state["title"].(string)
		data.Artist, _ = state["artist"].(string)
		data.Album, _ = state["album"].(string)
		if artURL, ok := state["album_art_uri"].(string); ok && artURL != "" {
			if art, err := s.base.Artwork().Get(ctx, artURL); err == nil {
				data.Artwork = art.Base64
				data.ArtworkW = art.Width
				data.ArtworkH = art.Height
			} else {
				slog.Debug("artwork fetch failed", "url", artURL, "err", err)
			}
		}
		reason := "state_change"
		if trackChanged {
			reason = "track_change"
		}
		s.base.PushMediaUpdate(reason, data)
		// A transition to playing that no local command produced means
		// another controller grabbed the speaker.
		if stateChanged && cur == "playing" {
			s.base.NotifyOverride(ctx)
		}
	}

	if v, err := s.volume(ctx); err == nil {
		s.base.ReportVolume(ctx, v)
	}
}

func (s *Sonos) volume(ctx context.Context) (float64, error) {
	resp, err := s.soap(ctx, "RenderingControl", "GetVolume",
		fmt.Sprintf(`<u:GetVolume xmlns:u="%s"><InstanceID>0</InstanceID><Channel>Master</Channel></u:GetVolume>`, renderingControlURN))
	if err != nil {
		return 0, err
	}
	m := currentVolumeRe.FindStringSubmatch(resp)
	if m == nil {
		return 0, fmt.Errorf("no CurrentVolume in response")
	}
	n, _ := strconv.Atoi(m[1])
	return float64(n), nil
}

func (s *Sonos) transportCommand(ctx context.Context, action, extra string) error {
	body := fmt.Sprintf(`<u:%s xmlns:u="%s"><InstanceID>0</InstanceID>%s</u:%s>`,
		action, avTransportURN, extra, action)
	_, err := s.soap(ctx, "AVTransport", action, body)
	return err
}

func (s *Sonos) soap(ctx context.Context, service, action, inner string) (string, error) {
	urn := avTransportURN
	if service == "RenderingControl" {
		urn = renderingControlURN
	}
	endpoint := fmt.Sprintf("%s/MediaRenderer/%s/Control", s.ctrl, service)
	envelope := `<?xml version="1.0" encoding="utf-8"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body>` + inner + `</s:Body></s:Envelope>`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(envelope))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, urn, action))
	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var sb strings.Builder
	if _, err := io.Copy(&sb, resp.Body); err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("SOAP %s: HTTP %d", action, resp.StatusCode)
	}
	return sb.String(), nil
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}

func xmlUnescape(s string) string {
	r := strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")
	return r.Replace(s)
}

// hmsToSeconds parses "H:MM:SS" durations.
func hmsToSeconds(s string) int {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	sec, _ := strconv.Atoi(parts[2])
	return h*3600 + m*60 + sec
}
