package volume

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sonos controls a Sonos speaker through the UPnP RenderingControl
// service on port 1400. The speaker has no power switch.
type Sonos struct {
	endpoint string
	max      float64
	httpc    *http.Client
	deb      *debouncer
}

const renderingControlURN = "urn:schemas-upnp-org:service:RenderingControl:1"

func NewSonos(host string, max int, httpc *http.Client) *Sonos {
	s := &Sonos{
		endpoint: fmt.Sprintf("http://%s:1400/MediaRenderer/RenderingControl/Control", host),
		max:      float64(max),
		httpc:    httpc,
	}
	s.deb = newDebouncer(100*time.Millisecond, s.flush)
	return s
}

func (s *Sonos) SetVolume(_ context.Context, pct float64) {
	s.deb.set(clampToMax(pct, s.max))
}

func (s *Sonos) flush(v float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	body := fmt.Sprintf(
		`<u:SetVolume xmlns:u="%s"><InstanceID>0</InstanceID><Channel>Master</Channel><DesiredVolume>%d</DesiredVolume></u:SetVolume>`,
		renderingControlURN, int(v))
	if _, err := s.soap(ctx, "SetVolume", body); err != nil {
		slog.Warn("sonos speaker unreachable", "err", err)
		return
	}
	slog.Info("sonos volume set", "volume", int(v))
}

var currentVolumeRe = regexp.MustCompile(`<CurrentVolume>(\d+)</CurrentVolume>`)

func (s *Sonos) GetVolume(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	body := fmt.Sprintf(
		`<u:GetVolume xmlns:u="%s"><InstanceID>0</InstanceID><Channel>Master</Channel></u:GetVolume>`,
		renderingControlURN)
	resp, err := s.soap(ctx, "GetVolume", body)
	if err != nil {
		return 0, err
	}
	m := currentVolumeRe.FindStringSubmatch(resp)
	if m == nil {
		return 0, fmt.Errorf("no CurrentVolume in response")
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	return float64(n), nil
}

func (s *Sonos) IsOn(context.Context) bool { return true }

// soap posts one action to the RenderingControl endpoint and returns
// the raw response body.
func (s *Sonos) soap(ctx context.Context, action, inner string) (string, error) {
	envelope := `<?xml version="1.0" encoding="utf-8"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body>` + inner + `</s:Body></s:Envelope>`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(envelope))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, renderingControlURN, action))
	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("SOAP %s: HTTP %d", action, resp.StatusCode)
	}
	return buf.String(), nil
}
