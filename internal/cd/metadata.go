package cd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
)

const (
	musicBrainzBase = "https://musicbrainz.org/ws/2"
	coverArtBase    = "https://coverartarchive.org/release"
	lookupUserAgent = "beocontrol/1.0 (https://github.com/beocontrol/beocontrol)"
)

// Track is one entry of a normalized disc track list.
type Track struct {
	Num      int    `json:"num"`
	Title    string `json:"title"`
	Duration int    `json:"duration"` // seconds
}

// Release is one candidate release for a disc id, kept so the user can
// switch if the first pick is wrong.
type Release struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Year   string `json:"year"`
}

// DiscMetadata is everything known about the inserted disc.
type DiscMetadata struct {
	DiscID      string    `json:"disc_id"`
	ReleaseID   string    `json:"release_id"`
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	Year        string    `json:"year"`
	Tracks      []Track   `json:"tracks"`
	FrontArt    string    `json:"front_art,omitempty"` // local file path
	BackArt     string    `json:"back_art,omitempty"`
	Releases    []Release `json:"releases"`
	FetchedAt   time.Time `json:"fetched_at"`
	FromFallback bool     `json:"from_fallback,omitempty"`
}

// MetadataFetcher looks up disc metadata and cover art, caching both
// on disk keyed by disc id so a resync after restart needs no network.
type MetadataFetcher struct {
	httpc    *http.Client
	limiter  *rate.Limiter
	cacheDir string
	mbBase   string
	artBase  string
}

// NewMetadataFetcher stores artwork and metadata under cacheDir. The
// provider asks for at most one request per second; the limiter
// enforces it.
func NewMetadataFetcher(cacheDir string) *MetadataFetcher {
	return &MetadataFetcher{
		httpc:    &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		cacheDir: cacheDir,
		mbBase:   musicBrainzBase,
		artBase:  coverArtBase,
	}
}

// Lookup resolves a disc: cached metadata if present, else the
// provider, else TOC-derived fallback entries. Lookup never fails; the
// fallback always applies.
func (m *MetadataFetcher) Lookup(ctx context.Context, toc *TOC) *DiscMetadata {
	discID := DiscID(toc)

	if md, err := m.readCache(discID); err == nil {
		slog.Info("disc metadata from cache", "disc_id", discID)
		return md
	}

	md, err := m.query(ctx, discID)
	if err != nil {
		slog.Warn("disc lookup failed, using fallback titles", "disc_id", discID, "err", err)
		return fallbackMetadata(discID, toc)
	}
	fillDurations(md, toc)

	if front, err := m.fetchArt(ctx, md.ReleaseID, "front", discID+".jpg"); err == nil {
		md.FrontArt = front
	}
	if back, err := m.fetchArt(ctx, md.ReleaseID, "back", discID+"-back.jpg"); err == nil {
		md.BackArt = back
	}

	if err := m.writeCache(md); err != nil {
		slog.Warn("metadata cache write failed", "err", err)
	}
	return md
}

// UseRelease re-resolves the disc against a specific alternative
// release id and refreshes the cache.
func (m *MetadataFetcher) UseRelease(ctx context.Context, md *DiscMetadata, releaseID string) *DiscMetadata {
	for _, rel := range md.Releases {
		if rel.ID != releaseID {
			continue
		}
		md.ReleaseID = rel.ID
		md.Title = rel.Title
		md.Artist = rel.Artist
		md.Year = rel.Year
		if front, err := m.fetchArt(ctx, rel.ID, "front", md.DiscID+".jpg"); err == nil {
			md.FrontArt = front
		}
		if err := m.writeCache(md); err != nil {
			slog.Warn("metadata cache write failed", "err", err)
		}
		return md
	}
	slog.Warn("unknown release id", "release_id", releaseID)
	return md
}

// mbResponse mirrors the fields of the provider's discid lookup.
type mbResponse struct {
	Releases []struct {
		ID           string `json:"id"`
		Title        string `json:"title"`
		Date         string `json:"date"`
		ArtistCredit []struct {
			Name string `json:"name"`
		} `json:"artist-credit"`
		Media []struct {
			Discs []struct {
				ID string `json:"id"`
			} `json:"discs"`
			Tracks []struct {
				Position int    `json:"position"`
				Title    string `json:"title"`
				Length   int    `json:"length"` // ms
			} `json:"tracks"`
		} `json:"media"`
	} `json:"releases"`
}

func (m *MetadataFetcher) query(ctx context.Context, discID string) (*DiscMetadata, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/discid/%s?inc=artists+recordings&fmt=json", m.mbBase, discID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", lookupUserAgent)
	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("disc id not known")
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("lookup HTTP %d", resp.StatusCode)
	}

	var body mbResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Releases) == 0 {
		return nil, fmt.Errorf("no releases for disc id")
	}

	md := &DiscMetadata{DiscID: discID, FetchedAt: time.Now()}
	for _, rel := range body.Releases {
		artist := ""
		if len(rel.ArtistCredit) > 0 {
			artist = rel.ArtistCredit[0].Name
		}
		year := rel.Date
		if len(year) > 4 {
			year = year[:4]
		}
		md.Releases = append(md.Releases, Release{ID: rel.ID, Title: rel.Title, Artist: artist, Year: year})
	}

	// First release wins; the rest stay selectable.
	first := body.Releases[0]
	md.ReleaseID = md.Releases[0].ID
	md.Title = md.Releases[0].Title
	md.Artist = md.Releases[0].Artist
	md.Year = md.Releases[0].Year

	// Pick the medium whose disc list contains our id, falling back to
	// the first medium on multi-disc releases without a match.
	for _, medium := range first.Media {
		match := len(first.Media) == 1
		for _, d := range medium.Discs {
			if d.ID == discID {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		for _, tr := range medium.Tracks {
			md.Tracks = append(md.Tracks, Track{
				Num:      tr.Position,
				Title:    tr.Title,
				Duration: tr.Length / 1000,
			})
		}
		break
	}
	if len(md.Tracks) == 0 && len(first.Media) > 0 {
		for _, tr := range first.Media[0].Tracks {
			md.Tracks = append(md.Tracks, Track{Num: tr.Position, Title: tr.Title, Duration: tr.Length / 1000})
		}
	}
	return md, nil
}

func (m *MetadataFetcher) fetchArt(ctx context.Context, releaseID, side, filename string) (string, error) {
	if releaseID == "" {
		return "", fmt.Errorf("no release id")
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/%s/%s-500", m.artBase, releaseID, side)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", lookupUserAgent)
	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("cover art HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(m.cacheDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(m.cacheDir, filename)
	tmp, err := os.CreateTemp(m.cacheDir, "art-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	slog.Info("cover art cached", "side", side, "path", path)
	return path, nil
}

// fallbackMetadata builds generic entries straight from the TOC.
func fallbackMetadata(discID string, toc *TOC) *DiscMetadata {
	md := &DiscMetadata{
		DiscID:       discID,
		Title:        "Audio CD",
		Artist:       "Unknown Artist",
		FetchedAt:    time.Now(),
		FromFallback: true,
	}
	for n := toc.FirstTrack; n <= toc.LastTrack; n++ {
		md.Tracks = append(md.Tracks, Track{
			Num:      n,
			Title:    fmt.Sprintf("Track %d", n),
			Duration: toc.TrackDuration(n),
		})
	}
	return md
}

// fillDurations replaces missing provider durations with TOC-derived
// ones.
func fillDurations(md *DiscMetadata, toc *TOC) {
	for i := range md.Tracks {
		if md.Tracks[i].Duration == 0 {
			md.Tracks[i].Duration = toc.TrackDuration(md.Tracks[i].Num)
		}
	}
}

func (m *MetadataFetcher) cachePath(discID string) string {
	return filepath.Join(m.cacheDir, discID+".json")
}

func (m *MetadataFetcher) readCache(discID string) (*DiscMetadata, error) {
	raw, err := os.ReadFile(m.cachePath(discID))
	if err != nil {
		return nil, err
	}
	var md DiscMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// writeCache persists metadata atomically: temp file in the same
// directory, then rename.
func (m *MetadataFetcher) writeCache(md *DiscMetadata) error {
	if err := os.MkdirAll(m.cacheDir, 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(m.cacheDir, "meta-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	tmp.Close()
	return os.Rename(tmp.Name(), m.cachePath(md.DiscID))
}
