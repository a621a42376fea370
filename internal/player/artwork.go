package player

import (
	"bytes"
	"container/list"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

const (
	artworkCacheSize  = 100
	artworkFetchLimit = 10 * time.Second
	artworkMaxEdge    = 1000
	artworkSizeLimit  = 500 << 10
	jpegQuality       = 85
	jpegQualityLow    = 60
)

// Artwork is a cached, encoded cover image ready for a media_update
// frame.
type Artwork struct {
	Base64 string
	Width  int
	Height int
}

type artworkEntry struct {
	url string
	art *Artwork
}

// ArtworkCache is an LRU of fetched cover art keyed by URL. Image
// decode and re-encode run through a small worker pool so a burst of
// track changes cannot monopolize the process.
type ArtworkCache struct {
	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element

	httpc   *http.Client
	workers chan struct{}
}

// NewArtworkCache creates the cache with a 2-worker decode pool.
func NewArtworkCache() *ArtworkCache {
	return &ArtworkCache{
		order:   list.New(),
		items:   make(map[string]*list.Element),
		httpc:   &http.Client{Timeout: artworkFetchLimit},
		workers: make(chan struct{}, 2),
	}
}

// Get returns the encoded artwork for url, fetching and converting on
// a miss.
func (c *ArtworkCache) Get(ctx context.Context, url string) (*Artwork, error) {
	c.mu.Lock()
	if el, ok := c.items[url]; ok {
		c.order.MoveToFront(el)
		art := el.Value.(*artworkEntry).art
		c.mu.Unlock()
		return art, nil
	}
	c.mu.Unlock()

	raw, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	select {
	case c.workers <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	art, err := encodeArtwork(raw)
	<-c.workers
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[url]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*artworkEntry).art, nil
	}
	el := c.order.PushFront(&artworkEntry{url: url, art: art})
	c.items[url] = el
	for c.order.Len() > artworkCacheSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*artworkEntry).url)
	}
	return art, nil
}

// Len returns the number of cached images.
func (c *ArtworkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *ArtworkCache) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("artwork fetch: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// encodeArtwork converts any decodable image to an RGB JPEG suitable
// for the UI: downscaled to a bounded edge, quality 85, dropping to
// quality 60 when the encoded output is still over the size limit.
func encodeArtwork(raw []byte) (*Artwork, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode artwork: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > artworkMaxEdge || h > artworkMaxEdge {
		scale := float64(artworkMaxEdge) / float64(max(w, h))
		nw, nh := int(float64(w)*scale), int(float64(h)*scale)
		dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img, w, h = dst, nw, nh
		slog.Debug("artwork downscaled", "width", nw, "height", nh)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	if buf.Len() > artworkSizeLimit {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQualityLow}); err != nil {
			return nil, err
		}
		slog.Debug("artwork re-encoded at low quality", "bytes", buf.Len())
	}

	return &Artwork{
		Base64: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:  w,
		Height: h,
	}, nil
}
