package player

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is the HTTP client side of the player API, used by sources
// with a remote player. All calls are single-shot with a short
// timeout.
type Client struct {
	base  string
	httpc *http.Client
}

// NewClient points at a player service, e.g. "http://localhost:8766".
func NewClient(base string) *Client {
	return &Client{base: base, httpc: &http.Client{Timeout: 2 * time.Second}}
}

// Play starts playback. params may carry uri, url, or track_uri.
func (c *Client) Play(ctx context.Context, params map[string]any) error {
	return c.post(ctx, "/player/play", params)
}

func (c *Client) Pause(ctx context.Context) error  { return c.post(ctx, "/player/pause", nil) }
func (c *Client) Resume(ctx context.Context) error { return c.post(ctx, "/player/resume", nil) }
func (c *Client) Next(ctx context.Context) error   { return c.post(ctx, "/player/next", nil) }
func (c *Client) Prev(ctx context.Context) error   { return c.post(ctx, "/player/prev", nil) }
func (c *Client) Stop(ctx context.Context) error   { return c.post(ctx, "/player/stop", nil) }

// State returns the player's playback state payload.
func (c *Client) State(ctx context.Context) (map[string]any, error) {
	return c.get(ctx, "/player/state")
}

// Capabilities returns the content kinds the player can render, e.g.
// ["spotify", "url_stream"]. Sources consult this before routing a
// payload to the player.
func (c *Client) Capabilities(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/player/capabilities")
	if err != nil {
		return nil, err
	}
	raw, _ := body["capabilities"].([]any)
	caps := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			caps = append(caps, s)
		}
	}
	return caps, nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var buf []byte
	if body != nil {
		var err error
		if buf, err = json.Marshal(body); err != nil {
			return err
		}
	} else {
		buf = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("player %s: HTTP %d", path, resp.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("player %s: HTTP %d", path, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
