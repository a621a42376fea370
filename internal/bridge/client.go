package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/beocontrol/beocontrol/internal/models"
)

// Client is the narrow outbound surface other processes use to reach
// the UI bridge: a single webhook endpoint taking {command, params}.
// Registry broadcasts are translated into the bridge's command
// vocabulary here so the registry stays transport-agnostic.
type Client struct {
	url   string
	httpc *http.Client
}

// NewClient points at the bridge webhook, e.g.
// "http://localhost:8767/webhook".
func NewClient(url string) *Client {
	return &Client{
		url:   url,
		httpc: &http.Client{Timeout: time.Second},
	}
}

// Broadcast delivers one UI event. Known event types map to dedicated
// bridge commands; everything else goes through the transparent
// broadcast command. Failures are logged and swallowed.
func (c *Client) Broadcast(ctx context.Context, typ string, data map[string]any) {
	cmd := models.Command{Command: "broadcast", Params: map[string]any{"type": typ, "data": data}}

	switch typ {
	case "menu_item":
		change, _ := data["change"].(string)
		params := make(map[string]any, len(data))
		for k, v := range data {
			if k != "change" {
				params[k] = v
			}
		}
		switch change {
		case "add":
			cmd = models.Command{Command: "add_menu_item", Params: params}
		case "remove":
			cmd = models.Command{Command: "remove_menu_item", Params: params}
		case "hide":
			cmd = models.Command{Command: "hide_menu_item", Params: params}
		case "show":
			cmd = models.Command{Command: "show_menu_item", Params: params}
		}
	case "navigate":
		cmd = models.Command{Command: "wake", Params: data}
	}

	if err := c.post(ctx, cmd); err != nil {
		slog.Warn("bridge broadcast failed", "type", typ, "err", err)
	}
}

// Send delivers a raw command to the bridge webhook.
func (c *Client) Send(ctx context.Context, cmd models.Command) error {
	return c.post(ctx, cmd)
}

func (c *Client) post(ctx context.Context, cmd models.Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
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
		return fmt.Errorf("bridge HTTP %d", resp.StatusCode)
	}
	return nil
}
