// Package transport delivers action events to the external
// home-automation system over an HTTP webhook, an MQTT bus, or both in
// parallel, and accepts command callbacks from the bus.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/beocontrol/beocontrol/internal/config"
	"github.com/beocontrol/beocontrol/internal/models"
)

// TopicPrefix is the first segment of every bus topic.
const TopicPrefix = "beocontrol"

const webhookTimeout = 500 * time.Millisecond

// Transport modes.
const (
	ModeWebhook = "webhook"
	ModeBus     = "bus"
	ModeBoth    = "both"
)

// CommandHandler receives commands arriving on the inbound bus topic.
// The payload shape matches the UI bridge webhook command shape.
type CommandHandler func(cmd models.Command)

// Transport is the unified outbound channel to the automation system.
type Transport struct {
	Mode string

	webhookURL string
	httpc      *http.Client

	broker      string
	topicOut    string
	topicIn     string
	topicStatus string
	client      mqtt.Client
	onCommand   CommandHandler
}

// New builds a Transport from config. Mode defaults to webhook; "mqtt"
// is accepted as an alias for bus.
func New(cfg *config.Config) *Transport {
	mode := strings.ToLower(cfg.String("transport.mode", ModeWebhook))
	if mode == "mqtt" {
		mode = ModeBus
	}
	slug := DeviceSlug(cfg.String("device", "beocontrol"))
	t := &Transport{
		Mode:       mode,
		webhookURL: cfg.String("home_assistant.webhook_url", "http://homeassistant.local:8123/api/webhook/beocontrol"),
		httpc:      &http.Client{Timeout: webhookTimeout},
		broker: fmt.Sprintf("tcp://%s:%d",
			cfg.String("transport.mqtt_broker", "homeassistant.local"),
			cfg.Int("transport.mqtt_port", 1883)),
		topicOut:    fmt.Sprintf("%s/%s/out", TopicPrefix, slug),
		topicIn:     fmt.Sprintf("%s/%s/in", TopicPrefix, slug),
		topicStatus: fmt.Sprintf("%s/%s/status", TopicPrefix, slug),
	}
	return t
}

var slugIllegal = regexp.MustCompile(`[^a-z0-9_]`)
var slugCollapse = regexp.MustCompile(`_+`)

// DeviceSlug converts a display name to a bus-safe topic segment:
// "Living Room" -> "living_room".
func DeviceSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugIllegal.ReplaceAllString(slug, "_")
	slug = slugCollapse.ReplaceAllString(slug, "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		return "default"
	}
	return slug
}

func (t *Transport) useWebhook() bool { return t.Mode == ModeWebhook || t.Mode == ModeBoth }
func (t *Transport) useBus() bool     { return t.Mode == ModeBus || t.Mode == ModeBoth }

// SetCommandHandler registers the callback for inbound bus commands.
// Call before Start.
func (t *Transport) SetCommandHandler(h CommandHandler) { t.onCommand = h }

// Start brings up the configured channels. The bus connection retries
// in the background with exponential backoff capped at 30 s; Start does
// not wait for it.
func (t *Transport) Start() {
	if t.useWebhook() {
		slog.Info("webhook transport ready", "url", t.webhookURL)
	}
	if !t.useBus() {
		return
	}

	will, _ := json.Marshal(map[string]string{"status": "offline"})
	opts := mqtt.NewClientOptions().
		AddBroker(t.broker).
		SetClientID("beocontrol-" + uuid.NewString()[:8]).
		SetUsername(os.Getenv("MQTT_USER")).
		SetPassword(os.Getenv("MQTT_PASSWORD")).
		SetBinaryWill(t.topicStatus, will, 1, true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("bus connection lost, reconnecting", "err", err)
		})

	t.client = mqtt.NewClient(opts)
	t.client.Connect() // async; retries internally
	slog.Info("bus transport starting", "broker", t.broker)
}

func (t *Transport) onConnect(c mqtt.Client) {
	slog.Info("bus connected", "broker", t.broker)
	online, _ := json.Marshal(map[string]string{"status": "online"})
	c.Publish(t.topicStatus, 1, true, online)

	c.Subscribe(t.topicIn, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var cmd models.Command
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			slog.Warn("bus command not valid JSON", "payload", string(msg.Payload()))
			return
		}
		slog.Info("bus command received", "command", cmd.Command)
		if t.onCommand != nil {
			t.onCommand(cmd)
		}
	})
	slog.Info("bus subscribed", "topic", t.topicIn)
}

// Stop disconnects the bus client.
func (t *Transport) Stop() {
	if t.client != nil {
		t.client.Disconnect(250)
		t.client = nil
	}
	slog.Info("transport stopped")
}

// SendEvent delivers the payload on every configured channel. In both
// mode the sends run concurrently; a failure on one channel never
// affects the other, and errors are logged, not returned.
func (t *Transport) SendEvent(ctx context.Context, payload models.Event) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("transport: marshal event", "err", err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	if t.useWebhook() {
		g.Go(func() error {
			if err := t.sendWebhook(ctx, body); err != nil {
				slog.Warn("webhook send failed", "action", payload.Action, "err", err)
			}
			return nil
		})
	}
	if t.useBus() {
		g.Go(func() error {
			if err := t.sendBus(body); err != nil {
				slog.Warn("bus publish failed", "action", payload.Action, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Transport) sendWebhook(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook HTTP %d", resp.StatusCode)
	}
	return nil
}

func (t *Transport) sendBus(body []byte) error {
	if t.client == nil || !t.client.IsConnectionOpen() {
		return fmt.Errorf("bus not connected")
	}
	// QoS 0 on the hot path: a lost button press is preferable to a
	// delayed retransmit.
	tok := t.client.Publish(t.topicOut, 0, false, body)
	tok.Wait()
	return tok.Error()
}
