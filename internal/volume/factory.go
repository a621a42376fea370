package volume

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/beocontrol/beocontrol/internal/config"
)

// FromConfig selects and builds the adapter named by volume.type. When
// the key is absent the choice follows the player kind, so a Sonos
// player gets Sonos volume without extra config. Unknown types fall
// back to passthrough.
func FromConfig(cfg *config.Config) Adapter {
	typ := cfg.String("volume.type", "")
	if typ == "" {
		switch cfg.String("player.type", "") {
		case "sonos":
			typ = "sonos"
		case "bluesound":
			typ = "bluesound"
		default:
			typ = "passthrough"
		}
		slog.Info("volume type derived from player", "type", typ)
	}

	max := cfg.Int("volume.max", DefaultMax)
	host := cfg.String("volume.host", "localhost")
	httpc := &http.Client{Timeout: 3 * time.Second}

	switch typ {
	case "beolab5", "esphome":
		return NewBeoLab5(host, max, httpc)
	case "sonos":
		return NewSonos(host, max, httpc)
	case "bluesound":
		return NewBluesound(host, max, httpc)
	case "c4amp":
		return NewC4Amp(host, cfg.Int("volume.zone", 1), max)
	case "hdmi", "spdif", "rca":
		return NewALSA(typ, cfg.String("volume.card", ""), cfg.String("volume.control", ""), max)
	case "passthrough":
		return NewPassthrough(max)
	default:
		slog.Warn("unknown volume type, using passthrough", "type", typ)
		return NewPassthrough(max)
	}
}
