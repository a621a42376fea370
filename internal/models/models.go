// Package models defines the wire types shared between the router, the
// UI bridge, sources, and players.
package models

// Source lifecycle states. At most one source is in StatePlaying or
// StatePaused at any time; the registry enforces this.
const (
	StateGone      = "gone"
	StateAvailable = "available"
	StatePlaying   = "playing"
	StatePaused    = "paused"
)

// Player kinds. A "local" source renders audio on this device; a "remote"
// source drives an external player service.
const (
	PlayerLocal  = "local"
	PlayerRemote = "remote"
)

// ValidSourceState reports whether s is a known lifecycle state.
func ValidSourceState(s string) bool {
	switch s {
	case StateGone, StateAvailable, StatePlaying, StatePaused:
		return true
	}
	return false
}

// Event is a normalized action event produced by an input collector
// (IR link, Bluetooth remote, wheel) and POSTed to the router.
type Event struct {
	Source     string `json:"source,omitempty"` // "ir" | "bluetooth" | "wheel"
	Action     string `json:"action"`
	DeviceType string `json:"device_type"` // "Audio" | "Video" | "Light" | "All"
	Count      int    `json:"count,omitempty"`
	Link       bool   `json:"link,omitempty"`
}

// SourceUpdate is the registration payload a source POSTs to /router/source.
// Name through Player are optional on a "gone" transition.
type SourceUpdate struct {
	ID         string   `json:"id"`
	State      string   `json:"state"`
	Name       string   `json:"name,omitempty"`
	CommandURL string   `json:"command_url,omitempty"`
	MenuPreset string   `json:"menu_preset,omitempty"`
	Handles    []string `json:"handles,omitempty"`
	Player     string   `json:"player,omitempty"`
	Navigate   bool     `json:"navigate,omitempty"`
	AutoPower  bool     `json:"auto_power,omitempty"`
}

// MenuItem is one entry of the UI menu: a static view, an embedded web
// page, or a dynamic source.
type MenuItem struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Type    string `json:"type,omitempty"` // "" or "webpage"
	URL     string `json:"url,omitempty"`
	Preset  string `json:"preset,omitempty"`
	Dynamic bool   `json:"dynamic,omitempty"`
	Hidden  bool   `json:"hidden,omitempty"`
}

// Menu is the ordered menu plus the active source, as served by
// GET /router/menu.
type Menu struct {
	Items        []MenuItem `json:"items"`
	ActiveSource string     `json:"active_source"`
	ActivePlayer string     `json:"active_player"`
}

// Command is the webhook command shape accepted by the UI bridge and by
// the transport's inbound bus topic.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// MediaData is the metadata payload a player pushes to UI clients.
type MediaData struct {
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	State       string `json:"state,omitempty"` // "playing" | "paused" | "stopped"
	Source      string `json:"source,omitempty"`
	Artwork     string `json:"artwork,omitempty"` // base64 JPEG
	ArtworkW    int    `json:"artwork_width,omitempty"`
	ArtworkH    int    `json:"artwork_height,omitempty"`
	Duration    int    `json:"duration,omitempty"` // seconds
	Position    int    `json:"position,omitempty"` // seconds
	TrackNumber int    `json:"track_number,omitempty"`
}

// MediaUpdate is the frame a player sends on its /ws feed.
type MediaUpdate struct {
	Type   string    `json:"type"` // always "media_update"
	Reason string    `json:"reason"`
	Data   MediaData `json:"data"`
}
