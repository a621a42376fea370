// Package config loads the single JSON config file shared by all
// beocontrol daemons.
//
// Search order:
//  1. /etc/beocontrol/config.json  (deployed)
//  2. ./config.json                (local dev)
//  3. <repo>/config/default.json   (fallback)
//
// Secrets (MQTT_USER, MQTT_PASSWORD, ...) stay in environment variables.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// SearchPaths is the default config file search order. Overridable in
// tests.
var SearchPaths = []string{
	"/etc/beocontrol/config.json",
	"config.json",
	"config/default.json",
}

// KnownVolumeTypes are the accepted values of volume.type.
var KnownVolumeTypes = []string{
	"beolab5", "esphome", "sonos", "bluesound", "c4amp", "hdmi", "spdif", "rca", "passthrough",
}

// Config is an immutable snapshot of the parsed config file plus the raw
// bytes (kept for order-preserving menu parsing).
type Config struct {
	mu   sync.RWMutex
	path string
	raw  []byte
	data map[string]any
}

// Load reads the first config file found on the search path. A missing
// file is not an error; the returned Config is empty and every accessor
// yields its default.
func Load() *Config {
	for _, path := range SearchPaths {
		c, err := LoadFile(path)
		if err == nil {
			slog.Info("config loaded", "path", path)
			c.validate()
			return c
		}
		if !errors.Is(err, os.ErrNotExist) {
			slog.Error("config unreadable", "path", path, "err", err)
		}
	}
	slog.Warn("no config.json found, using defaults")
	return &Config{data: map[string]any{}}
}

// LoadFile reads and parses a specific config file.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &Config{path: path, raw: raw, data: data}, nil
}

// Path returns the file this config was loaded from ("" when none).
func (c *Config) Path() string { return c.path }

// Reload re-reads the underlying file in place. No-op when the config
// did not come from a file.
func (c *Config) Reload() error {
	if c.path == "" {
		return nil
	}
	fresh, err := LoadFile(c.path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.raw = fresh.raw
	c.data = fresh.data
	c.mu.Unlock()
	slog.Info("config reloaded", "path", c.path)
	return nil
}

// lookup walks a dotted path ("volume.max") through nested objects.
func (c *Config) lookup(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var cur any = c.data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at the dotted path, or def.
func (c *Config) String(path, def string) string {
	if v, ok := c.lookup(path); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Int returns the integer at the dotted path, or def.
func (c *Config) Int(path string, def int) int {
	if v, ok := c.lookup(path); ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case string:
			var i int
			if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
				return i
			}
		}
	}
	return def
}

// Bool returns the boolean at the dotted path, or def.
func (c *Config) Bool(path string, def bool) bool {
	if v, ok := c.lookup(path); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Strings returns the string list at the dotted path, or nil.
func (c *Config) Strings(path string) []string {
	v, ok := c.lookup(path)
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Section returns the object at the dotted path, or nil.
func (c *Config) Section(path string) map[string]any {
	if v, ok := c.lookup(path); ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// MenuEntry is one ordered entry of the "menu" config section. A bare
// string value names a static view or source id; an object value may
// set id, hidden, or url (url makes it an embedded web page).
type MenuEntry struct {
	Title  string
	ID     string
	Hidden bool
	URL    string
}

// Menu parses the "menu" section preserving the file's top-to-bottom
// key order, which encoding/json maps discard. Returns nil when the
// section is absent.
func (c *Config) Menu() []MenuEntry {
	c.mu.RLock()
	raw := c.raw
	c.mu.RUnlock()
	if len(raw) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	// Walk the top-level object looking for the "menu" key.
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, _ := keyTok.(string)
		if key != "menu" {
			// Skip this value entirely.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil
			}
			continue
		}
		return parseMenuObject(dec)
	}
	return nil
}

func parseMenuObject(dec *json.Decoder) []MenuEntry {
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil
	}
	var entries []MenuEntry
	for dec.More() {
		titleTok, err := dec.Token()
		if err != nil {
			return nil
		}
		title, _ := titleTok.(string)

		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil
		}

		entry := MenuEntry{Title: title}
		var id string
		if err := json.Unmarshal(val, &id); err == nil {
			entry.ID = id
		} else {
			var obj struct {
				ID     string `json:"id"`
				Hidden bool   `json:"hidden"`
				URL    string `json:"url"`
			}
			if err := json.Unmarshal(val, &obj); err != nil {
				continue
			}
			entry.ID = obj.ID
			entry.Hidden = obj.Hidden
			entry.URL = obj.URL
			if entry.ID == "" {
				entry.ID = strings.ReplaceAll(strings.ToLower(title), " ", "_")
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// validate logs warnings for missing or suspicious values. It never
// fails the load; a daemon that truly cannot run without a key refuses
// to start on its own.
func (c *Config) validate() {
	if c.String("device", "") == "" {
		slog.Warn("config: missing 'device' name", "path", c.path)
	}
	if c.Section("menu") == nil {
		slog.Warn("config: missing 'menu' section, UI will use fallback menu", "path", c.path)
	}
	if c.String("home_assistant.webhook_url", "") == "" {
		slog.Warn("config: missing home_assistant.webhook_url, automation forwarding disabled", "path", c.path)
	}
	if vt := c.String("volume.type", ""); vt != "" && !knownVolumeType(vt) {
		slog.Warn("config: unknown volume.type", "type", vt, "path", c.path)
	}
	for _, entry := range c.Menu() {
		if entry.ID == "news" && c.String("news.guardian_api_key", "") == "" {
			slog.Error("config: news source in menu but no news.guardian_api_key set, service will refuse to start", "path", c.path)
		}
	}
}

func knownVolumeType(t string) bool {
	for _, k := range KnownVolumeTypes {
		if k == t {
			return true
		}
	}
	return false
}
