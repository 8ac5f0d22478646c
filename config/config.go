package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anqori/anchorwatch/errors"
)

// Storage backends of the relay.
const (
	StorageMemory = "memory"
	StorageKV     = "kv"
)

// Duration is a time.Duration that reads and writes as a duration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		return nil
	case float64:
		*d = Duration(int64(v))
		return nil
	case string:
		parsed, err := parseDurationWithDays(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("invalid duration %s", data)
}

// parseDurationWithDays parses durations that may be whole days ("14d").
func parseDurationWithDays(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// NATSConfig is the relay's NATS connection and KV bucket.
type NATSConfig struct {
	URL            string   `json:"url"`
	Token          string   `json:"token,omitempty"`
	Bucket         string   `json:"bucket"`
	Replicas       int      `json:"replicas"`
	MaxReconnects  int      `json:"max_reconnects"`
	ReconnectWait  Duration `json:"reconnect_wait"`
	ConnectTimeout Duration `json:"connect_timeout"`
}

// HubConfig tunes pipe sockets.
type HubConfig struct {
	// FrameRate is inbound frames per second per socket; 0 disables limiting.
	FrameRate    float64  `json:"frame_rate"`
	FrameBurst   int      `json:"frame_burst"`
	InboxSize    int      `json:"inbox_size"`
	PingInterval Duration `json:"ping_interval"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
}

// RelayConfig configures anchorwatch-relay.
type RelayConfig struct {
	Addr            string     `json:"addr"`
	AllowedOrigin   string     `json:"allowed_origin"`
	BoatID          string     `json:"boat_id,omitempty"`
	BoatSecret      string     `json:"boat_secret,omitempty"`
	BuildVersion    string     `json:"build_version"`
	TrackMaxPoints  int        `json:"track_max_points"`
	MaxBodyBytes    int64      `json:"max_body_bytes"`
	Storage         string     `json:"storage"`
	ShutdownTimeout Duration   `json:"shutdown_timeout"`
	NATS            NATSConfig `json:"nats"`
	Hub             HubConfig  `json:"hub"`
}

// DefaultRelayConfig returns the relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Addr:            ":8787",
		AllowedOrigin:   "*",
		BuildVersion:    "run-unknown",
		TrackMaxPoints:  10000,
		MaxBodyBytes:    1 << 20,
		Storage:         StorageMemory,
		ShutdownTimeout: Duration(10 * time.Second),
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Bucket:         "anchorwatch_relay",
			Replicas:       1,
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			ConnectTimeout: Duration(5 * time.Second),
		},
		Hub: HubConfig{
			FrameRate:    50,
			FrameBurst:   100,
			InboxSize:    64,
			PingInterval: Duration(30 * time.Second),
			ReadTimeout:  Duration(60 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
		},
	}
}

// Validate checks the relay settings.
func (c *RelayConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return invalid("RelayConfig", "addr is required")
	}
	switch c.Storage {
	case StorageMemory:
	case StorageKV:
		if c.NATS.URL == "" {
			return invalid("RelayConfig", "nats.url is required for kv storage")
		}
		if c.NATS.Bucket == "" {
			return invalid("RelayConfig", "nats.bucket is required for kv storage")
		}
		if c.NATS.Replicas < 1 || c.NATS.Replicas > 5 {
			return invalid("RelayConfig", "nats.replicas must be between 1 and 5")
		}
	default:
		return invalid("RelayConfig", fmt.Sprintf("storage must be %q or %q, got %q", StorageMemory, StorageKV, c.Storage))
	}
	if c.TrackMaxPoints < 0 {
		return invalid("RelayConfig", "track_max_points cannot be negative")
	}
	if c.MaxBodyBytes < 0 || c.MaxBodyBytes > 100<<20 {
		return invalid("RelayConfig", "max_body_bytes must be between 0 and 100MB")
	}
	if c.Hub.FrameRate < 0 || c.Hub.FrameBurst < 0 || c.Hub.InboxSize < 0 {
		return invalid("RelayConfig", "hub limits cannot be negative")
	}
	if c.ShutdownTimeout < 0 {
		return invalid("RelayConfig", "shutdown_timeout cannot be negative")
	}
	return nil
}

// ClientConfig configures the anchorwatch client.
type ClientConfig struct {
	// Mode is "device" or "fake".
	Mode         string   `json:"mode"`
	RelayBaseURL string   `json:"relay_base_url,omitempty"`
	BoatID       string   `json:"boat_id,omitempty"`
	BoatSecret   string   `json:"boat_secret,omitempty"`
	DeviceID     string   `json:"device_id,omitempty"`
	TickInterval Duration `json:"tick_interval"`
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Mode:         "device",
		TickInterval: Duration(time.Second),
	}
}

// Validate checks the client settings.
func (c *ClientConfig) Validate() error {
	if c.Mode != "device" && c.Mode != "fake" {
		return invalid("ClientConfig", fmt.Sprintf("mode must be device or fake, got %q", c.Mode))
	}
	if c.RelayBaseURL != "" {
		u, err := url.Parse(c.RelayBaseURL)
		if err != nil || u.Host == "" {
			return invalid("ClientConfig", "relay_base_url must be an absolute URL")
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return invalid("ClientConfig", "relay_base_url scheme must be http, https, ws or wss")
		}
	}
	if c.TickInterval < 0 {
		return invalid("ClientConfig", "tick_interval cannot be negative")
	}
	return nil
}

func invalid(component, msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, component, "Validate", msg)
}
