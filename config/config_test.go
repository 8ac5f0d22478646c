package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anqori/anchorwatch/errors"
)

func writeLayer(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRelay_Defaults(t *testing.T) {
	l := NewLoader()
	l.EnableValidation(true)

	cfg, err := l.LoadRelay()
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, 10000, cfg.TrackMaxPoints)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout.Std())
	assert.Equal(t, "anchorwatch_relay", cfg.NATS.Bucket)
}

func TestLoadRelay_Layers(t *testing.T) {
	base := writeLayer(t, "base.json", `{
		"addr": ":9000",
		"boat_id": "boat-1",
		"hub": {"frame_rate": 5, "ping_interval": "15s"}
	}`)
	override := writeLayer(t, "prod.yaml", `
storage: kv
nats:
  url: nats://nats:4222
  replicas: 3
hub:
  read_timeout: 2m
`)

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(override)
	l.EnableValidation(true)

	cfg, err := l.LoadRelay()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "boat-1", cfg.BoatID)
	assert.Equal(t, StorageKV, cfg.Storage)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, 3, cfg.NATS.Replicas)
	assert.Equal(t, "anchorwatch_relay", cfg.NATS.Bucket, "untouched nested field keeps default")
	assert.Equal(t, 5.0, cfg.Hub.FrameRate)
	assert.Equal(t, 100, cfg.Hub.FrameBurst)
	assert.Equal(t, 15*time.Second, cfg.Hub.PingInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.Hub.ReadTimeout.Std())
}

func TestLoadRelay_EnvOverrides(t *testing.T) {
	layer := writeLayer(t, "relay.json", `{"addr": ":9000", "boat_id": "from-file"}`)
	t.Setenv("ANCHORWATCH_BOAT_ID", "from-env")
	t.Setenv("ANCHORWATCH_TRACK_MAX_POINTS", "500")
	t.Setenv("ANCHORWATCH_SHUTDOWN_TIMEOUT", "1d")
	t.Setenv("ANCHORWATCH_NATS_URL", "nats://env:4222")

	l := NewLoader()
	l.AddLayer(layer)
	cfg, err := l.LoadRelay()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "from-env", cfg.BoatID)
	assert.Equal(t, 500, cfg.TrackMaxPoints)
	assert.Equal(t, 24*time.Hour, cfg.ShutdownTimeout.Std())
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
}

func TestLoadRelay_BadEnvValue(t *testing.T) {
	t.Setenv("ANCHORWATCH_TRACK_MAX_POINTS", "lots")

	_, err := NewLoader().LoadRelay()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANCHORWATCH_TRACK_MAX_POINTS")
}

func TestLoadRelay_CustomPrefix(t *testing.T) {
	t.Setenv("AW_ADDR", ":1234")

	l := NewLoader()
	l.SetEnvPrefix("AW_")
	cfg, err := l.LoadRelay()
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.Addr)
}

func TestLoadRelay_ValidationFailure(t *testing.T) {
	layer := writeLayer(t, "relay.json", `{"storage": "redis"}`)

	l := NewLoader()
	l.AddLayer(layer)

	_, err := l.LoadRelay()
	require.NoError(t, err, "validation is off by default")

	l.EnableValidation(true)
	_, err = l.LoadRelay()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestLoadRelay_MissingLayer(t *testing.T) {
	l := NewLoader()
	l.AddLayer(filepath.Join(t.TempDir(), "absent.json"))

	_, err := l.LoadRelay()
	require.Error(t, err)
}

func TestLoadRelay_RejectsDeepJSON(t *testing.T) {
	body := ""
	for i := 0; i < maxJSONDepth+1; i++ {
		body += `{"a":`
	}
	body += "1"
	for i := 0; i < maxJSONDepth+1; i++ {
		body += "}"
	}
	l := NewLoader()
	l.AddLayer(writeLayer(t, "deep.json", body))

	_, err := l.LoadRelay()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too deep")
}

func TestRelayConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RelayConfig)
		ok     bool
	}{
		{"defaults", func(*RelayConfig) {}, true},
		{"empty addr", func(c *RelayConfig) { c.Addr = " " }, false},
		{"unknown storage", func(c *RelayConfig) { c.Storage = "disk" }, false},
		{"kv", func(c *RelayConfig) { c.Storage = StorageKV }, true},
		{"kv without url", func(c *RelayConfig) { c.Storage = StorageKV; c.NATS.URL = "" }, false},
		{"kv without bucket", func(c *RelayConfig) { c.Storage = StorageKV; c.NATS.Bucket = "" }, false},
		{"kv replicas", func(c *RelayConfig) { c.Storage = StorageKV; c.NATS.Replicas = 7 }, false},
		{"negative track max", func(c *RelayConfig) { c.TrackMaxPoints = -1 }, false},
		{"huge body", func(c *RelayConfig) { c.MaxBodyBytes = 200 << 20 }, false},
		{"negative frame rate", func(c *RelayConfig) { c.Hub.FrameRate = -1 }, false},
		{"negative shutdown", func(c *RelayConfig) { c.ShutdownTimeout = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRelayConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadClient(t *testing.T) {
	layer := writeLayer(t, "client.yml", `
mode: fake
boat_id: boat-1
tick_interval: 250ms
`)
	t.Setenv("ANCHORWATCH_RELAY_URL", "https://relay.example.com")

	l := NewLoader()
	l.AddLayer(layer)
	l.EnableValidation(true)
	cfg, err := l.LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "fake", cfg.Mode)
	assert.Equal(t, "boat-1", cfg.BoatID)
	assert.Equal(t, "https://relay.example.com", cfg.RelayBaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval.Std())
}

func TestClientConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		ok   bool
	}{
		{"defaults", DefaultClientConfig(), true},
		{"bad mode", ClientConfig{Mode: "sim"}, false},
		{"wss relay", ClientConfig{Mode: "device", RelayBaseURL: "wss://r.example.com"}, true},
		{"relative relay", ClientConfig{Mode: "device", RelayBaseURL: "/relay"}, false},
		{"ftp relay", ClientConfig{Mode: "device", RelayBaseURL: "ftp://r.example.com"}, false},
		{"negative tick", ClientConfig{Mode: "fake", TickInterval: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
		C Duration `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"90s","b":1000000,"c":"2d"}`), &v))
	assert.Equal(t, 90*time.Second, v.A.Std())
	assert.Equal(t, time.Millisecond, v.B.Std())
	assert.Equal(t, 48*time.Hour, v.C.Std())

	out, err := json.Marshal(v.A)
	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"a":"soon"}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &v))
}

func TestDeepMergeMaps(t *testing.T) {
	base := map[string]any{"a": 1, "nested": map[string]any{"x": 1, "y": 2}}
	override := map[string]any{"b": 2, "nested": map[string]any{"y": 3}, "a": nil}

	got := deepMergeMaps(base, override)
	assert.Equal(t, 1, got["a"], "nil does not erase")
	assert.Equal(t, 2, got["b"])
	assert.Equal(t, map[string]any{"x": 1, "y": 3}, got["nested"])
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, base["nested"], "base untouched")
}
