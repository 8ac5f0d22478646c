package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "ANCHORWATCH"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with no layers and validation off.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment prefix.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = strings.TrimSuffix(prefix, "_")
}

// LoadRelay builds the relay configuration.
func (l *Loader) LoadRelay() (*RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if err := l.mergeLayers(&cfg); err != nil {
		return nil, err
	}
	if err := l.applyRelayEnv(&cfg); err != nil {
		return nil, err
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// LoadClient builds the client configuration.
func (l *Loader) LoadClient() (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := l.mergeLayers(&cfg); err != nil {
		return nil, err
	}
	if err := l.applyClientEnv(&cfg); err != nil {
		return nil, err
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// mergeLayers deep-merges each layer onto the JSON form of dst, so only the
// fields present in a layer override earlier values.
func (l *Loader) mergeLayers(dst any) error {
	if len(l.layers) == 0 {
		return nil
	}
	baseJSON, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	var merged map[string]any
	if err := json.Unmarshal(baseJSON, &merged); err != nil {
		return err
	}
	for _, path := range l.layers {
		layer, err := loadRawLayer(path)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged = deepMergeMaps(merged, layer)
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(mergedJSON, dst); err != nil {
		return fmt.Errorf("decode merged config: %w", err)
	}
	return nil
}

// loadRawLayer reads one file as a map, YAML by extension and JSON
// otherwise.
func loadRawLayer(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) env(name string) (string, bool, error) {
	key := l.envPrefix + "_" + name
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := validateEnvVar(key, val); err != nil {
		return "", false, err
	}
	return val, true, nil
}

type envBinding struct {
	name  string
	apply func(string) error
}

func (l *Loader) applyEnv(bindings []envBinding) error {
	for _, b := range bindings {
		val, ok, err := l.env(b.name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := b.apply(val); err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, b.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setDuration(dst *Duration) func(string) error {
	return func(v string) error {
		d, err := parseDurationWithDays(v)
		if err != nil {
			return err
		}
		*dst = Duration(d)
		return nil
	}
}

func (l *Loader) applyRelayEnv(cfg *RelayConfig) error {
	return l.applyEnv([]envBinding{
		{"ADDR", setString(&cfg.Addr)},
		{"ALLOWED_ORIGIN", setString(&cfg.AllowedOrigin)},
		{"BOAT_ID", setString(&cfg.BoatID)},
		{"BOAT_SECRET", setString(&cfg.BoatSecret)},
		{"BUILD_VERSION", setString(&cfg.BuildVersion)},
		{"TRACK_MAX_POINTS", setInt(&cfg.TrackMaxPoints)},
		{"STORAGE", setString(&cfg.Storage)},
		{"SHUTDOWN_TIMEOUT", setDuration(&cfg.ShutdownTimeout)},
		{"NATS_URL", setString(&cfg.NATS.URL)},
		{"NATS_TOKEN", setString(&cfg.NATS.Token)},
		{"NATS_BUCKET", setString(&cfg.NATS.Bucket)},
		{"HUB_FRAME_BURST", setInt(&cfg.Hub.FrameBurst)},
		{"HUB_FRAME_RATE", func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			cfg.Hub.FrameRate = f
			return nil
		}},
	})
}

func (l *Loader) applyClientEnv(cfg *ClientConfig) error {
	return l.applyEnv([]envBinding{
		{"MODE", setString(&cfg.Mode)},
		{"RELAY_URL", setString(&cfg.RelayBaseURL)},
		{"BOAT_ID", setString(&cfg.BoatID)},
		{"BOAT_SECRET", setString(&cfg.BoatSecret)},
		{"DEVICE_ID", setString(&cfg.DeviceID)},
		{"TICK_INTERVAL", setDuration(&cfg.TickInterval)},
	})
}
