package synthetic

import (
	"strings"

	"github.com/anqori/anchorwatch/protocol"
)

// Alert ids in report order.
var alertIDs = []string{"anchor_distance", "boating_area", "wind_strength", "depth", "data_outdated"}

// Alert runtime states.
const (
	AlertDisabled  = "DISABLED"
	AlertWatching  = "WATCHING"
	AlertTriggered = "TRIGGERED"
	AlertActive    = "ALERT"
	AlertSilenced  = "ALERT_SILENCED"
)

type alertConfig struct {
	enabled   bool
	minTimeMs int64
	severity  string
	// threshold is max distance (m), max wind (kn), min depth (m) or max
	// data age (ms) depending on the alert.
	threshold float64
	polygon   []geoPoint
}

type alertRuntime struct {
	state           string
	aboveSinceTs    *int64
	alertSinceTs    *int64
	silencedUntilTs *int64
}

// thresholdKeys maps each alert to the config key of its threshold.
var thresholdKeys = map[string]string{
	"anchor_distance": "max_distance_m",
	"boating_area":    "max_distance_m",
	"wind_strength":   "max_tws",
	"depth":           "min_depth",
	"data_outdated":   "min_age",
}

func defaultAlertConfig() map[string]*alertConfig {
	return map[string]*alertConfig{
		"anchor_distance": {enabled: true, minTimeMs: 15_000, severity: "ALARM", threshold: 35},
		"boating_area": {enabled: true, minTimeMs: 15_000, severity: "ALARM", threshold: 120, polygon: []geoPoint{
			{54.3194, 10.1388}, {54.3212, 10.1388}, {54.3212, 10.1418}, {54.3194, 10.1418},
		}},
		"wind_strength": {enabled: true, minTimeMs: 15_000, severity: "WARNING", threshold: 30},
		"depth":         {enabled: false, minTimeMs: 10_000, severity: "ALARM", threshold: 2},
		"data_outdated": {enabled: true, minTimeMs: 5_000, severity: "WARNING", threshold: 5_000},
	}
}

func defaultAlertRuntime() map[string]*alertRuntime {
	out := make(map[string]*alertRuntime, len(alertIDs))
	for _, id := range alertIDs {
		out[id] = &alertRuntime{state: AlertWatching}
	}
	return out
}

// applyPatch merges the alerts.* keys of a config patch, dotted or nested.
func applyPatch(cfgs map[string]*alertConfig, patch protocol.Map) {
	for _, id := range alertIDs {
		cfg := cfgs[id]
		prefix := "alerts." + id + "."
		if v, ok := lookup(patch, prefix+"is_enabled").(bool); ok {
			cfg.enabled = v
		}
		if v, ok := protocol.Finite(lookup(patch, prefix+"min_time_ms")); ok {
			cfg.minTimeMs = int64(max(0, v))
		}
		if s, ok := lookup(patch, prefix+"severity").(string); ok {
			switch sev := strings.ToUpper(strings.TrimSpace(s)); sev {
			case "ALARM", "WARNING":
				cfg.severity = sev
			}
		}
		if v, ok := protocol.Finite(lookup(patch, prefix+thresholdKeys[id])); ok {
			cfg.threshold = max(0, v)
		}
		if id == "boating_area" {
			if poly := parsePolygon(lookup(patch, prefix+"polygon")); len(poly) >= 3 {
				cfg.polygon = poly
			}
		}
	}
}

func parsePolygon(v any) []geoPoint {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []geoPoint
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		lat, latOK := protocol.Finite(obj["lat"])
		lon, lonOK := protocol.Finite(obj["lon"])
		if latOK && lonOK {
			out = append(out, geoPoint{lat, lon})
		}
	}
	return out
}

// lookup reads a dotted key either literally or as a nested path.
func lookup(patch protocol.Map, dotted string) any {
	if v, ok := patch[dotted]; ok {
		return v
	}
	v, _ := protocol.Path(patch, strings.Split(dotted, ".")...)
	return v
}

// step advances one alert's state machine.
func (rt *alertRuntime) step(cfg *alertConfig, above bool, nowTs int64) {
	if rt.silencedUntilTs != nil && *rt.silencedUntilTs <= nowTs {
		rt.silencedUntilTs = nil
	}
	switch {
	case !cfg.enabled:
		rt.state = AlertDisabled
		rt.aboveSinceTs, rt.alertSinceTs, rt.silencedUntilTs = nil, nil, nil
	case !above:
		rt.state = AlertWatching
		rt.aboveSinceTs, rt.alertSinceTs = nil, nil
	default:
		if rt.aboveSinceTs == nil {
			rt.aboveSinceTs = ptr(nowTs)
		}
		switch {
		case nowTs-*rt.aboveSinceTs < cfg.minTimeMs:
			rt.state = AlertWatching
		case rt.alertSinceTs == nil:
			rt.alertSinceTs = ptr(nowTs)
			rt.state = AlertTriggered
		case rt.silencedUntilTs != nil && *rt.silencedUntilTs > nowTs:
			rt.state = AlertSilenced
		default:
			rt.state = AlertActive
		}
	}
}

// silence marks a sounding alert silenced until untilTs.
func (rt *alertRuntime) silence(nowTs, untilTs int64) {
	switch rt.state {
	case AlertTriggered, AlertActive, AlertSilenced:
		rt.silencedUntilTs = ptr(untilTs)
		if rt.alertSinceTs == nil {
			rt.alertSinceTs = ptr(nowTs)
		}
		rt.state = AlertSilenced
	}
}

func (rt *alertRuntime) entry(cfg *alertConfig) protocol.Map {
	return protocol.Map{
		"state":                    rt.state,
		"severity":                 cfg.severity,
		"above_threshold_since_ts": tsValue(rt.aboveSinceTs),
		"alert_since_ts":           tsValue(rt.alertSinceTs),
		"alert_silenced_until_ts":  tsValue(rt.silencedUntilTs),
	}
}

func tsValue(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func ptr[T any](v T) *T { return &v }
