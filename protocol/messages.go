package protocol

import (
	"math"
	"sort"
	"strings"
)

// Message types on the wire.
const (
	TypeCommandAck  = "command.ack"
	TypeConfigPatch = "config.patch"

	TypeStatusPatch           = "status.patch"
	TypeStatusSnapshot        = "status.snapshot"
	TypeStatusSnapshotRequest = "status.snapshot.request"
	TypeStateSnapshot         = "state.snapshot"
	TypeTrackSnapshot         = "track.snapshot"
	TypeTrackSnapshotRequest  = "track.snapshot.request"
	TypeAlertsState           = "alerts.state"
	TypeAlarmState            = "alarm.state"
	TypeAuthState             = "auth.state"
	TypeOnboardingBoatSecret  = "onboarding.boat_secret"

	TypeAnchorRise     = "anchor.rise"
	TypeAnchorDown     = "anchor.down"
	TypeAlarmSilence   = "alarm.silence.request"
	TypeWifiScan       = "onboarding.wifi.scan"
	TypeConfigSnapshot = "config.snapshot"

	TypeRelayProbe       = "relay.probe"
	TypeRelayProbeResult = "relay.probe.result"
	TypeRelayError       = "relay.error"
)

// RelayPrefix marks message types handled by the hub itself.
const RelayPrefix = "relay."

// IsRelayControl reports whether msgType is addressed to the hub.
func IsRelayControl(msgType string) bool {
	return strings.HasPrefix(msgType, RelayPrefix)
}

// Command statuses carried by command.ack.
const (
	StatusOK       = "ok"
	StatusAccepted = "accepted"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// CommandResult is the structured outcome of a device command.
type CommandResult struct {
	Accepted    bool    `json:"accepted"`
	Status      string  `json:"status"`
	ErrorCode   *string `json:"errorCode"`
	ErrorDetail *string `json:"errorDetail"`
}

// OK is the result of a command acknowledged without a status.
func OK() CommandResult {
	return CommandResult{Accepted: true, Status: StatusOK}
}

// ParseCommandResult reads an ack payload. Unknown statuses count as ok.
func ParseCommandResult(payload Map) CommandResult {
	status := String(payload, "status")
	switch status {
	case StatusOK, StatusAccepted, StatusFailed, StatusRejected:
	default:
		return OK()
	}
	return CommandResult{
		Accepted:    status == StatusOK || status == StatusAccepted,
		Status:      status,
		ErrorCode:   nonEmpty(String(payload, "errorCode")),
		ErrorDetail: nonEmpty(String(payload, "errorDetail")),
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ProbeResult reports a reachability check.
type ProbeResult struct {
	OK           bool   `json:"ok"`
	ResultText   string `json:"resultText"`
	BuildVersion string `json:"buildVersion,omitempty"`
}

// WifiSecurity is the normalized security mode of a scanned network.
type WifiSecurity string

const (
	SecurityOpen    WifiSecurity = "open"
	SecurityWPA2    WifiSecurity = "wpa2"
	SecurityWPA3    WifiSecurity = "wpa3"
	SecurityUnknown WifiSecurity = "unknown"
)

// NormalizeWifiSecurity maps the device's security strings onto WifiSecurity.
func NormalizeWifiSecurity(v any) WifiSecurity {
	raw, _ := v.(string)
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open":
		return SecurityOpen
	case "wpa3", "wpa3-psk", "wpa3_psk":
		return SecurityWPA3
	case "wpa2", "wpa2-psk", "wpa2_psk":
		return SecurityWPA2
	default:
		return SecurityUnknown
	}
}

// WifiNetwork is one entry of a wifi scan.
type WifiNetwork struct {
	SSID     string       `json:"ssid"`
	Security WifiSecurity `json:"security"`
	RSSI     *float64     `json:"rssi"`
	Channel  *float64     `json:"channel"`
	Hidden   bool         `json:"hidden"`
}

func (n WifiNetwork) score() float64 {
	if n.RSSI == nil {
		return -999
	}
	return *n.RSSI
}

// ParseWifiNetworks dedupes a scan by SSID, keeping the strongest signal, and
// sorts by signal then SSID.
func ParseWifiNetworks(v any) []WifiNetwork {
	raw, ok := v.([]any)
	if !ok {
		return []WifiNetwork{}
	}

	strongest := make(map[string]WifiNetwork, len(raw))
	for _, item := range raw {
		obj, ok := item.(Map)
		if !ok {
			continue
		}
		ssid := TrimmedString(obj, "ssid")
		if ssid == "" {
			continue
		}
		n := WifiNetwork{
			SSID:     ssid,
			Security: NormalizeWifiSecurity(obj["security"]),
			RSSI:     FinitePtr(obj["rssi"]),
			Channel:  FinitePtr(obj["channel"]),
			Hidden:   Bool(obj, "hidden"),
		}
		if existing, found := strongest[ssid]; !found || n.score() > existing.score() {
			strongest[ssid] = n
		}
	}

	out := make([]WifiNetwork, 0, len(strongest))
	for _, n := range strongest {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score() != out[j].score() {
			return out[i].score() > out[j].score()
		}
		return out[i].SSID < out[j].SSID
	})
	return out
}

// SilenceMillis converts a silence request in seconds to the clamped
// millisecond duration sent to the device (1 s to 24 h).
func SilenceMillis(seconds float64) int64 {
	ms := math.Floor(seconds * 1000)
	if math.IsNaN(ms) {
		ms = 1000
	}
	return int64(math.Min(86_400_000, math.Max(1000, ms)))
}
