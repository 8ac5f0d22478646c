package connection

import (
	"github.com/anqori/anchorwatch/protocol"
)

// EventType classifies a normalized inbound message.
type EventType string

const (
	EventStateSnapshot EventType = "state.snapshot"
	EventStatePatch    EventType = "state.patch"
	EventTrackSnapshot EventType = "track.snapshot"
	EventAlerts        EventType = "alerts"
	EventBoatSecret    EventType = "onboarding.boatSecret"
	EventUnknown       EventType = "unknown"
)

// Event is an inbound device message after normalization. Only the fields
// relevant to Type are set.
type Event struct {
	Type   EventType
	Source string
	BoatID string

	Snapshot protocol.Map
	Patch    protocol.Map
	Points   []protocol.TrackPoint
	Alerts   protocol.Map

	OnboardingBoatID string
	BoatSecret       string

	// MsgType and Payload carry the raw message of EventUnknown.
	MsgType string
	Payload protocol.Map
}

// FromEnvelope normalizes env. Acks and hub control messages produce no event.
func FromEnvelope(env protocol.Envelope, source string) (Event, bool) {
	payload := env.Payload
	if payload == nil {
		payload = protocol.Map{}
	}
	ev := Event{Source: source, BoatID: env.BoatID}

	switch env.MsgType {
	case protocol.TypeCommandAck:
		return Event{}, false
	case protocol.TypeStatusPatch:
		ev.Type = EventStatePatch
		ev.Patch, _ = protocol.Object(payload, "statePatch")
	case protocol.TypeStatusSnapshot, protocol.TypeStateSnapshot:
		ev.Type = EventStateSnapshot
		ev.Snapshot, _ = protocol.Object(payload, "snapshot")
	case protocol.TypeTrackSnapshot:
		ev.Type = EventTrackSnapshot
		ev.Points = protocol.ParseTrackSnapshot(payload)
	case protocol.TypeAlertsState, protocol.TypeAlarmState:
		ev.Type = EventAlerts
		if alerts, ok := protocol.Object(payload, "alerts"); ok {
			ev.Alerts = alerts
		} else {
			ev.Alerts = payload
		}
	case protocol.TypeOnboardingBoatSecret:
		ev.Type = EventBoatSecret
		ev.OnboardingBoatID = protocol.String(payload, "boatId")
		ev.BoatSecret = protocol.String(payload, "boatSecret")
	default:
		if protocol.IsRelayControl(env.MsgType) {
			return Event{}, false
		}
		ev.Type = EventUnknown
		ev.MsgType = env.MsgType
		if ev.MsgType == "" {
			ev.MsgType = "unknown"
		}
		ev.Payload = payload
	}
	return ev, true
}
