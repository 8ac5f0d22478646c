// Package protocol defines the am.v1 wire envelope exchanged between the
// controller, the boat device and the relay hub, plus the helpers used to read
// its loosely typed payloads.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped on every envelope.
const Version = "am.v1"

// Envelope is the canonical message wrapper. Payload is an arbitrary JSON object.
type Envelope struct {
	Ver         string `json:"ver"`
	MsgType     string `json:"msgType"`
	MsgID       string `json:"msgId"`
	BoatID      string `json:"boatId"`
	DeviceID    string `json:"deviceId"`
	Seq         uint64 `json:"seq"`
	TS          int64  `json:"ts"`
	RequiresAck bool   `json:"requiresAck"`
	Payload     Map    `json:"payload"`
}

// Input carries the caller-supplied fields of an envelope. Zero TS means now,
// nil RequiresAck means true, empty MsgID means a fresh id.
type Input struct {
	MsgType     string
	MsgID       string
	BoatID      string
	DeviceID    string
	Seq         uint64
	TS          int64
	RequiresAck *bool
	Payload     Map
}

// nowMillis is swapped in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// NowMillis returns the current Unix time in milliseconds.
func NowMillis() int64 { return nowMillis() }

// NewMsgID returns a 24 character hex correlation id.
func NewMsgID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Ack returns a pointer for Input.RequiresAck.
func Ack(v bool) *bool { return &v }

// Build fills defaults and returns the envelope.
func Build(in Input) Envelope {
	env := Envelope{
		Ver:         Version,
		MsgType:     in.MsgType,
		MsgID:       in.MsgID,
		BoatID:      in.BoatID,
		DeviceID:    in.DeviceID,
		Seq:         in.Seq,
		TS:          in.TS,
		RequiresAck: true,
		Payload:     in.Payload,
	}
	if env.MsgID == "" {
		env.MsgID = NewMsgID()
	}
	if env.TS <= 0 {
		env.TS = nowMillis()
	}
	if in.RequiresAck != nil {
		env.RequiresAck = *in.RequiresAck
	}
	if env.Payload == nil {
		env.Payload = Map{}
	}
	return env
}

// Encode serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		env.Payload = Map{}
	}
	return json.Marshal(env)
}

// Decode parses raw bytes into an envelope. It reports false for anything that
// is not a JSON object or that lacks a msgType; such frames are dropped by
// callers without escalation.
func Decode(raw []byte) (Envelope, bool) {
	var obj Map
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Envelope{}, false
	}
	return FromMap(obj)
}

// FromMap converts an already decoded JSON object into an envelope.
func FromMap(obj Map) (Envelope, bool) {
	msgType := String(obj, "msgType")
	if msgType == "" {
		return Envelope{}, false
	}

	env := Envelope{
		Ver:         String(obj, "ver"),
		MsgType:     msgType,
		MsgID:       String(obj, "msgId"),
		BoatID:      String(obj, "boatId"),
		DeviceID:    String(obj, "deviceId"),
		RequiresAck: Bool(obj, "requiresAck"),
	}
	if seq, ok := Float(obj, "seq"); ok && seq > 0 {
		env.Seq = uint64(seq)
	}
	if ts, ok := Float(obj, "ts"); ok {
		env.TS = int64(ts)
	}
	env.Payload, _ = Object(obj, "payload")
	if env.Payload == nil {
		env.Payload = Map{}
	}
	return env, true
}
