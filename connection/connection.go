// Package connection defines the contract every device link implements and
// the pieces the direct-link, relay and synthetic implementations share.
package connection

import (
	"context"

	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/protocol"
)

// Kind names a link implementation.
type Kind string

const (
	KindBLE       Kind = "bluetooth"
	KindRelay     Kind = "cloud-relay"
	KindSynthetic Kind = "fake"
)

// Mode selects which link the controller falls back to.
type Mode string

const (
	ModeDevice Mode = "device"
	ModeFake   Mode = "fake"
)

// ParseMode returns ModeFake for "fake" and ModeDevice for everything else.
func ParseMode(s string) Mode {
	if Mode(s) == ModeFake {
		return ModeFake
	}
	return ModeDevice
}

// Inbound event sources.
const (
	SourceBLEEvent    = "ble/eventRx"
	SourceBLESnapshot = "ble/snapshot"
	SourceRelay       = "cloud/status.snapshot"
	SourceSynthetic   = "fake/snapshot"
)

// NotConnectedError is returned by requests on a link that is down. Reason is
// the user-facing text, for example "BLE not connected".
type NotConnectedError struct {
	Reason string
}

func (e *NotConnectedError) Error() string { return e.Reason }

func (e *NotConnectedError) Unwrap() error { return errors.ErrNotConnected }

// Status is what a link reports to status observers.
type Status struct {
	Connected  bool         `json:"connected"`
	DeviceName string       `json:"deviceName"`
	AuthState  protocol.Map `json:"authState"`
}

// Connection is one way of reaching the boat device. Connect and Disconnect
// are idempotent; Disconnect fails every pending request.
type Connection interface {
	Kind() Kind
	BoatID() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	// SubscribeEvents registers an inbound event observer.
	SubscribeEvents(fn func(Event)) (unsubscribe func())
	// SubscribeStatus registers a status observer and calls it once with the
	// current status.
	SubscribeStatus(fn func(Status)) (unsubscribe func())

	SendConfigPatch(ctx context.Context, version int64, patch protocol.Map) (protocol.CommandResult, error)
	AnchorRise(ctx context.Context) (protocol.CommandResult, error)
	AnchorDown(ctx context.Context, lat, lon float64) (protocol.CommandResult, error)
	SilenceAlarm(ctx context.Context, seconds float64) (protocol.CommandResult, error)
	ScanWifi(ctx context.Context, maxResults int, includeHidden bool) ([]protocol.WifiNetwork, error)

	// RequestStateSnapshot returns nil without error when the device sent
	// nothing in time.
	RequestStateSnapshot(ctx context.Context) (protocol.Map, error)
	RequestTrackSnapshot(ctx context.Context, limit int) ([]protocol.TrackPoint, error)

	Probe(ctx context.Context, base string) protocol.ProbeResult
}

// Set holds one connection of each kind.
type Set struct {
	BLE       Connection
	Relay     Connection
	Synthetic Connection
}

// ForKind returns the member of the given kind, or nil.
func (s Set) ForKind(k Kind) Connection {
	switch k {
	case KindBLE:
		return s.BLE
	case KindRelay:
		return s.Relay
	case KindSynthetic:
		return s.Synthetic
	}
	return nil
}

// DefaultForMode is the synthetic link in fake mode and the relay otherwise.
func (s Set) DefaultForMode(mode Mode) Connection {
	if mode == ModeFake {
		return s.Synthetic
	}
	return s.Relay
}
