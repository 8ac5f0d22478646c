package connection

import (
	"context"

	"github.com/anqori/anchorwatch/ack"
	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/protocol"
)

// EnvelopeSender transmits one envelope. With requiresAck it blocks until the
// matching command.ack arrives and returns its payload; otherwise it returns
// a nil payload once the envelope is written.
type EnvelopeSender interface {
	SendEnvelope(ctx context.Context, msgType string, payload protocol.Map, requiresAck bool) (protocol.Map, error)
}

// Commander encodes device commands onto an EnvelopeSender.
type Commander struct {
	Sender EnvelopeSender
}

// SendConfigPatch sends config.patch {version, patch}.
func (c Commander) SendConfigPatch(ctx context.Context, version int64, patch protocol.Map) (protocol.CommandResult, error) {
	if patch == nil {
		patch = protocol.Map{}
	}
	return c.command(ctx, protocol.TypeConfigPatch, protocol.Map{"version": version, "patch": patch})
}

// AnchorRise sends anchor.rise.
func (c Commander) AnchorRise(ctx context.Context) (protocol.CommandResult, error) {
	return c.command(ctx, protocol.TypeAnchorRise, protocol.Map{})
}

// AnchorDown sends anchor.down at the given position.
func (c Commander) AnchorDown(ctx context.Context, lat, lon float64) (protocol.CommandResult, error) {
	return c.command(ctx, protocol.TypeAnchorDown, protocol.Map{"lat": lat, "lon": lon})
}

// SilenceAlarm silences alarms for seconds, clamped to 1 s .. 24 h.
func (c Commander) SilenceAlarm(ctx context.Context, seconds float64) (protocol.CommandResult, error) {
	return c.command(ctx, protocol.TypeAlarmSilence, protocol.Map{"silenceForMs": protocol.SilenceMillis(seconds)})
}

// ScanWifi asks the device for visible networks and parses the ack.
func (c Commander) ScanWifi(ctx context.Context, maxResults int, includeHidden bool) ([]protocol.WifiNetwork, error) {
	payload := protocol.Map{
		"requestId":     "wifi-" + protocol.NewMsgID(),
		"maxResults":    maxResults,
		"includeHidden": includeHidden,
	}
	reply, err := c.Sender.SendEnvelope(ctx, protocol.TypeWifiScan, payload, true)
	if err != nil {
		return nil, err
	}
	return protocol.ParseWifiNetworks(reply["networks"]), nil
}

// RequestStateSnapshotMessage writes status.snapshot.request without an ack.
func (c Commander) RequestStateSnapshotMessage(ctx context.Context) error {
	_, err := c.Sender.SendEnvelope(ctx, protocol.TypeStatusSnapshotRequest, protocol.Map{}, false)
	return err
}

// RequestTrackSnapshotMessage writes track.snapshot.request {limit} without
// an ack. The limit is at least 1.
func (c Commander) RequestTrackSnapshotMessage(ctx context.Context, limit int) error {
	_, err := c.Sender.SendEnvelope(ctx, protocol.TypeTrackSnapshotRequest, protocol.Map{"limit": max(1, limit)}, false)
	return err
}

// command sends an ack-required envelope. A rejection returns both the parsed
// result and the rejection error.
func (c Commander) command(ctx context.Context, msgType string, payload protocol.Map) (protocol.CommandResult, error) {
	reply, err := c.Sender.SendEnvelope(ctx, msgType, payload, true)
	if err != nil {
		var rejected *ack.RejectedError
		if errors.As(err, &rejected) {
			result := protocol.ParseCommandResult(rejected.Payload)
			if result.Accepted {
				result = protocol.CommandResult{Accepted: false, Status: protocol.StatusFailed}
			}
			result.ErrorCode, result.ErrorDetail = &rejected.Code, &rejected.Detail
			return result, err
		}
		return protocol.CommandResult{}, err
	}
	return protocol.ParseCommandResult(reply), nil
}
