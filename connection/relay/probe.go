package relay

import (
	"context"
	"net"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/protocol"
)

// Probe checks the relay end to end over a short-lived side socket: it sends
// relay.probe and waits for the matching relay.probe.result. base overrides
// the configured relay URL when non-empty.
func (c *Connection) Probe(ctx context.Context, base string) protocol.ProbeResult {
	creds := c.credentials()
	resolved := strings.TrimSpace(base)
	if resolved == "" {
		resolved = strings.TrimSpace(creds.BaseURL)
	}
	if resolved == "" {
		return protocol.ProbeResult{ResultText: "Set relay base URL first."}
	}
	creds.BaseURL = resolved
	if !creds.Complete() {
		return protocol.ProbeResult{ResultText: reasonNoCreds}
	}

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	conn, err := c.dial(ctx, creds)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.ProbeResult{ResultText: "relay probe timeout"}
		}
		c.logger.Debug("probe dial failed", "error", err)
		return protocol.ProbeResult{ResultText: "relay probe socket error"}
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	env := protocol.Build(protocol.Input{
		MsgType:     protocol.TypeRelayProbe,
		BoatID:      creds.BoatID,
		DeviceID:    creds.DeviceID,
		Seq:         1,
		RequiresAck: protocol.Ack(false),
		Payload:     protocol.Map{},
	})
	raw, err := protocol.Encode(env)
	if err != nil {
		return protocol.ProbeResult{ResultText: "relay probe failed"}
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return protocol.ProbeResult{ResultText: probeErrorText(err)}
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.ProbeResult{ResultText: probeErrorText(err)}
		}
		if mt != websocket.TextMessage {
			continue
		}
		reply, ok := protocol.Decode(data)
		if !ok || reply.MsgType != protocol.TypeRelayProbeResult {
			continue
		}
		if inReplyTo := protocol.String(reply.Payload, "inReplyToMsgId"); inReplyTo != "" && inReplyTo != env.MsgID {
			continue
		}
		return probeResultFrom(reply.Payload)
	}
}

func probeResultFrom(payload protocol.Map) protocol.ProbeResult {
	res := protocol.ProbeResult{
		OK:           protocol.Bool(payload, "ok"),
		BuildVersion: protocol.TrimmedString(payload, "buildVersion"),
	}
	if text, isString := payload["resultText"].(string); isString {
		res.ResultText = text
	} else if res.OK {
		res.ResultText = "relay probe ok"
	} else {
		res.ResultText = "relay probe failed"
	}
	return res
}

func probeErrorText(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "relay probe timeout"
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return "relay probe socket closed"
	}
	return "relay probe socket error"
}
