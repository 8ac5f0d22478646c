package ble

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anqori/anchorwatch/ack"
	"github.com/anqori/anchorwatch/chunk"
	"github.com/anqori/anchorwatch/connection"
	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/protocol"
)

const (
	reasonDisconnected = "BLE disconnected"
	reasonNotConnected = "BLE not connected"
	unknownBoatID      = "boat_unknown"
)

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithIdentity sets the boat and controller ids stamped on outbound envelopes.
func WithIdentity(boatID, deviceID string) Option {
	return func(c *Connection) {
		c.boatID = boatID
		c.deviceID = deviceID
	}
}

// WithTimeouts overrides the ack, snapshot and track reply deadlines.
// Non-positive values keep the defaults.
func WithTimeouts(ackTimeout, snapshot, track time.Duration) Option {
	return func(c *Connection) {
		if ackTimeout > 0 {
			c.ackTimeout = ackTimeout
		}
		if snapshot > 0 {
			c.snapshotTimeout = snapshot
		}
		if track > 0 {
			c.trackTimeout = track
		}
	}
}

// WithMaxPayload sets the chunk payload size used for controlTx writes.
func WithMaxPayload(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.maxPayload = n
		}
	}
}

// Connection is the direct link. Safe for concurrent use.
type Connection struct {
	central Central
	logger  *slog.Logger

	boatID          string
	deviceID        string
	ackTimeout      time.Duration
	snapshotTimeout time.Duration
	trackTimeout    time.Duration
	maxPayload      int

	connectMu sync.Mutex

	mu         sync.Mutex
	peripheral Peripheral
	connected  bool
	seq        uint64
	authState  protocol.Map
	stopWatch  chan struct{}

	assembler *chunk.Assembler
	acks      *ack.Correlator
	snapshots ack.Waiters[protocol.Map]
	tracks    ack.Waiters[[]protocol.TrackPoint]

	events connection.Observers[connection.Event]
	status connection.Observers[connection.Status]
}

var _ connection.Connection = (*Connection)(nil)

// New creates a disconnected direct link using central.
func New(central Central, opts ...Option) *Connection {
	c := &Connection{
		central:         central,
		logger:          slog.Default(),
		ackTimeout:      ack.DefaultTimeout,
		snapshotTimeout: ack.SnapshotTimeout,
		trackTimeout:    ack.TrackTimeout,
		maxPayload:      chunk.MaxPayload,
		seq:             1,
		assembler:       chunk.NewAssembler(),
		acks:            ack.NewCorrelator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ble")
	return c
}

// Kind implements connection.Connection.
func (c *Connection) Kind() connection.Kind { return connection.KindBLE }

// BoatID returns the configured boat id or "boat_unknown".
func (c *Connection) BoatID() string {
	if c.boatID == "" {
		return unknownBoatID
	}
	return c.boatID
}

// Connected reports whether a peripheral is attached.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect attaches to the peripheral, subscribes to eventRx and reads the
// auth characteristic. A no-op when already connected.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.Connected() {
		return nil
	}
	if c.central == nil {
		return errors.WrapFatal(errors.ErrInvalidConfig, "ble", "Connect", "locate bluetooth central")
	}

	p, err := c.central.Connect(ctx)
	if err != nil {
		return errors.WrapTransient(err, "ble", "Connect", "connect peripheral")
	}
	c.assembler.Reset()
	if err := p.Subscribe(EventRxUUID, c.onNotification); err != nil {
		_ = p.Close()
		return errors.WrapTransient(err, "ble", "Connect", "subscribe eventRx")
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.peripheral = p
	c.connected = true
	c.authState = nil
	c.stopWatch = stop
	c.mu.Unlock()

	go c.watch(p, stop)

	c.refreshAuthState(ctx, p)
	c.logger.Info("BLE connected", "device", p.Name())
	c.emitStatus()
	return nil
}

// Disconnect closes the peripheral and fails everything pending with
// "BLE disconnected".
func (c *Connection) Disconnect(_ context.Context) error {
	c.mu.Lock()
	p := c.peripheral
	c.mu.Unlock()

	if p != nil {
		if err := p.Close(); err != nil {
			c.logger.Debug("peripheral close failed", "error", err)
		}
	}
	c.teardown(p)
	return nil
}

func (c *Connection) watch(p Peripheral, stop <-chan struct{}) {
	select {
	case <-p.Disconnected():
		c.logger.Info("BLE link dropped", "device", p.Name())
		c.teardown(p)
	case <-stop:
	}
}

// teardown resets link state. A stale peripheral is ignored; nil always
// tears down.
func (c *Connection) teardown(p Peripheral) {
	c.mu.Lock()
	if p != nil && c.peripheral != p {
		c.mu.Unlock()
		return
	}
	if c.stopWatch != nil {
		close(c.stopWatch)
		c.stopWatch = nil
	}
	c.peripheral = nil
	c.connected = false
	c.authState = nil
	c.mu.Unlock()

	c.assembler.Reset()
	c.acks.FailAll(reasonDisconnected)
	c.snapshots.FailAll(reasonDisconnected)
	c.tracks.FailAll(reasonDisconnected)
	c.emitStatus()
}

// SubscribeEvents implements connection.Connection.
func (c *Connection) SubscribeEvents(fn func(connection.Event)) func() {
	return c.events.Add(fn)
}

// SubscribeStatus implements connection.Connection.
func (c *Connection) SubscribeStatus(fn func(connection.Status)) func() {
	unsub := c.status.Add(fn)
	fn(c.currentStatus())
	return unsub
}

func (c *Connection) currentStatus() connection.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := connection.Status{Connected: c.connected, AuthState: c.authState}
	if c.peripheral != nil {
		st.DeviceName = strings.TrimSpace(c.peripheral.Name())
	}
	return st
}

func (c *Connection) emitStatus() {
	c.status.Emit(c.currentStatus())
}

// SendEnvelope chunks one envelope onto controlTx. With requiresAck it waits
// for the matching command.ack.
func (c *Connection) SendEnvelope(ctx context.Context, msgType string, payload protocol.Map, requiresAck bool) (protocol.Map, error) {
	c.mu.Lock()
	if !c.connected || c.peripheral == nil {
		c.mu.Unlock()
		return nil, &connection.NotConnectedError{Reason: reasonNotConnected}
	}
	p := c.peripheral
	seq := c.seq
	c.seq++
	c.mu.Unlock()

	env := protocol.Build(protocol.Input{
		MsgType:     msgType,
		MsgID:       chunk.NewID(protocol.NewMsgID),
		BoatID:      c.BoatID(),
		DeviceID:    c.deviceID,
		Seq:         seq,
		RequiresAck: protocol.Ack(requiresAck),
		Payload:     payload,
	})
	raw, err := protocol.Encode(env)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ble", "SendEnvelope", "encode envelope")
	}
	frames, err := chunk.Split(env.MsgID, raw, c.maxPayload)
	if err != nil {
		return nil, err
	}

	var pending *ack.Pending
	if requiresAck {
		pending = c.acks.Await(env.MsgID, c.ackTimeout)
	}
	for _, frame := range frames {
		if err := p.Write(ctx, ControlTxUUID, frame); err != nil {
			if pending != nil {
				c.acks.Forget(env.MsgID)
			}
			return nil, errors.WrapTransient(err, "ble", "SendEnvelope", "write controlTx")
		}
	}
	c.logger.Debug("sent", "msg_type", msgType, "msg_id", env.MsgID, "frames", len(frames))

	if pending == nil {
		return nil, nil
	}
	return pending.Wait(ctx)
}

func (c *Connection) commander() connection.Commander {
	return connection.Commander{Sender: c}
}

// SendConfigPatch implements connection.Connection.
func (c *Connection) SendConfigPatch(ctx context.Context, version int64, patch protocol.Map) (protocol.CommandResult, error) {
	return c.commander().SendConfigPatch(ctx, version, patch)
}

// AnchorRise implements connection.Connection.
func (c *Connection) AnchorRise(ctx context.Context) (protocol.CommandResult, error) {
	return c.commander().AnchorRise(ctx)
}

// AnchorDown implements connection.Connection.
func (c *Connection) AnchorDown(ctx context.Context, lat, lon float64) (protocol.CommandResult, error) {
	return c.commander().AnchorDown(ctx, lat, lon)
}

// SilenceAlarm implements connection.Connection.
func (c *Connection) SilenceAlarm(ctx context.Context, seconds float64) (protocol.CommandResult, error) {
	return c.commander().SilenceAlarm(ctx, seconds)
}

// ScanWifi implements connection.Connection.
func (c *Connection) ScanWifi(ctx context.Context, maxResults int, includeHidden bool) ([]protocol.WifiNetwork, error) {
	return c.commander().ScanWifi(ctx, maxResults, includeHidden)
}

// RequestStateSnapshot asks for status.snapshot over controlTx. Nothing in
// time yields nil without an error.
func (c *Connection) RequestStateSnapshot(ctx context.Context) (protocol.Map, error) {
	if !c.Connected() {
		return nil, &connection.NotConnectedError{Reason: reasonNotConnected}
	}
	waiter := c.snapshots.Add(c.snapshotTimeout)
	if err := c.commander().RequestStateSnapshotMessage(ctx); err != nil {
		waiter.Cancel(err)
		return nil, err
	}
	return waiter.Wait(ctx)
}

// RequestTrackSnapshot asks for up to limit recent track points.
func (c *Connection) RequestTrackSnapshot(ctx context.Context, limit int) ([]protocol.TrackPoint, error) {
	if !c.Connected() {
		return nil, &connection.NotConnectedError{Reason: reasonNotConnected}
	}
	waiter := c.tracks.Add(c.trackTimeout)
	if err := c.commander().RequestTrackSnapshotMessage(ctx, limit); err != nil {
		waiter.Cancel(err)
		return nil, err
	}
	return waiter.Wait(ctx)
}

// Probe reports the radio link state.
func (c *Connection) Probe(_ context.Context, _ string) protocol.ProbeResult {
	if c.Connected() {
		return protocol.ProbeResult{OK: true, ResultText: "BLE connected"}
	}
	return protocol.ProbeResult{OK: false, ResultText: reasonDisconnected}
}

func (c *Connection) refreshAuthState(ctx context.Context, p Peripheral) {
	var state protocol.Map
	raw, err := p.Read(ctx, AuthUUID)
	if err != nil {
		c.logger.Debug("auth characteristic unreadable", "error", err)
	} else {
		var parsed any
		if json.Unmarshal(raw, &parsed) == nil {
			state, _ = parsed.(map[string]any)
		}
	}

	c.mu.Lock()
	if c.peripheral == p {
		c.authState = state
	}
	c.mu.Unlock()
}

func (c *Connection) onNotification(data []byte) {
	if len(data) == 0 {
		return
	}
	res := c.assembler.Consume(data)
	switch res.Outcome {
	case chunk.Invalid:
		c.logger.Debug("dropped malformed frame", "bytes", len(data))
		return
	case chunk.Incomplete:
		return
	}
	env, ok := protocol.Decode(res.Data)
	if !ok {
		c.logger.Debug("dropped undecodable message", "bytes", len(res.Data))
		return
	}
	c.handleEnvelope(env)
}

func (c *Connection) handleEnvelope(env protocol.Envelope) {
	switch env.MsgType {
	case protocol.TypeCommandAck:
		c.acks.Resolve(env.Payload)
		return
	case protocol.TypeAuthState:
		c.mu.Lock()
		c.authState = protocol.Clone(env.Payload)
		c.mu.Unlock()
		c.emitStatus()
	}

	ev, ok := connection.FromEnvelope(env, connection.SourceBLEEvent)
	if !ok {
		return
	}
	switch ev.Type {
	case connection.EventStateSnapshot:
		if ev.Snapshot != nil {
			c.snapshots.Resolve(ev.Snapshot)
		}
	case connection.EventTrackSnapshot:
		c.tracks.Resolve(ev.Points)
	}
	c.events.Emit(ev)
}
