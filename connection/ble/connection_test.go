package ble

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anqori/anchorwatch/chunk"
	"github.com/anqori/anchorwatch/connection"
	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/protocol"
)

// fakePeripheral reassembles controlTx writes into envelopes and hands them
// to onEnvelope, which plays the boat device.
type fakePeripheral struct {
	name       string
	assembler  *chunk.Assembler
	onEnvelope func(p *fakePeripheral, env protocol.Envelope)
	readValues map[string][]byte

	mu       sync.Mutex
	notify   func([]byte)
	received []protocol.Envelope
	closed   chan struct{}
	once     sync.Once
	writeErr error
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{
		name:       " AnchorWatch-01 ",
		assembler:  chunk.NewAssembler(),
		readValues: map[string][]byte{},
		closed:     make(chan struct{}),
	}
}

func (p *fakePeripheral) Name() string { return p.name }

func (p *fakePeripheral) Write(_ context.Context, uuid string, data []byte) error {
	if uuid != ControlTxUUID {
		return errors.New("write to unexpected characteristic")
	}
	p.mu.Lock()
	err := p.writeErr
	p.mu.Unlock()
	if err != nil {
		return err
	}

	res := p.assembler.Consume(data)
	if res.Outcome != chunk.Complete {
		return nil
	}
	env, ok := protocol.Decode(res.Data)
	if !ok {
		return errors.New("device could not decode message")
	}
	p.mu.Lock()
	p.received = append(p.received, env)
	p.mu.Unlock()
	if p.onEnvelope != nil {
		go p.onEnvelope(p, env)
	}
	return nil
}

func (p *fakePeripheral) Read(_ context.Context, uuid string) ([]byte, error) {
	if v, ok := p.readValues[uuid]; ok {
		return v, nil
	}
	return nil, errors.New("characteristic not readable")
}

func (p *fakePeripheral) Subscribe(uuid string, fn func([]byte)) error {
	if uuid != EventRxUUID {
		return errors.New("unexpected subscription")
	}
	p.mu.Lock()
	p.notify = fn
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) Disconnected() <-chan struct{} { return p.closed }

func (p *fakePeripheral) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// send delivers env from the device, chunked like the firmware does.
func (p *fakePeripheral) send(t *testing.T, msgType string, payload protocol.Map) {
	t.Helper()
	env := protocol.Build(protocol.Input{
		MsgType:     msgType,
		MsgID:       chunk.NewID(protocol.NewMsgID),
		BoatID:      "boat-1",
		RequiresAck: protocol.Ack(false),
		Payload:     payload,
	})
	raw, err := protocol.Encode(env)
	require.NoError(t, err)
	frames, err := chunk.Split(env.MsgID, raw, 40)
	require.NoError(t, err)

	p.mu.Lock()
	notify := p.notify
	p.mu.Unlock()
	require.NotNil(t, notify)
	for _, frame := range frames {
		notify(frame)
	}
}

func (p *fakePeripheral) receivedTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.received))
	for i, env := range p.received {
		out[i] = env.MsgType
	}
	return out
}

type fakeCentral struct {
	peripheral *fakePeripheral
	err        error
	calls      int
}

func (c *fakeCentral) Connect(context.Context) (Peripheral, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.peripheral, nil
}

func ackOK(t *testing.T) func(p *fakePeripheral, env protocol.Envelope) {
	return func(p *fakePeripheral, env protocol.Envelope) {
		if !env.RequiresAck {
			return
		}
		p.send(t, protocol.TypeCommandAck, protocol.Map{"ackForMsgId": env.MsgID, "status": "ok"})
	}
}

func connected(t *testing.T, p *fakePeripheral, opts ...Option) *Connection {
	t.Helper()
	opts = append([]Option{WithIdentity("boat-1", "phone-1")}, opts...)
	c := New(&fakeCentral{peripheral: p}, opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func TestConnection_ConfigPatchAcked(t *testing.T) {
	p := newFakePeripheral()
	p.onEnvelope = ackOK(t)
	c := connected(t, p)

	res, err := c.SendConfigPatch(context.Background(), 3, protocol.Map{"wifi.ssid": "Marina"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "ok", res.Status)

	require.Len(t, p.received, 1)
	env := p.received[0]
	assert.Equal(t, "config.patch", env.MsgType)
	assert.Equal(t, "am.v1", env.Ver)
	assert.Equal(t, "boat-1", env.BoatID)
	assert.Equal(t, "phone-1", env.DeviceID)
	assert.True(t, env.RequiresAck)
	assert.Equal(t, 3.0, env.Payload["version"])
	assert.Equal(t, map[string]any{"wifi.ssid": "Marina"}, env.Payload["patch"])
}

func TestConnection_SequenceIncrements(t *testing.T) {
	p := newFakePeripheral()
	p.onEnvelope = ackOK(t)
	c := connected(t, p)

	_, err := c.AnchorRise(context.Background())
	require.NoError(t, err)
	_, err = c.AnchorDown(context.Background(), 54.3, 10.1)
	require.NoError(t, err)

	require.Len(t, p.received, 2)
	assert.Equal(t, uint64(1), p.received[0].Seq)
	assert.Equal(t, uint64(2), p.received[1].Seq)
}

func TestConnection_RejectedAck(t *testing.T) {
	p := newFakePeripheral()
	p.onEnvelope = func(p *fakePeripheral, env protocol.Envelope) {
		p.send(t, protocol.TypeCommandAck, protocol.Map{
			"ackForMsgId": env.MsgID, "status": "rejected", "errorCode": "NO_FIX", "errorDetail": "gps invalid",
		})
	}
	c := connected(t, p)

	res, err := c.AnchorDown(context.Background(), 1, 2)
	require.Error(t, err)
	assert.Equal(t, "NO_FIX: gps invalid", err.Error())
	assert.False(t, res.Accepted)
}

func TestConnection_AckTimeout(t *testing.T) {
	p := newFakePeripheral()
	c := connected(t, p, WithTimeouts(30*time.Millisecond, 0, 0))

	_, err := c.AnchorRise(context.Background())
	assert.ErrorIs(t, err, errors.ErrAckTimeout)
}

func TestConnection_NotConnected(t *testing.T) {
	c := New(&fakeCentral{peripheral: newFakePeripheral()})

	_, err := c.AnchorRise(context.Background())
	require.Error(t, err)
	assert.Equal(t, "BLE not connected", err.Error())
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	_, err = c.RequestStateSnapshot(context.Background())
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	assert.Equal(t, protocol.ProbeResult{OK: false, ResultText: "BLE disconnected"}, c.Probe(context.Background(), ""))
}

func TestConnection_ConnectFailure(t *testing.T) {
	c := New(&fakeCentral{err: errors.New("no device selected")})
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, c.Connected())
}

func TestConnection_ConnectIdempotentAndStatus(t *testing.T) {
	p := newFakePeripheral()
	p.readValues[AuthUUID] = []byte(`{"sessionPaired":true}`)
	central := &fakeCentral{peripheral: p}
	c := New(central)

	var statuses []connection.Status
	var mu sync.Mutex
	c.SubscribeStatus(func(s connection.Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, central.calls)
	assert.True(t, c.Connected())

	mu.Lock()
	require.Len(t, statuses, 2)
	assert.False(t, statuses[0].Connected, "current status delivered on subscribe")
	assert.True(t, statuses[1].Connected)
	assert.Equal(t, "AnchorWatch-01", statuses[1].DeviceName)
	assert.Equal(t, protocol.Map{"sessionPaired": true}, statuses[1].AuthState)
	mu.Unlock()

	assert.Equal(t, "BLE connected", c.Probe(context.Background(), "").ResultText)
}

func TestConnection_RadioDropFailsPending(t *testing.T) {
	p := newFakePeripheral()
	c := connected(t, p)

	var disconnectedStatus sync.WaitGroup
	disconnectedStatus.Add(1)
	var once sync.Once
	c.SubscribeStatus(func(s connection.Status) {
		if !s.Connected {
			once.Do(disconnectedStatus.Done)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.AnchorRise(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(p.receivedTypes()) == 1 }, time.Second, 5*time.Millisecond)

	_ = p.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, "BLE disconnected", err.Error())
	case <-time.After(time.Second):
		t.Fatal("pending command was not failed")
	}
	disconnectedStatus.Wait()
	assert.False(t, c.Connected())
}

func TestConnection_WriteFailureForgetsAck(t *testing.T) {
	p := newFakePeripheral()
	c := connected(t, p)
	p.writeErr = errors.New("gatt busy")

	_, err := c.AnchorRise(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gatt busy")
	assert.Zero(t, c.acks.Len())
}

func TestConnection_InboundEvents(t *testing.T) {
	p := newFakePeripheral()
	c := connected(t, p)

	events := make(chan connection.Event, 4)
	c.SubscribeEvents(func(ev connection.Event) { events <- ev })

	p.send(t, protocol.TypeStatusPatch, protocol.Map{"statePatch": protocol.Map{
		"telemetry": protocol.Map{"gps": protocol.Map{"lat": 54.0, "lon": 10.0}},
	}})
	ev := <-events
	assert.Equal(t, connection.EventStatePatch, ev.Type)
	assert.Equal(t, connection.SourceBLEEvent, ev.Source)
	assert.Contains(t, ev.Patch, "telemetry")

	// Unframed JSON notifications bypass chunking.
	notify := p.notify
	notify([]byte(`{"msgType":"alarm.state","payload":{"depth":{"state":"ALERT"}}}`))
	ev = <-events
	assert.Equal(t, connection.EventAlerts, ev.Type)

	notify([]byte("{not json"))
	notify([]byte{0x01})
	p.send(t, protocol.TypeAuthState, protocol.Map{"sessionPaired": false, "pairModeActive": true})
	ev = <-events
	assert.Equal(t, connection.EventUnknown, ev.Type)
	assert.Equal(t, protocol.Map{"sessionPaired": false, "pairModeActive": true}, c.currentStatus().AuthState)
}

func TestConnection_StateSnapshotRequest(t *testing.T) {
	p := newFakePeripheral()
	p.onEnvelope = func(p *fakePeripheral, env protocol.Envelope) {
		if env.MsgType == protocol.TypeStatusSnapshotRequest {
			p.send(t, protocol.TypeStatusSnapshot, protocol.Map{"snapshot": protocol.Map{"anchor": protocol.Map{"state": "down"}}})
		}
	}
	c := connected(t, p)

	snap, err := c.RequestStateSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.Map{"anchor": map[string]any{"state": "down"}}, snap)

	assert.Equal(t, []string{"status.snapshot.request"}, p.receivedTypes())
	assert.False(t, p.received[0].RequiresAck)
}

func TestConnection_StateSnapshotTimeoutIsNoData(t *testing.T) {
	p := newFakePeripheral()
	p.readValues[SnapshotUUID] = []byte(`{"msgType":"status.snapshot","payload":{"snapshot":{"depth":{"meters":3.1}}}}`)
	c := connected(t, p, WithTimeouts(0, 20*time.Millisecond, 0))

	start := time.Now()
	snap, err := c.RequestStateSnapshot(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, snap, "the snapshot characteristic is not read")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"status.snapshot.request"}, p.receivedTypes())
}

func TestConnection_TrackSnapshotRequest(t *testing.T) {
	p := newFakePeripheral()
	p.onEnvelope = func(p *fakePeripheral, env protocol.Envelope) {
		if env.MsgType != protocol.TypeTrackSnapshotRequest {
			return
		}
		p.send(t, protocol.TypeTrackSnapshot, protocol.Map{"points": []any{
			map[string]any{"ts": 1.0, "lat": 54.0, "lon": 10.0, "cogDeg": 370.0},
			map[string]any{"ts": 2.0, "lat": 54.1, "lon": 10.1},
		}})
	}
	c := connected(t, p)

	points, err := c.RequestTrackSnapshot(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 1.0, p.received[0].Payload["limit"])
}

func TestConnection_TrackSnapshotTimeoutIsNoData(t *testing.T) {
	c := connected(t, newFakePeripheral(), WithTimeouts(0, 0, 20*time.Millisecond))
	points, err := c.RequestTrackSnapshot(context.Background(), 50)
	assert.NoError(t, err)
	assert.Nil(t, points)
}

func TestConnection_LargeMessagesAreChunked(t *testing.T) {
	p := newFakePeripheral()
	p.onEnvelope = ackOK(t)
	c := connected(t, p, WithMaxPayload(20))

	patch := protocol.Map{"alerts.anchor_distance.max_distance_m": 45.0, "alerts.depth.min_depth": 2.5}
	_, err := c.SendConfigPatch(context.Background(), 9, patch)
	require.NoError(t, err)
	assert.Equal(t, []string{"config.patch"}, p.receivedTypes())
}
