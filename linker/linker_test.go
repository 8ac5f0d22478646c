package linker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anqori/anchorwatch/connection"
	"github.com/anqori/anchorwatch/connection/synthetic"
	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/metric"
	"github.com/anqori/anchorwatch/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeConn is a scriptable connection.
type fakeConn struct {
	connection.Connection // unimplemented methods panic

	kind connection.Kind

	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	connectErr  error
	snapshot    protocol.Map
	requests    int
	risen       int

	// onConnect runs inside Connect before the connected status is emitted.
	onConnect func(*fakeConn)

	events connection.Observers[connection.Event]
	status connection.Observers[connection.Status]
}

func newFakeConn(kind connection.Kind) *fakeConn { return &fakeConn{kind: kind} }

func (f *fakeConn) Kind() connection.Kind { return f.kind }
func (f *fakeConn) BoatID() string        { return "boat_1" }

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Connect(_ context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	hook := f.onConnect
	f.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	if err != nil {
		return err
	}
	f.setConnected(true)
	return nil
}

func (f *fakeConn) Disconnect(_ context.Context) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.setConnected(false)
	return nil
}

// setConnected changes state and notifies status observers, like a radio
// coming up or dropping.
func (f *fakeConn) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
	f.status.Emit(connection.Status{Connected: v, DeviceName: "dev-" + string(f.kind)})
}

func (f *fakeConn) emit(ev connection.Event) { f.events.Emit(ev) }

func (f *fakeConn) SubscribeEvents(fn func(connection.Event)) func() { return f.events.Add(fn) }

func (f *fakeConn) SubscribeStatus(fn func(connection.Status)) func() {
	unsubscribe := f.status.Add(fn)
	fn(connection.Status{Connected: f.Connected()})
	return unsubscribe
}

func (f *fakeConn) RequestStateSnapshot(_ context.Context) (protocol.Map, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return protocol.Clone(f.snapshot), nil
}

func (f *fakeConn) RequestTrackSnapshot(_ context.Context, limit int) ([]protocol.TrackPoint, error) {
	out := make([]protocol.TrackPoint, limit)
	for i := range out {
		out[i] = protocol.TrackPoint{TS: int64(i), Lat: float64(i), Lon: 1}
	}
	return out, nil
}

func (f *fakeConn) AnchorRise(_ context.Context) (protocol.CommandResult, error) {
	f.mu.Lock()
	f.risen++
	f.mu.Unlock()
	return protocol.OK(), nil
}

func (f *fakeConn) Probe(_ context.Context, _ string) protocol.ProbeResult {
	return protocol.ProbeResult{OK: true, ResultText: string(f.kind) + " ok"}
}

func (f *fakeConn) counts() (connects, disconnects, requests int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.requests
}

func (f *fakeConn) setSnapshot(m protocol.Map) {
	f.mu.Lock()
	f.snapshot = m
	f.mu.Unlock()
}

type fakeRelay struct {
	*fakeConn
	mu      sync.Mutex
	version string
	fetches int
}

func (r *fakeRelay) FetchBuildVersion(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	return r.version, nil
}

type fixture struct {
	ble   *fakeConn
	relay *fakeRelay
	set   connection.Set
	clock *fakeClock
}

func newFixture() *fixture {
	f := &fixture{
		ble:   newFakeConn(connection.KindBLE),
		relay: &fakeRelay{fakeConn: newFakeConn(connection.KindRelay), version: "run-5"},
		clock: &fakeClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)},
	}
	f.set = connection.Set{BLE: f.ble, Relay: f.relay}
	return f
}

// start runs a linker that only ticks when the test calls Tick, after
// waiting for the loop's first tick.
func (f *fixture) start(t *testing.T, opts ...Option) *Linker {
	t.Helper()
	base := []Option{WithClock(f.clock.Now), WithTickInterval(time.Hour)}
	l, err := New(f.set, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	require.Eventually(t, func() bool { return l.Verdict().State != "" }, time.Second, time.Millisecond)
	return l
}

func (f *fixture) tick(l *Linker) Verdict {
	f.clock.Advance(time.Second)
	l.Tick(context.Background())
	return l.Verdict()
}

func stateSnapshot(source string) connection.Event {
	return connection.Event{
		Type:   connection.EventStateSnapshot,
		Source: source,
		Snapshot: protocol.Map{
			"telemetry": protocol.Map{"gps": protocol.Map{"lat": 54.0, "lon": 10.0}},
			"anchor":    protocol.Map{"state": "down"},
		},
	}
}

func TestNew_DefaultConnectionForMode(t *testing.T) {
	f := newFixture()
	syn := newFakeConn(connection.KindSynthetic)
	f.set.Synthetic = syn

	l, err := New(f.set)
	require.NoError(t, err)
	assert.Same(t, f.relay, l.Active())
	assert.Equal(t, connection.ModeDevice, l.Mode())

	l, err = New(f.set, WithMode(connection.ModeFake))
	require.NoError(t, err)
	assert.Same(t, syn, l.Active())

	_, err = New(connection.Set{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoConnection))
}

func TestSetConnection_RebindsStreams(t *testing.T) {
	f := newFixture()
	l := f.start(t)

	var got []string
	var mu sync.Mutex
	l.SubscribeEvents(func(ev connection.Event) {
		mu.Lock()
		got = append(got, ev.Source)
		mu.Unlock()
	})

	require.NoError(t, l.SetConnection(context.Background(), f.ble, true))
	assert.Same(t, f.ble, l.Active())
	assert.True(t, f.ble.Connected())
	_, relayDisconnects, _ := f.relay.counts()
	assert.Equal(t, 1, relayDisconnects)

	f.relay.emit(stateSnapshot("cloud/status.snapshot"))
	f.ble.emit(stateSnapshot("ble/eventRx"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ble/eventRx"}, got)
}

func TestSetConnection_SameConnectionOnlyReconnects(t *testing.T) {
	f := newFixture()
	l := f.start(t)
	connects, _, _ := f.relay.counts()
	require.Equal(t, 1, connects)

	require.NoError(t, l.SetConnection(context.Background(), f.relay, true))
	connects, disconnects, _ := f.relay.counts()
	assert.Equal(t, 1, connects, "already connected")
	assert.Equal(t, 0, disconnects)

	f.relay.setConnected(false)
	require.NoError(t, l.SetConnection(context.Background(), f.relay, true))
	connects, _, _ = f.relay.counts()
	assert.Equal(t, 2, connects)

	require.Error(t, l.SetConnection(context.Background(), nil, true))
}

func TestFailover_DirectLinkDropSwitchesToRelay(t *testing.T) {
	f := newFixture()
	registry := metric.NewMetricsRegistry()
	l := f.start(t, WithMetrics(registry))
	require.NoError(t, l.SetConnection(context.Background(), f.ble, false))
	require.Same(t, f.ble, l.Active())

	f.ble.setConnected(false)

	require.Eventually(t, func() bool { return l.Active() == connection.Connection(f.relay) },
		time.Second, time.Millisecond)
	assert.True(t, f.relay.Connected())
	assert.False(t, l.View().BLEConnected)
	require.Eventually(t, func() bool { return testutil.ToFloat64(l.metrics.failovers) == 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.active.WithLabelValues(string(connection.KindRelay))))
}

func TestFailover_SuppressedWhileSwitching(t *testing.T) {
	f := newFixture()
	l := f.start(t)

	// The radio reports a disconnect while the switch to it is still running.
	f.ble.onConnect = func(c *fakeConn) { c.setConnected(false) }
	require.NoError(t, l.SetConnection(context.Background(), f.ble, false))

	assert.Never(t, func() bool { return l.Active() != connection.Connection(f.ble) },
		100*time.Millisecond, 5*time.Millisecond)
}

func TestFailover_NotInFakeMode(t *testing.T) {
	f := newFixture()
	l := f.start(t)
	require.NoError(t, l.SetConnection(context.Background(), f.ble, false))
	l.SetMode(connection.ModeFake)

	f.ble.setConnected(false)
	assert.Never(t, func() bool { return l.Active() != connection.Connection(f.ble) },
		100*time.Millisecond, 5*time.Millisecond)
}

func TestVerdict_NoLinkAndWaiting(t *testing.T) {
	f := newFixture()
	f.relay.connectErr = errors.ErrNotConnected
	l := f.start(t)

	v := l.Verdict()
	assert.Equal(t, StateNoLink, v.State)
	assert.Equal(t, TextNoLink, v.Text)
	assert.Equal(t, connection.KindRelay, v.ActiveKind)

	f.relay.setConnected(true)
	v = f.tick(l)
	assert.Equal(t, StateWaiting, v.State)
	assert.Equal(t, TextWaiting, v.Text)
	assert.Equal(t, ClassWarn, v.Class)
}

func TestVerdict_PolledFromRelay(t *testing.T) {
	f := newFixture()
	f.relay.setSnapshot(protocol.Map{"telemetry": protocol.Map{"depth": protocol.Map{"meters": 4.0}}})
	l := f.start(t)

	v := l.Verdict()
	assert.Equal(t, StatePolled, v.State)
	assert.Equal(t, TextCloud, v.Text)
	assert.Equal(t, ClassOK, v.Class)
	assert.Equal(t, connection.SourceRelay, v.Source)
	assert.Equal(t, "run-5", v.BuildVersion)

	_, _, requests := f.relay.counts()
	require.Equal(t, 1, requests)

	f.tick(l)
	_, _, requests = f.relay.counts()
	assert.Equal(t, 1, requests, "polls are at least five seconds apart")

	f.clock.Advance(4 * time.Second)
	l.Tick(context.Background())
	_, _, requests = f.relay.counts()
	assert.Equal(t, 2, requests)
	assert.Equal(t, 1, f.relay.fetches, "build version is refreshed once a minute")
}

func TestVerdict_LiveThenFallback(t *testing.T) {
	f := newFixture()
	l := f.start(t)
	require.NoError(t, l.SetConnection(context.Background(), f.ble, false))

	f.ble.emit(stateSnapshot(connection.SourceBLEEvent))
	v := f.tick(l)
	assert.Equal(t, StateLive, v.State)
	assert.Equal(t, TextBLELive, v.Text)
	assert.Equal(t, connection.SourceBLEEvent, v.Source)
	assert.Equal(t, connection.KindBLE, v.ActiveKind)
	assert.Len(t, l.View().Track, 1, "anchor down records the fix")

	f.clock.Advance(8 * time.Second)
	v = f.tick(l)
	assert.Equal(t, StatePolled, v.State)
	assert.Equal(t, TextCloudFallback, v.Text)
	assert.Equal(t, ClassWarn, v.Class)
	_, _, requests := f.ble.counts()
	assert.Equal(t, 1, requests)
}

func TestVerdict_PollRefreshesDirectLinkLiveness(t *testing.T) {
	f := newFixture()
	l := f.start(t)
	require.NoError(t, l.SetConnection(context.Background(), f.ble, false))
	f.ble.setSnapshot(protocol.Map{"anchor": protocol.Map{"state": "up"}})

	f.clock.Advance(4 * time.Second)
	v := f.tick(l)
	assert.Equal(t, StatePolled, v.State)
	assert.Equal(t, connection.SourceBLESnapshot, v.Source)

	v = f.tick(l)
	assert.Equal(t, StateLive, v.State)
}

func TestVerdict_FakeMode(t *testing.T) {
	f := newFixture()
	f.set.Synthetic = synthetic.New(synthetic.WithInterval(time.Hour))
	l := f.start(t, WithMode(connection.ModeFake))

	v := l.Verdict()
	assert.Equal(t, StatePolled, v.State)
	assert.Equal(t, "FAKE: MONITORING", v.Text)
	assert.Equal(t, ClassOK, v.Class)
	assert.Equal(t, "fake-simulator", v.Source)
	assert.Equal(t, connection.KindSynthetic, v.ActiveKind)
	assert.NotEmpty(t, l.View().Track)
}

func TestSubscribeVerdict_OnlyChanges(t *testing.T) {
	f := newFixture()
	f.relay.setSnapshot(protocol.Map{"a": 1.0})
	l := f.start(t)

	var seen []Verdict
	var mu sync.Mutex
	l.SubscribeVerdict(func(v Verdict) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	f.tick(l)
	f.tick(l)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1, "current verdict on subscribe, then nothing new")
	assert.Equal(t, StatePolled, seen[0].State)
}

func TestEvents_AppliedToView(t *testing.T) {
	f := newFixture()
	l := f.start(t)

	f.relay.emit(connection.Event{Type: connection.EventStateSnapshot, Source: connection.SourceRelay, BoatID: "boat_7",
		Snapshot: protocol.Map{"wifi": protocol.Map{"ssid": "A", "rssi": -60.0}}})
	f.relay.emit(connection.Event{Type: connection.EventStatePatch, Source: connection.SourceRelay,
		Patch: protocol.Map{"wifi.ssid": "B"}})
	f.relay.emit(connection.Event{Type: connection.EventStatePatch, Source: connection.SourceRelay,
		Patch: protocol.Map{"": "bad"}})

	points := make([]protocol.TrackPoint, MaxTrackPoints+30)
	for i := range points {
		points[i] = protocol.TrackPoint{TS: int64(i), Lat: float64(i), Lon: 1}
	}
	f.relay.emit(connection.Event{Type: connection.EventTrackSnapshot, Points: points})
	f.relay.emit(connection.Event{Type: connection.EventAlerts, Alerts: protocol.Map{"depth": protocol.Map{"state": "ALERT"}}})
	f.relay.emit(connection.Event{Type: connection.EventBoatSecret, OnboardingBoatID: "boat_8", BoatSecret: "s3cret"})

	view := l.View()
	assert.Equal(t, protocol.Map{"wifi": protocol.Map{"ssid": "B", "rssi": -60.0}}, view.State)
	require.Len(t, view.Track, MaxTrackPoints)
	assert.Equal(t, int64(30), view.Track[0].TS)
	assert.Equal(t, "ALERT", view.Alerts["depth"].(protocol.Map)["state"])
	assert.Equal(t, "boat_8", view.BoatID)
	assert.Equal(t, "s3cret", view.BoatSecret)
}

func TestCommands_ForwardToActive(t *testing.T) {
	f := newFixture()
	l := f.start(t)
	require.NoError(t, l.SetConnection(context.Background(), f.ble, false))

	res, err := l.AnchorRise(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, f.ble.risen)
	assert.Equal(t, 0, f.relay.risen)

	points, err := l.RequestTrackSnapshot(context.Background(), MaxTrackPoints+5)
	require.NoError(t, err)
	assert.Len(t, points, MaxTrackPoints+5)
	assert.Len(t, l.View().Track, MaxTrackPoints)

	probe, err := l.Probe(context.Background(), connection.KindRelay, "")
	require.NoError(t, err)
	assert.Equal(t, "cloud-relay ok", probe.ResultText)

	probe, err = l.Probe(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "bluetooth ok", probe.ResultText)

	_, err = l.Probe(context.Background(), connection.KindSynthetic, "")
	assert.True(t, errors.Is(err, errors.ErrNoConnection))
}

func TestStop_DisconnectsAndUnbinds(t *testing.T) {
	f := newFixture()
	l, err := New(f.set, WithClock(f.clock.Now), WithTickInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Start(context.Background()))

	var events int
	l.SubscribeEvents(func(connection.Event) { events++ })
	require.NoError(t, l.Stop(context.Background()))
	require.NoError(t, l.Stop(context.Background()))

	_, disconnects, _ := f.relay.counts()
	assert.Equal(t, 1, disconnects)
	assert.False(t, f.relay.Connected())
	f.relay.emit(stateSnapshot(connection.SourceRelay))
	assert.Zero(t, events)

	before := l.Verdict()
	f.tick(l)
	assert.Equal(t, before, l.Verdict(), "stopped linker does not tick")
}
