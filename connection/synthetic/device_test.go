package synthetic

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anqori/anchorwatch/connection"
	"github.com/anqori/anchorwatch/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
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

type recorder struct {
	mu     sync.Mutex
	events []connection.Event
}

func (r *recorder) add(ev connection.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []connection.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]connection.Event(nil), r.events...)
}

func (r *recorder) count(t connection.EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// started returns a connected device that only publishes on demand.
func started(t *testing.T, opts ...Option) (*Device, *fakeClock, *recorder) {
	t.Helper()
	clock := newFakeClock()
	d := New(append([]Option{WithClock(clock.Now), WithInterval(time.Hour)}, opts...)...)
	rec := &recorder{}
	d.SubscribeEvents(rec.add)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Disconnect(context.Background()) })
	return d, clock, rec
}

func alertState(t *testing.T, snapshot protocol.Map, id string) string {
	t.Helper()
	v, ok := protocol.Path(snapshot, "alerts", id, "state")
	require.True(t, ok, "alert %s missing", id)
	return v.(string)
}

func TestConnect_PublishesAlertsThenSnapshot(t *testing.T) {
	d, _, rec := started(t)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, connection.EventAlerts, events[0].Type)
	assert.Equal(t, connection.EventStateSnapshot, events[1].Type)
	for _, ev := range events {
		assert.Equal(t, connection.SourceSynthetic, ev.Source)
		assert.Equal(t, DefaultBoatID, ev.BoatID)
	}
	assert.Equal(t, events[1].Snapshot["alerts"], events[0].Alerts)
	assert.True(t, d.Connected())
	assert.Equal(t, connection.KindSynthetic, d.Kind())
}

func TestConnect_WhenConnectedOnlyReemitsStatus(t *testing.T) {
	d, _, rec := started(t, WithBoatID("boat_x"))

	var statuses []connection.Status
	d.SubscribeStatus(func(s connection.Status) { statuses = append(statuses, s) })
	require.NoError(t, d.Connect(context.Background()))

	assert.Len(t, rec.all(), 2)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[1].Connected)
	assert.Equal(t, DeviceName, statuses[1].DeviceName)
	assert.Equal(t, true, statuses[1].AuthState["sessionPaired"])
	assert.Equal(t, "boat_x", d.BoatID())
}

func TestSnapshot_InitialValues(t *testing.T) {
	d, _, _ := started(t)

	snap, err := d.RequestStateSnapshot(context.Background())
	require.NoError(t, err)

	gps, _ := protocol.Path(snap, "telemetry", "gps")
	g := gps.(protocol.Map)
	assert.InDelta(t, 54.3201, g["lat"], 1e-9)
	assert.InDelta(t, 10.1413, g["lon"], 1e-9)
	assert.InDelta(t, 0.4, g["sogKn"], 1e-9)
	assert.Equal(t, true, g["valid"])

	depth, _ := protocol.Path(snap, "telemetry", "depth", "meters")
	assert.InDelta(t, 3.2, depth, 1e-9)
	wind, _ := protocol.Path(snap, "telemetry", "wind", "knots")
	assert.InDelta(t, 12.0, wind, 1e-9)

	anchor, _ := protocol.Path(snap, "anchor")
	assert.Equal(t, protocol.Map{"state": "up", "position": nil}, anchor)

	text, _ := protocol.Path(snap, "simulation", "stateText")
	assert.Equal(t, "FAKE: MONITORING", text)
	assert.Equal(t, AlertDisabled, alertState(t, snap, "depth"))
	assert.Equal(t, AlertWatching, alertState(t, snap, "anchor_distance"))
}

func TestAnchorDistance_AlertLifecycle(t *testing.T) {
	d, clock, _ := started(t)
	ctx := context.Background()

	// About a kilometer north of the simulated position.
	_, err := d.AnchorDown(ctx, 54.33, 10.1413)
	require.NoError(t, err)

	clock.Advance(15 * time.Second)
	snap, _ := d.RequestStateSnapshot(ctx)
	assert.Equal(t, AlertTriggered, alertState(t, snap, "anchor_distance"))

	clock.Advance(time.Second)
	snap, _ = d.RequestStateSnapshot(ctx)
	assert.Equal(t, AlertActive, alertState(t, snap, "anchor_distance"))
	text, _ := protocol.Path(snap, "simulation", "stateText")
	assert.Equal(t, "FAKE: ALERT", text)

	res, err := d.SilenceAlarm(ctx, 60)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	snap, _ = d.RequestStateSnapshot(ctx)
	assert.Equal(t, AlertSilenced, alertState(t, snap, "anchor_distance"))
	until, _ := protocol.Path(snap, "alerts", "anchor_distance", "alert_silenced_until_ts")
	assert.Equal(t, clock.Now().UnixMilli()+60_000, until)

	clock.Advance(61 * time.Second)
	snap, _ = d.RequestStateSnapshot(ctx)
	assert.Equal(t, AlertActive, alertState(t, snap, "anchor_distance"))
	until, _ = protocol.Path(snap, "alerts", "anchor_distance", "alert_silenced_until_ts")
	assert.Nil(t, until)

	position, _ := protocol.Path(snap, "anchor", "position")
	assert.Equal(t, protocol.Map{"lat": 54.33, "lon": 10.1413}, position)
}

func TestHeading_StaysNearAnchorBearing(t *testing.T) {
	d, clock, _ := started(t)
	ctx := context.Background()
	anchor := geoPoint{54.33, 10.1413}
	_, _ = d.AnchorDown(ctx, anchor.lat, anchor.lon)

	for i := 0; i < 120; i++ {
		clock.Advance(time.Second)
		snap, _ := d.RequestStateSnapshot(ctx)
		gps, _ := protocol.Path(snap, "telemetry", "gps")
		g := gps.(protocol.Map)
		_, bearing := geoDelta(anchor, geoPoint{g["lat"].(float64), g["lon"].(float64)})
		assert.LessOrEqual(t, math.Abs(shortestDelta(bearing, g["headingDeg"].(float64))), anchorHeadingOffset+1e-6)
	}
}

func TestHeading_TurnRateIsBounded(t *testing.T) {
	d, clock, _ := started(t)
	ctx := context.Background()

	prev := -1.0
	for i := 0; i < 60; i++ {
		clock.Advance(time.Second)
		snap, _ := d.RequestStateSnapshot(ctx)
		heading, _ := protocol.Path(snap, "telemetry", "motion", "headingDeg")
		h := heading.(float64)
		if prev >= 0 {
			assert.LessOrEqual(t, math.Abs(shortestDelta(prev, h)), headingRateDegPerS+1e-6)
		}
		prev = h
	}
}

func TestSendConfigPatch_NestedAndDotted(t *testing.T) {
	d, _, _ := started(t)
	ctx := context.Background()

	res, err := d.SendConfigPatch(ctx, 2, protocol.Map{
		"alerts": protocol.Map{"wind_strength": protocol.Map{"max_tws": 5.0, "min_time_ms": 0.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.OK(), res)

	res, err = d.SendConfigPatch(ctx, 3, protocol.Map{
		"alerts.depth.is_enabled": true,
		"alerts.depth.min_depth":  10.0,
		"alerts.depth.severity":   "warning",
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	snap, _ := d.RequestStateSnapshot(ctx)
	assert.Equal(t, AlertActive, alertState(t, snap, "wind_strength"))
	assert.NotEqual(t, AlertDisabled, alertState(t, snap, "depth"))
	severity, _ := protocol.Path(snap, "alerts", "depth", "severity")
	assert.Equal(t, "WARNING", severity)
}

func TestSendConfigPatch_IgnoresInvalidValues(t *testing.T) {
	d, _, _ := started(t)
	_, _ = d.SendConfigPatch(context.Background(), 1, protocol.Map{
		"alerts.wind_strength.severity": "LOUD",
		"alerts.boating_area.polygon":   []any{protocol.Map{"lat": 1.0, "lon": 2.0}},
	})
	assert.Equal(t, "WARNING", d.alertConfig["wind_strength"].severity)
	assert.Len(t, d.alertConfig["boating_area"].polygon, 4)
}

func TestTrack_CapAndLimits(t *testing.T) {
	d, clock, _ := started(t)
	ctx := context.Background()

	for i := 0; i < MaxTrackPoints+50; i++ {
		clock.Advance(time.Second)
		_, _ = d.RequestStateSnapshot(ctx)
	}

	all, err := d.RequestTrackSnapshot(ctx, 5000)
	require.NoError(t, err)
	assert.Len(t, all, MaxTrackPoints)

	last, _ := d.RequestTrackSnapshot(ctx, 3)
	require.Len(t, last, 3)
	assert.Equal(t, clock.Now().UnixMilli(), last[2].TS)

	none, _ := d.RequestTrackSnapshot(ctx, 0)
	assert.Empty(t, none)
}

func TestAnchorCommands_ClearTrack(t *testing.T) {
	d, clock, _ := started(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		_, _ = d.RequestStateSnapshot(ctx)
	}

	_, _ = d.AnchorDown(ctx, 54.32, 10.14)
	track, _ := d.RequestTrackSnapshot(ctx, 100)
	assert.Len(t, track, 1, "dropping the anchor starts a fresh track")

	_, _ = d.AnchorDown(ctx, 54.321, 10.141)
	track, _ = d.RequestTrackSnapshot(ctx, 100)
	assert.Len(t, track, 2, "moving a lowered anchor keeps the track")

	_, _ = d.AnchorDown(ctx, math.NaN(), 10)
	assert.Equal(t, geoPoint{54.321, 10.141}, d.anchor)

	_, _ = d.AnchorRise(ctx)
	track, _ = d.RequestTrackSnapshot(ctx, 100)
	assert.Len(t, track, 1)
	assert.False(t, d.anchorDown)
}

func TestScanWifi(t *testing.T) {
	d := New()
	tests := []struct {
		name          string
		max           int
		includeHidden bool
		want          []string
	}{
		{"all visible", 10, false, []string{"Demo Marina", "Dockside Guest", "AnchorMaster Lab"}},
		{"with hidden", 10, true, []string{"Demo Marina", "Dockside Guest", "AnchorMaster Lab", ""}},
		{"truncated", 2, true, []string{"Demo Marina", "Dockside Guest"}},
		{"negative", -1, false, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := d.ScanWifi(context.Background(), tt.max, tt.includeHidden)
			require.NoError(t, err)
			got := []string{}
			for _, n := range list {
				got = append(got, n.SSID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDisconnect_StopsPublishing(t *testing.T) {
	d, _, rec := started(t)
	var last connection.Status
	d.SubscribeStatus(func(s connection.Status) { last = s })

	require.NoError(t, d.Disconnect(context.Background()))
	assert.False(t, last.Connected)

	_, _ = d.AnchorRise(context.Background())
	assert.Len(t, rec.all(), 2)
	require.NoError(t, d.Disconnect(context.Background()))
}

func TestPublisher_Ticks(t *testing.T) {
	d := New(WithInterval(10 * time.Millisecond))
	rec := &recorder{}
	d.SubscribeEvents(rec.add)
	require.NoError(t, d.Connect(context.Background()))
	defer d.Disconnect(context.Background())

	require.Eventually(t, func() bool {
		return rec.count(connection.EventStateSnapshot) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProbe(t *testing.T) {
	res := New().Probe(context.Background(), "")
	assert.Equal(t, protocol.ProbeResult{OK: true, ResultText: "Fake device available"}, res)
}

func TestGeoHelpers(t *testing.T) {
	dist, bearing := geoDelta(geoPoint{54, 10}, geoPoint{54.001, 10})
	assert.InDelta(t, 111.32, dist, 1e-6)
	assert.InDelta(t, 0, bearing, 1e-9)

	_, bearing = geoDelta(geoPoint{54, 10}, geoPoint{54, 10.001})
	assert.InDelta(t, 90, bearing, 1e-9)

	assert.InDelta(t, 20, shortestDelta(350, 10), 1e-9)
	assert.InDelta(t, -20, shortestDelta(10, 350), 1e-9)
	assert.InDelta(t, 355, moveToward(350, 10, 5), 1e-9)
	assert.InDelta(t, 10, moveToward(350, 10, 30), 1e-9)
	assert.InDelta(t, 200, clampAround(250, 180, 20), 1e-9)
	assert.InDelta(t, 190, clampAround(190, 180, 20), 1e-9)
}
