// Package synthetic implements a simulated boat device. It publishes a
// deterministic state derived from elapsed time once per second and accepts
// every command locally, without any network or radio.
package synthetic

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/anqori/anchorwatch/connection"
	"github.com/anqori/anchorwatch/protocol"
)

const (
	// DefaultBoatID is used when no boat id is configured.
	DefaultBoatID = "boat_demo_001"
	// DeviceName is reported in the link status.
	DeviceName = "demo-device"
	// MaxTrackPoints bounds the simulated track buffer.
	MaxTrackPoints = 1200
	// DefaultInterval is the publish period.
	DefaultInterval = time.Second

	headingRateDegPerS  = 1.0
	anchorHeadingOffset = 20.0
)

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithBoatID overrides DefaultBoatID.
func WithBoatID(id string) Option {
	return func(d *Device) { d.boatID = id }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Device) {
		if now != nil {
			d.now = now
		}
	}
}

// WithInterval sets the publish period.
func WithInterval(interval time.Duration) Option {
	return func(d *Device) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// Device is the synthetic link. Safe for concurrent use.
type Device struct {
	logger   *slog.Logger
	boatID   string
	now      func() time.Time
	interval time.Duration

	mu            sync.Mutex
	connected     bool
	stop          chan struct{}
	done          chan struct{}
	boot          time.Time
	points        []protocol.TrackPoint
	anchorDown    bool
	anchor        geoPoint
	heading       float64
	lastHeadingMs int64
	alertConfig   map[string]*alertConfig
	alertRuntime  map[string]*alertRuntime

	events connection.Observers[connection.Event]
	status connection.Observers[connection.Status]
}

var _ connection.Connection = (*Device)(nil)

// New creates a disconnected synthetic device.
func New(opts ...Option) *Device {
	d := &Device{
		logger:       slog.Default(),
		now:          time.Now,
		interval:     DefaultInterval,
		alertConfig:  defaultAlertConfig(),
		alertRuntime: defaultAlertRuntime(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "synthetic")
	d.boot = d.now()
	return d
}

// Kind implements connection.Connection.
func (d *Device) Kind() connection.Kind { return connection.KindSynthetic }

// BoatID returns the configured boat id or DefaultBoatID.
func (d *Device) BoatID() string {
	if d.boatID == "" {
		return DefaultBoatID
	}
	return d.boatID
}

// Connected reports whether the publisher is running.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Connect resets the simulation, starts the publisher and publishes once.
// When already connected it only re-emits the status.
func (d *Device) Connect(_ context.Context) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		d.emitStatus()
		return nil
	}
	d.connected = true
	d.boot = d.now()
	d.points = nil
	d.anchorDown = false
	d.anchor = geoPoint{}
	d.heading = 0
	d.lastHeadingMs = 0
	d.alertRuntime = defaultAlertRuntime()
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
	d.mu.Unlock()

	d.logger.Info("synthetic device started", "boat_id", d.BoatID())
	d.publish()
	d.emitStatus()
	return nil
}

// Disconnect stops the publisher.
func (d *Device) Disconnect(_ context.Context) error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	wasConnected := d.connected
	d.connected = false
	d.stop, d.done = nil, nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if wasConnected {
		d.logger.Info("synthetic device stopped")
	}
	d.emitStatus()
	return nil
}

func (d *Device) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.publish()
		}
	}
}

// SubscribeEvents implements connection.Connection.
func (d *Device) SubscribeEvents(fn func(connection.Event)) func() {
	return d.events.Add(fn)
}

// SubscribeStatus implements connection.Connection.
func (d *Device) SubscribeStatus(fn func(connection.Status)) func() {
	unsubscribe := d.status.Add(fn)
	fn(d.currentStatus())
	return unsubscribe
}

func (d *Device) currentStatus() connection.Status {
	return connection.Status{
		Connected:  d.Connected(),
		DeviceName: DeviceName,
		AuthState:  protocol.Map{"sessionPaired": true, "pairModeActive": false},
	}
}

func (d *Device) emitStatus() { d.status.Emit(d.currentStatus()) }

// publish emits alerts and then the state snapshot. A no-op while
// disconnected.
func (d *Device) publish() {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return
	}
	snapshot := d.buildSnapshotLocked()
	d.mu.Unlock()

	alerts, _ := snapshot["alerts"].(protocol.Map)
	d.events.Emit(connection.Event{
		Type:   connection.EventAlerts,
		Source: connection.SourceSynthetic,
		BoatID: d.BoatID(),
		Alerts: alerts,
	})
	d.events.Emit(connection.Event{
		Type:     connection.EventStateSnapshot,
		Source:   connection.SourceSynthetic,
		BoatID:   d.BoatID(),
		Snapshot: snapshot,
	})
}

// buildSnapshotLocked advances the simulation to now, records a track point
// and returns the full state. d.mu must be held.
func (d *Device) buildSnapshotLocked() protocol.Map {
	now := d.now()
	nowTs := now.UnixMilli()
	ageMs := float64(now.Sub(d.boot).Milliseconds())
	t := ageMs / 1000
	ageS := math.Floor(ageMs / 1000)

	depth := 3.2 + math.Sin(ageMs/9000)*0.35
	wind := 12 + math.Sin(ageMs/5000)*2.5
	lat := 54.3201 + math.Sin(t/45)*0.0007
	lon := 10.1402 + math.Cos(t/60)*0.0011
	sog := 0.4 + math.Abs(math.Sin(t/10))*0.8
	cog := math.Mod(t*16, 360)
	target := protocol.NormalizeDegrees(cog + math.Sin(t/9)*10)

	boat := geoPoint{lat, lon}
	var anchorBearing *float64
	var anchorDistance *float64
	if d.anchorDown {
		dist, bearing := geoDelta(d.anchor, boat)
		anchorDistance, anchorBearing = &dist, &bearing
	}
	heading := d.stepHeading(nowTs, target, anchorBearing)

	d.points = append(d.points, protocol.TrackPoint{
		TS: nowTs, Lat: lat, Lon: lon, SOG: ptr(sog), COG: ptr(cog), Heading: ptr(heading),
	})
	if n := len(d.points); n > MaxTrackPoints {
		d.points = append([]protocol.TrackPoint(nil), d.points[n-MaxTrackPoints:]...)
	}

	// gps, wind and depth share one sample clock.
	dataAgeMs := ageS * 1000
	above := map[string]bool{
		"anchor_distance": anchorDistance != nil && *anchorDistance > d.alertConfig["anchor_distance"].threshold,
		"boating_area":    anchorDistance != nil && *anchorDistance > d.alertConfig["boating_area"].threshold,
		"wind_strength":   wind > d.alertConfig["wind_strength"].threshold,
		"depth":           depth < d.alertConfig["depth"].threshold,
		"data_outdated":   dataAgeMs > d.alertConfig["data_outdated"].threshold,
	}

	alerts := protocol.Map{}
	hasAlarm, hasWarning := false, false
	for _, id := range alertIDs {
		rt, cfg := d.alertRuntime[id], d.alertConfig[id]
		rt.step(cfg, above[id], nowTs)
		alerts[id] = rt.entry(cfg)
		switch rt.state {
		case AlertActive:
			hasAlarm = true
		case AlertTriggered, AlertSilenced:
			hasWarning = true
		}
	}

	stateText, stateClass := "FAKE: MONITORING", "ok"
	switch {
	case hasAlarm:
		stateText, stateClass = "FAKE: ALERT", "alarm"
	case hasWarning:
		stateText, stateClass = "FAKE: WARNING", "warn"
	}

	var anchorPosition any
	anchorState := "up"
	if d.anchorDown {
		anchorState = "down"
		anchorPosition = protocol.Map{"lat": d.anchor.lat, "lon": d.anchor.lon}
	}

	return protocol.Map{
		"telemetry": protocol.Map{
			"gps": protocol.Map{
				"lat": lat, "lon": lon, "ageMs": dataAgeMs,
				"sogKn": sog, "cogDeg": cog, "headingDeg": heading, "valid": true,
			},
			"motion": protocol.Map{"sogKn": sog, "cogDeg": cog, "headingDeg": heading},
			"depth":  protocol.Map{"meters": depth, "ageMs": dataAgeMs},
			"wind":   protocol.Map{"knots": wind, "ageMs": dataAgeMs},
		},
		"simulation": protocol.Map{"stateText": stateText, "stateClass": stateClass},
		"anchor":     protocol.Map{"state": anchorState, "position": anchorPosition},
		"alerts":     alerts,
	}
}

// stepHeading turns the simulated bow toward target at a bounded rate and,
// with the anchor down, keeps it near the bearing from anchor to boat.
func (d *Device) stepHeading(nowMs int64, target float64, anchorBearing *float64) float64 {
	if d.lastHeadingMs <= 0 {
		d.heading = target
		d.lastHeadingMs = nowMs
	}
	elapsed := math.Max(0, float64(nowMs-d.lastHeadingMs)/1000)
	d.lastHeadingMs = nowMs

	heading := moveToward(d.heading, target, headingRateDegPerS*elapsed)
	if anchorBearing != nil {
		heading = clampAround(heading, *anchorBearing, anchorHeadingOffset)
	}
	d.heading = heading
	return heading
}

// SendConfigPatch applies the alerts.* keys of patch and publishes.
func (d *Device) SendConfigPatch(_ context.Context, _ int64, patch protocol.Map) (protocol.CommandResult, error) {
	d.mu.Lock()
	applyPatch(d.alertConfig, patch)
	d.mu.Unlock()
	d.publish()
	return protocol.OK(), nil
}

// AnchorRise raises the anchor and clears the track.
func (d *Device) AnchorRise(_ context.Context) (protocol.CommandResult, error) {
	d.mu.Lock()
	d.anchorDown = false
	d.points = nil
	d.mu.Unlock()
	d.publish()
	return protocol.OK(), nil
}

// AnchorDown drops the anchor at lat/lon. The track is cleared when the
// anchor was up. Non-finite coordinates are ignored.
func (d *Device) AnchorDown(_ context.Context, lat, lon float64) (protocol.CommandResult, error) {
	if isFinite(lat) && isFinite(lon) {
		d.mu.Lock()
		if !d.anchorDown {
			d.points = nil
		}
		d.anchorDown = true
		d.anchor = geoPoint{lat, lon}
		d.mu.Unlock()
	}
	d.publish()
	return protocol.OK(), nil
}

// SilenceAlarm silences every sounding alert for the given time, clamped to
// one second through one day.
func (d *Device) SilenceAlarm(_ context.Context, seconds float64) (protocol.CommandResult, error) {
	ms := protocol.SilenceMillis(seconds)
	d.mu.Lock()
	nowTs := d.now().UnixMilli()
	for _, id := range alertIDs {
		d.alertRuntime[id].silence(nowTs, nowTs+ms)
	}
	d.mu.Unlock()
	d.publish()
	return protocol.OK(), nil
}

var demoNetworks = []protocol.WifiNetwork{
	{SSID: "Demo Marina", Security: protocol.SecurityWPA2, RSSI: ptr(-52.0), Channel: ptr(1.0)},
	{SSID: "Dockside Guest", Security: protocol.SecurityOpen, RSSI: ptr(-64.0), Channel: ptr(6.0)},
	{SSID: "AnchorMaster Lab", Security: protocol.SecurityWPA3, RSSI: ptr(-71.0), Channel: ptr(11.0)},
}

var hiddenNetwork = protocol.WifiNetwork{Security: protocol.SecurityWPA2, RSSI: ptr(-80.0), Channel: ptr(3.0), Hidden: true}

// ScanWifi returns a fixed list of demo networks.
func (d *Device) ScanWifi(_ context.Context, maxResults int, includeHidden bool) ([]protocol.WifiNetwork, error) {
	list := append([]protocol.WifiNetwork(nil), demoNetworks...)
	if includeHidden {
		list = append(list, hiddenNetwork)
	}
	return list[:min(max(0, maxResults), len(list))], nil
}

// RequestStateSnapshot advances the simulation and returns the state.
func (d *Device) RequestStateSnapshot(_ context.Context) (protocol.Map, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buildSnapshotLocked(), nil
}

// RequestTrackSnapshot returns the newest limit points.
func (d *Device) RequestTrackSnapshot(_ context.Context, limit int) ([]protocol.TrackPoint, error) {
	if limit <= 0 {
		return []protocol.TrackPoint{}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	start := max(0, len(d.points)-limit)
	return append([]protocol.TrackPoint{}, d.points[start:]...), nil
}

// Probe always succeeds.
func (d *Device) Probe(_ context.Context, _ string) protocol.ProbeResult {
	return protocol.ProbeResult{OK: true, ResultText: "Fake device available"}
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
