// Package linker keeps exactly one device connection active, fails over from
// a dropped direct link to the relay, and derives a liveness verdict from
// whatever data source is currently authoritative.
package linker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anqori/anchorwatch/connection"
	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/metric"
	"github.com/anqori/anchorwatch/protocol"
)

// Timing defaults.
const (
	DefaultTickInterval     = 250 * time.Millisecond
	DefaultTickGate         = time.Second
	DefaultLiveWindow       = 8 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultFakePollInterval = time.Second
	DefaultVersionInterval  = 60 * time.Second

	// MaxTrackPoints bounds the client-side track.
	MaxTrackPoints = 320
)

// Summary texts.
const (
	TextBLELive       = "DEVICE: BLE LIVE"
	TextCloudFallback = "DEVICE: CLOUD FALLBACK"
	TextCloud         = "DEVICE: CLOUD"
	TextWaiting       = "DEVICE: WAITING DATA"
	TextNoLink        = "DEVICE: NO LINK"
	TextFakeWaiting   = "FAKE: WAITING DATA"
	TextFakeNoLink    = "FAKE: NO LINK"
)

// buildVersionFetcher is implemented by connections that can report the
// relay build.
type buildVersionFetcher interface {
	FetchBuildVersion(ctx context.Context) (string, error)
}

// Option configures a Linker.
type Option func(*Linker)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Linker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMode sets the initial mode. The default is device mode.
func WithMode(mode connection.Mode) Option {
	return func(l *Linker) { l.mode = mode }
}

// WithClock replaces time.Now for tick gating and data ages.
func WithClock(now func() time.Time) Option {
	return func(l *Linker) {
		if now != nil {
			l.now = now
		}
	}
}

// WithTickInterval sets how often the tick loop wakes up.
func WithTickInterval(d time.Duration) Option {
	return func(l *Linker) {
		if d > 0 {
			l.tickEvery = d
		}
	}
}

// WithIntervals overrides the tick gate, the direct-link live window and the
// poll intervals. Non-positive values keep the defaults.
func WithIntervals(gate, live, poll, fakePoll, version time.Duration) Option {
	return func(l *Linker) {
		for _, p := range []struct {
			dst *time.Duration
			v   time.Duration
		}{{&l.gate, gate}, {&l.liveWindow, live}, {&l.pollEvery, poll}, {&l.fakePollEvery, fakePoll}, {&l.versionEvery, version}} {
			if p.v > 0 {
				*p.dst = p.v
			}
		}
	}
}

// WithMetrics registers the linker metrics. Nil disables them.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(l *Linker) { l.registry = registry }
}

// Linker owns the active connection. Safe for concurrent use.
type Linker struct {
	set      connection.Set
	logger   *slog.Logger
	now      func() time.Time
	registry *metric.MetricsRegistry
	metrics  *linkerMetrics

	tickEvery     time.Duration
	gate          time.Duration
	liveWindow    time.Duration
	pollEvery     time.Duration
	fakePollEvery time.Duration
	versionEvery  time.Duration

	switchMu  sync.Mutex
	switching atomic.Bool
	bg        sync.WaitGroup

	mu          sync.Mutex
	active      connection.Connection
	mode        connection.Mode
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	tickDone    chan struct{}
	unsubEvents func()
	unsubStatus func()

	lastTick        time.Time
	lastPoll        time.Time
	lastVersionPoll time.Time

	bleConnected bool
	bleName      string
	bleAuth      protocol.Map
	lastBLESeen  time.Time

	state       protocol.Map
	stateSource string
	stateAt     time.Time
	track       []protocol.TrackPoint
	alerts      protocol.Map
	boatID      string
	boatSecret  string

	buildVersion string
	verdict      Verdict

	verdicts connection.Observers[Verdict]
	events   connection.Observers[connection.Event]
}

// New creates a stopped linker whose initial connection is the default for
// its mode.
func New(set connection.Set, opts ...Option) (*Linker, error) {
	l := &Linker{
		set:           set,
		logger:        slog.Default(),
		now:           time.Now,
		mode:          connection.ModeDevice,
		tickEvery:     DefaultTickInterval,
		gate:          DefaultTickGate,
		liveWindow:    DefaultLiveWindow,
		pollEvery:     DefaultPollInterval,
		fakePollEvery: DefaultFakePollInterval,
		versionEvery:  DefaultVersionInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "linker")
	l.active = set.DefaultForMode(l.mode)
	if l.active == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "linker", "New",
			"resolve default connection for mode "+string(l.mode))
	}

	m, err := newLinkerMetrics(l.registry)
	if err != nil {
		return nil, errors.Wrap(err, "linker", "New", "register metrics")
	}
	l.metrics = m
	return l, nil
}

// Active returns the active connection.
func (l *Linker) Active() connection.Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Mode returns the selected mode.
func (l *Linker) Mode() connection.Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// SetMode selects device or fake mode. It does not switch connections.
func (l *Linker) SetMode(mode connection.Mode) {
	l.mu.Lock()
	l.mode = connection.ParseMode(string(mode))
	l.mu.Unlock()
}

// Start binds the active connection, connects it and begins ticking. A
// connect failure is logged; the connection's own retry logic continues.
func (l *Linker) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.ctx, l.cancel = context.WithCancel(ctx)
	runCtx := l.ctx
	active := l.active
	l.mu.Unlock()

	if err := l.switchTo(runCtx, active, false, nil); err != nil {
		l.logger.Warn("initial connect failed", "kind", active.Kind(), "error", err)
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.tickDone = done
	l.mu.Unlock()
	go l.tickLoop(runCtx, done)
	return nil
}

// Stop halts ticking, unbinds and disconnects the active connection.
func (l *Linker) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	cancel, done := l.cancel, l.tickDone
	l.mu.Unlock()

	cancel()
	if done != nil {
		<-done
	}
	l.bg.Wait()

	l.switchMu.Lock()
	defer l.switchMu.Unlock()
	l.mu.Lock()
	unsubE, unsubS := l.unsubEvents, l.unsubStatus
	l.unsubEvents, l.unsubStatus = nil, nil
	active := l.active
	l.mu.Unlock()
	if unsubE != nil {
		unsubE()
	}
	if unsubS != nil {
		unsubS()
	}

	if err := active.Disconnect(ctx); err != nil {
		return errors.Wrap(err, "linker", "Stop", "disconnect "+string(active.Kind()))
	}
	return nil
}

// SetConnection makes next the active connection. When next is already
// active it is only connected if needed. Otherwise the previous connection
// is unsubscribed, optionally disconnected, and next is subscribed and
// connected. Calls are serialized.
func (l *Linker) SetConnection(ctx context.Context, next connection.Connection, disconnectPrevious bool) error {
	if next == nil {
		return errors.WrapInvalid(errors.ErrNoConnection, "linker", "SetConnection", "check next connection")
	}
	return l.switchTo(ctx, next, disconnectPrevious, nil)
}

// switchTo rebinds under switchMu. A non-nil guard is evaluated with the
// lock held and aborts the switch when it returns false.
func (l *Linker) switchTo(ctx context.Context, next connection.Connection, disconnectPrevious bool, guard func(active connection.Connection, mode connection.Mode) bool) error {
	l.switchMu.Lock()
	defer l.switchMu.Unlock()

	l.mu.Lock()
	prev, mode := l.active, l.mode
	bound := l.unsubEvents != nil
	l.mu.Unlock()

	if guard != nil && !guard(prev, mode) {
		return nil
	}
	if next == prev && bound {
		if next.Connected() {
			return nil
		}
		return next.Connect(ctx)
	}

	l.switching.Store(true)
	defer l.switching.Store(false)

	l.mu.Lock()
	unsubE, unsubS := l.unsubEvents, l.unsubStatus
	l.unsubEvents, l.unsubStatus = nil, nil
	l.mu.Unlock()
	if unsubE != nil {
		unsubE()
	}
	if unsubS != nil {
		unsubS()
	}

	if disconnectPrevious && prev != nil && prev != next {
		if err := prev.Disconnect(ctx); err != nil {
			l.logger.Warn("disconnect previous connection failed", "kind", prev.Kind(), "error", err)
		}
	}

	l.mu.Lock()
	l.active = next
	l.mu.Unlock()
	l.metrics.recordActive(next.Kind())
	if prev != next {
		l.logger.Info("active connection changed", "from", prev.Kind(), "to", next.Kind())
	}

	unsubE = next.SubscribeEvents(l.handleEvent)
	unsubS = next.SubscribeStatus(func(s connection.Status) { l.handleStatus(next, s) })
	l.mu.Lock()
	l.unsubEvents, l.unsubStatus = unsubE, unsubS
	l.mu.Unlock()

	if err := next.Connect(ctx); err != nil {
		return errors.Wrap(err, "linker", "SetConnection", "connect "+string(next.Kind()))
	}
	return nil
}

func (l *Linker) handleStatus(conn connection.Connection, s connection.Status) {
	l.mu.Lock()
	if conn != l.active {
		l.mu.Unlock()
		return
	}
	failover := false
	if conn.Kind() == connection.KindBLE {
		l.bleConnected = s.Connected
		l.bleName = s.DeviceName
		l.bleAuth = protocol.Clone(s.AuthState)
		failover = !s.Connected && !l.switching.Load() && l.mode == connection.ModeDevice && l.running
	} else {
		l.bleConnected, l.bleName, l.bleAuth = false, "", nil
	}
	target := l.set.DefaultForMode(connection.ModeDevice)
	failover = failover && target != nil && target != conn
	if failover {
		l.bg.Add(1)
	}
	ctx := l.ctx
	l.mu.Unlock()

	if !failover {
		return
	}
	go func() {
		defer l.bg.Done()
		l.failover(ctx, conn, target)
	}()
}

// failover switches from a dropped direct link to target, unless something
// else changed the active connection or the mode first.
func (l *Linker) failover(ctx context.Context, from, target connection.Connection) {
	if ctx == nil {
		ctx = context.Background()
	}
	switched := false
	err := l.switchTo(ctx, target, false, func(active connection.Connection, mode connection.Mode) bool {
		l.mu.Lock()
		running := l.running
		l.mu.Unlock()
		switched = running && active == from && mode == connection.ModeDevice
		return switched
	})
	if !switched {
		return
	}
	l.metrics.recordFailover()
	if err != nil {
		l.logger.Warn("failover connect failed", "to", target.Kind(), "error", err)
		return
	}
	l.logger.Info("direct link lost, failed over", "to", target.Kind())
}

func isBLESource(source string) bool { return strings.HasPrefix(source, "ble/") }

func (l *Linker) handleEvent(ev connection.Event) {
	now := l.now()
	l.mu.Lock()
	if ev.BoatID != "" {
		l.boatID = ev.BoatID
	}
	switch ev.Type {
	case connection.EventStateSnapshot:
		l.applySnapshotLocked(ev.Snapshot, ev.Source, now)
	case connection.EventStatePatch:
		if patch, err := protocol.NormalizePatch(ev.Patch); err == nil {
			l.state = protocol.DeepMerge(l.state, patch)
			l.stateSource, l.stateAt = ev.Source, now
			if isBLESource(ev.Source) {
				l.lastBLESeen = now
			}
		}
	case connection.EventTrackSnapshot:
		if len(ev.Points) > 0 {
			l.track = lastPoints(ev.Points, MaxTrackPoints)
		}
	case connection.EventAlerts:
		l.alerts = protocol.Clone(ev.Alerts)
	case connection.EventBoatSecret:
		if ev.OnboardingBoatID != "" {
			l.boatID = ev.OnboardingBoatID
		}
		if ev.BoatSecret != "" {
			l.boatSecret = ev.BoatSecret
			l.logger.Info("received boat secret", "boat_id", l.boatID)
		} else {
			l.logger.Warn("onboarding message without boat secret")
		}
	}
	l.mu.Unlock()

	l.events.Emit(ev)
}

func (l *Linker) applySnapshotLocked(snapshot protocol.Map, source string, now time.Time) {
	if snapshot == nil {
		return
	}
	l.state = protocol.Clone(snapshot)
	l.stateSource, l.stateAt = source, now
	if isBLESource(source) {
		l.lastBLESeen = now
	}
}

// SubscribeVerdict registers fn for verdict changes and calls it with the
// current verdict when one exists.
func (l *Linker) SubscribeVerdict(fn func(Verdict)) func() {
	unsubscribe := l.verdicts.Add(fn)
	l.mu.Lock()
	current := l.verdict
	l.mu.Unlock()
	if current.State != "" {
		fn(current)
	}
	return unsubscribe
}

// SubscribeEvents registers fn for every event of the active connection,
// delivered after the linker applied it.
func (l *Linker) SubscribeEvents(fn func(connection.Event)) func() {
	return l.events.Add(fn)
}

// Verdict returns the latest verdict.
func (l *Linker) Verdict() Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verdict
}

// View is a copy of everything the linker knows about the boat.
type View struct {
	State        protocol.Map
	StateSource  string
	StateAt      time.Time
	Track        []protocol.TrackPoint
	Alerts       protocol.Map
	BoatID       string
	BoatSecret   string
	BLEConnected bool
	BLEName      string
	BLEAuth      protocol.Map
	BuildVersion string
}

// View returns a snapshot of the linker's data.
func (l *Linker) View() View {
	l.mu.Lock()
	defer l.mu.Unlock()
	return View{
		State:        protocol.Clone(l.state),
		StateSource:  l.stateSource,
		StateAt:      l.stateAt,
		Track:        append([]protocol.TrackPoint(nil), l.track...),
		Alerts:       protocol.Clone(l.alerts),
		BoatID:       l.boatID,
		BoatSecret:   l.boatSecret,
		BLEConnected: l.bleConnected,
		BLEName:      l.bleName,
		BLEAuth:      protocol.Clone(l.bleAuth),
		BuildVersion: l.buildVersion,
	}
}

func (l *Linker) activeConn(op string) (connection.Connection, error) {
	if c := l.Active(); c != nil {
		return c, nil
	}
	return nil, errors.WrapInvalid(errors.ErrNoConnection, "linker", op, "resolve active connection")
}

// SendConfigPatch forwards to the active connection.
func (l *Linker) SendConfigPatch(ctx context.Context, version int64, patch protocol.Map) (protocol.CommandResult, error) {
	c, err := l.activeConn("SendConfigPatch")
	if err != nil {
		return protocol.CommandResult{}, err
	}
	return c.SendConfigPatch(ctx, version, patch)
}

// AnchorRise forwards to the active connection.
func (l *Linker) AnchorRise(ctx context.Context) (protocol.CommandResult, error) {
	c, err := l.activeConn("AnchorRise")
	if err != nil {
		return protocol.CommandResult{}, err
	}
	return c.AnchorRise(ctx)
}

// AnchorDown forwards to the active connection.
func (l *Linker) AnchorDown(ctx context.Context, lat, lon float64) (protocol.CommandResult, error) {
	c, err := l.activeConn("AnchorDown")
	if err != nil {
		return protocol.CommandResult{}, err
	}
	return c.AnchorDown(ctx, lat, lon)
}

// SilenceAlarm forwards to the active connection.
func (l *Linker) SilenceAlarm(ctx context.Context, seconds float64) (protocol.CommandResult, error) {
	c, err := l.activeConn("SilenceAlarm")
	if err != nil {
		return protocol.CommandResult{}, err
	}
	return c.SilenceAlarm(ctx, seconds)
}

// ScanWifi forwards to the active connection.
func (l *Linker) ScanWifi(ctx context.Context, maxResults int, includeHidden bool) ([]protocol.WifiNetwork, error) {
	c, err := l.activeConn("ScanWifi")
	if err != nil {
		return nil, err
	}
	return c.ScanWifi(ctx, maxResults, includeHidden)
}

// RequestTrackSnapshot asks the active connection for its track and stores
// the newest points.
func (l *Linker) RequestTrackSnapshot(ctx context.Context, limit int) ([]protocol.TrackPoint, error) {
	c, err := l.activeConn("RequestTrackSnapshot")
	if err != nil {
		return nil, err
	}
	points, err := c.RequestTrackSnapshot(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(points) > 0 {
		l.mu.Lock()
		l.track = lastPoints(points, MaxTrackPoints)
		l.mu.Unlock()
	}
	return points, nil
}

// Probe checks a connection kind without touching the active one. An empty
// kind probes the active connection.
func (l *Linker) Probe(ctx context.Context, kind connection.Kind, base string) (protocol.ProbeResult, error) {
	conn := l.Active()
	if kind != "" && kind != conn.Kind() {
		conn = l.set.ForKind(kind)
	}
	if conn == nil {
		return protocol.ProbeResult{}, errors.WrapInvalid(errors.ErrNoConnection, "linker", "Probe", "resolve "+string(kind))
	}
	return conn.Probe(ctx, base), nil
}
