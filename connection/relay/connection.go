// Package relay implements the cloud relay link: a websocket pipe through the
// relay hub to the boat device, with automatic reconnect.
package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anqori/anchorwatch/ack"
	"github.com/anqori/anchorwatch/connection"
	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/pkg/retry"
	"github.com/anqori/anchorwatch/protocol"
)

const (
	// DefaultReconnectDelay spaces reconnect attempts while the link is wanted.
	DefaultReconnectDelay = 1500 * time.Millisecond
	// DefaultProbeTimeout bounds a probe round trip.
	DefaultProbeTimeout = 3500 * time.Millisecond

	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20

	reasonDisconnected = "Relay disconnected"
	reasonNotOpen      = "Relay WebSocket not connected"
	reasonNoCreds      = "Cloud relay credentials missing (relay URL + boatId + boatSecret)"
)

var errNotWanted = errors.New("relay link no longer wanted")

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

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Connection) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithHTTPClient sets the client used for /health requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connection) {
		if client != nil {
			c.httpClient = client
		}
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

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

type attempt struct {
	done chan struct{}
	err  error
}

type reconnector struct {
	cancel context.CancelFunc
}

// Connection is the relay link. Safe for concurrent use.
type Connection struct {
	credentials CredentialsFunc
	logger      *slog.Logger
	dialer      *websocket.Dialer
	httpClient  *http.Client

	ackTimeout      time.Duration
	snapshotTimeout time.Duration
	trackTimeout    time.Duration
	reconnectDelay  time.Duration
	probeTimeout    time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	wanted    bool
	seq       uint64
	inflight  *attempt
	reconnect *reconnector

	writeMu sync.Mutex

	acks      *ack.Correlator
	snapshots ack.Waiters[protocol.Map]
	tracks    ack.Waiters[[]protocol.TrackPoint]

	events connection.Observers[connection.Event]
	status connection.Observers[connection.Status]
}

var _ connection.Connection = (*Connection)(nil)

// New creates a disconnected relay link. A nil credentials func behaves as
// missing credentials.
func New(credentials CredentialsFunc, opts ...Option) *Connection {
	if credentials == nil {
		credentials = Static(Credentials{})
	}
	c := &Connection{
		credentials:     credentials,
		logger:          slog.Default(),
		dialer:          &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		ackTimeout:      ack.DefaultTimeout,
		snapshotTimeout: ack.SnapshotTimeout,
		trackTimeout:    ack.TrackTimeout,
		reconnectDelay:  DefaultReconnectDelay,
		probeTimeout:    DefaultProbeTimeout,
		seq:             1,
		acks:            ack.NewCorrelator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "relay")
	return c
}

// Kind implements connection.Connection.
func (c *Connection) Kind() connection.Kind { return connection.KindRelay }

// BoatID returns the boat id of the current credentials.
func (c *Connection) BoatID() string { return c.credentials().BoatID }

// Connected reports whether the pipe socket is open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect opens the pipe. Missing credentials leave the link disconnected
// without error. Concurrent calls share one attempt. A failed attempt
// schedules a reconnect and returns a transient error.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.wanted = true
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Connection) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if a := c.inflight; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	creds := c.credentials()
	if !creds.Complete() {
		c.mu.Unlock()
		c.setConnected(false)
		return nil
	}
	a := &attempt{done: make(chan struct{})}
	c.inflight = a
	c.mu.Unlock()

	conn, err := c.dial(ctx, creds)

	c.mu.Lock()
	c.inflight = nil
	if err == nil && !c.wanted {
		err = errNotWanted
		_ = conn.Close()
	}
	if err == nil {
		c.conn = conn
		c.connected = true
	}
	c.mu.Unlock()

	if err != nil {
		a.err = errors.WrapTransient(err, "relay", "Connect", "open pipe")
		close(a.done)
		c.setConnected(false)
		c.scheduleReconnect()
		return a.err
	}

	c.stopReconnect()
	c.logger.Info("relay pipe open", "boat_id", creds.BoatID)
	c.emitStatus()
	go c.readLoop(conn)
	close(a.done)
	return nil
}

func (c *Connection) dial(ctx context.Context, creds Credentials) (*websocket.Conn, error) {
	pipe, err := PipeURL(creds.BaseURL, creds.BoatID, creds.BoatSecret, creds.DeviceID, RoleApp)
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, pipe, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// Disconnect closes the pipe, stops reconnecting and fails everything
// pending with "Relay disconnected".
func (c *Connection) Disconnect(_ context.Context) error {
	c.mu.Lock()
	c.wanted = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.stopReconnect()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.failPending(reasonDisconnected)
	c.setConnected(false)
	return nil
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.socketClosed(conn, err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.handleMessage(data)
	}
}

// socketClosed handles a pipe that went away without Disconnect.
func (c *Connection) socketClosed(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("relay pipe closed", "error", cause)
	c.failPending(reasonDisconnected)
	c.setConnected(false)
	c.scheduleReconnect()
}

// scheduleReconnect starts the reconnect loop unless one is running or the
// link is not wanted.
func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	if !c.wanted || c.reconnect != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &reconnector{cancel: cancel}
	c.reconnect = r
	c.mu.Unlock()

	go c.reconnectLoop(ctx, r)
}

func (c *Connection) reconnectLoop(ctx context.Context, r *reconnector) {
	defer func() {
		c.mu.Lock()
		if c.reconnect == r {
			c.reconnect = nil
		}
		c.mu.Unlock()
		r.cancel()
	}()

	timer := time.NewTimer(c.reconnectDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	err := retry.Do(ctx, retry.Fixed(c.reconnectDelay), func() error {
		c.mu.Lock()
		wanted := c.wanted
		c.mu.Unlock()
		if !wanted {
			return retry.NonRetryable(errNotWanted)
		}
		err := c.connect(ctx)
		if err != nil {
			c.logger.Debug("relay reconnect failed", "error", err)
		}
		return err
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Debug("relay reconnect stopped", "error", err)
	}
}

func (c *Connection) stopReconnect() {
	c.mu.Lock()
	r := c.reconnect
	c.reconnect = nil
	c.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

func (c *Connection) failPending(reason string) {
	c.acks.FailAll(reason)
	c.snapshots.FailAll(reason)
	c.tracks.FailAll(reason)
}

func (c *Connection) setConnected(v bool) {
	c.mu.Lock()
	if c.connected == v {
		c.mu.Unlock()
		return
	}
	c.connected = v
	c.mu.Unlock()
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
	return connection.Status{Connected: c.Connected()}
}

func (c *Connection) emitStatus() {
	c.status.Emit(c.currentStatus())
}

func (c *Connection) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	conn = c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, &connection.NotConnectedError{Reason: reasonNotOpen}
	}
	return conn, nil
}

// SendEnvelope writes one envelope to the pipe. With requiresAck it waits for
// the matching command.ack.
func (c *Connection) SendEnvelope(ctx context.Context, msgType string, payload protocol.Map, requiresAck bool) (protocol.Map, error) {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	creds := c.credentials()
	if !creds.Complete() {
		return nil, errors.WrapInvalid(errors.New(reasonNoCreds), "relay", "SendEnvelope", "read credentials")
	}

	c.mu.Lock()
	seq := c.seq
	c.seq++
	c.mu.Unlock()

	env := protocol.Build(protocol.Input{
		MsgType:     msgType,
		BoatID:      creds.BoatID,
		DeviceID:    creds.DeviceID,
		Seq:         seq,
		RequiresAck: protocol.Ack(requiresAck),
		Payload:     payload,
	})

	var pending *ack.Pending
	if requiresAck {
		pending = c.acks.Await(env.MsgID, c.ackTimeout)
	}
	if err := c.write(conn, env); err != nil {
		if pending != nil {
			c.acks.Forget(env.MsgID)
		}
		return nil, errors.WrapTransient(err, "relay", "SendEnvelope", "write pipe")
	}
	c.logger.Debug("sent", "msg_type", msgType, "msg_id", env.MsgID)

	if pending == nil {
		return nil, nil
	}
	return pending.Wait(ctx)
}

func (c *Connection) write(conn *websocket.Conn, env protocol.Envelope) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Connection) handleMessage(data []byte) {
	env, ok := protocol.Decode(data)
	if !ok {
		c.logger.Debug("dropped undecodable message", "bytes", len(data))
		return
	}
	if env.MsgType == protocol.TypeCommandAck {
		c.acks.Resolve(env.Payload)
		return
	}

	ev, ok := connection.FromEnvelope(env, connection.SourceRelay)
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

// RequestStateSnapshot asks the device for status.snapshot through the pipe.
// Nil without error means nothing arrived within the snapshot deadline.
func (c *Connection) RequestStateSnapshot(ctx context.Context) (protocol.Map, error) {
	if _, err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	waiter := c.snapshots.Add(c.snapshotTimeout)
	if err := c.commander().RequestStateSnapshotMessage(ctx); err != nil {
		waiter.Cancel(err)
		return nil, err
	}
	return waiter.Wait(ctx)
}

// RequestTrackSnapshot asks the device for at least one recent track point.
func (c *Connection) RequestTrackSnapshot(ctx context.Context, limit int) ([]protocol.TrackPoint, error) {
	if _, err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	waiter := c.tracks.Add(c.trackTimeout)
	if err := c.commander().RequestTrackSnapshotMessage(ctx, limit); err != nil {
		waiter.Cancel(err)
		return nil, err
	}
	return waiter.Wait(ctx)
}

// FetchBuildVersion reads buildVersion from the relay's /health endpoint. An
// unhealthy relay or a body without the field yields "".
func (c *Connection) FetchBuildVersion(ctx context.Context) (string, error) {
	return FetchBuildVersion(ctx, c.httpClient, c.credentials().BaseURL)
}

// FetchBuildVersion reads buildVersion from <base>/health.
func FetchBuildVersion(ctx context.Context, client *http.Client, base string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", errors.WrapInvalid(errors.ErrMissingConfig, "relay", "FetchBuildVersion", "read relay base URL")
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(base), nil)
	if err != nil {
		return "", errors.WrapInvalid(err, "relay", "FetchBuildVersion", "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.WrapTransient(err, "relay", "FetchBuildVersion", "request health")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", errors.WrapTransient(err, "relay", "FetchBuildVersion", "read health body")
	}
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		return "", nil
	}
	return protocol.TrimmedString(health, "buildVersion"), nil
}
