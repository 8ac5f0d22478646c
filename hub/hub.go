// Package hub is the relay's socket fan-out. Each boat gets one actor
// goroutine that owns the boat's socket set; registrations, routing and probe
// replies for that boat run on it one at a time. Actors start with the first
// socket of a boat and retire with the last.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/metric"
	"github.com/anqori/anchorwatch/protocol"
)

// Socket roles.
const (
	RoleApp    = "app"
	RoleDevice = "device"
)

// NormalizeRole maps anything but "device" to "app".
func NormalizeRole(role string) string {
	if role == RoleDevice {
		return RoleDevice
	}
	return RoleApp
}

// Peer is one registered socket.
type Peer interface {
	ID() string
	Role() string
	DeviceID() string
	// Send writes one frame. An error deregisters the peer.
	Send(data []byte) error
	Close() error
}

// Stats describes the sockets of one boat.
type Stats struct {
	Sockets int            `json:"sockets"`
	Roles   map[string]int `json:"roles"`
}

type eventKind int

const (
	eventRegister eventKind = iota
	eventUnregister
	eventFrame
	eventStats
)

type event struct {
	kind  eventKind
	peer  Peer
	data  []byte
	stats chan<- Stats
}

// Hub routes frames between the sockets of each boat.
type Hub struct {
	logger       *slog.Logger
	buildVersion string
	inboxSize    int
	registry     *metric.MetricsRegistry
	metrics      *hubMetrics

	mu     sync.Mutex
	boats  map[string]*boat
	peers  map[Peer]*boat
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithBuildVersion sets the version reported in probe replies.
func WithBuildVersion(v string) Option {
	return func(h *Hub) {
		if v != "" {
			h.buildVersion = v
		}
	}
}

// WithInboxSize sets the buffered event queue length of each boat actor.
func WithInboxSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.inboxSize = n
		}
	}
}

// WithMetrics registers hub metrics. Nil disables them.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(h *Hub) { h.registry = registry }
}

// New creates an empty hub.
func New(opts ...Option) (*Hub, error) {
	h := &Hub{
		logger:       slog.Default(),
		buildVersion: "run-unknown",
		inboxSize:    64,
		boats:        make(map[string]*boat),
		peers:        make(map[Peer]*boat),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	m, err := newHubMetrics(h.registry)
	if err != nil {
		return nil, errors.Wrap(err, "hub", "New", "register metrics")
	}
	h.metrics = m
	return h, nil
}

// BuildVersion is the version reported in probe replies.
func (h *Hub) BuildVersion() string { return h.buildVersion }

// acquire returns the boat actor with one more reference, starting it when
// create is set. It returns nil when the boat has no actor and create is not
// set, or when the hub is closed.
func (h *Hub) acquire(boatID string, create bool) *boat {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	b := h.boats[boatID]
	if b == nil {
		if !create {
			return nil
		}
		b = newBoat(h, boatID)
		h.boats[boatID] = b
		h.metrics.setBoats(len(h.boats))
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			b.run()
		}()
	}
	b.refs++
	return b
}

// release drops a reference; the last one retires the actor.
func (h *Hub) release(b *boat) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b.refs--
	if b.refs > 0 {
		return
	}
	delete(h.boats, b.id)
	h.metrics.setBoats(len(h.boats))
	close(b.inbox)
}

// Register adds p to boatID's sockets. Registering the same peer twice is a
// no-op.
func (h *Hub) Register(boatID string, p Peer) error {
	if boatID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "hub", "Register", "check boat id")
	}
	h.mu.Lock()
	_, exists := h.peers[p]
	h.mu.Unlock()
	if exists {
		return nil
	}

	b := h.acquire(boatID, true)
	if b == nil {
		return errors.WrapFatal(errors.ErrShuttingDown, "hub", "Register", "check hub")
	}
	h.mu.Lock()
	if _, exists := h.peers[p]; exists {
		h.mu.Unlock()
		h.release(b)
		return nil
	}
	h.peers[p] = b
	h.mu.Unlock()

	b.inbox <- event{kind: eventRegister, peer: p}
	h.logger.Debug("socket registered", "boat_id", boatID, "socket_id", p.ID(), "role", p.Role())
	return nil
}

// Unregister removes p. Unknown peers are ignored.
func (h *Hub) Unregister(p Peer) {
	h.mu.Lock()
	b, ok := h.peers[p]
	delete(h.peers, p)
	h.mu.Unlock()
	if !ok {
		return
	}
	b.inbox <- event{kind: eventUnregister, peer: p}
	h.release(b)
}

// Deliver routes one inbound frame from a registered peer. Frames from
// unregistered peers are dropped.
func (h *Hub) Deliver(from Peer, data []byte) {
	h.mu.Lock()
	b, ok := h.peers[from]
	if ok {
		b.refs++
	}
	h.mu.Unlock()
	if !ok {
		h.metrics.recordFrame("unregistered")
		return
	}
	b.inbox <- event{kind: eventFrame, peer: from, data: data}
	h.release(b)
}

// Stats reports the sockets of boatID as seen by its actor.
func (h *Hub) Stats(ctx context.Context, boatID string) (Stats, error) {
	b := h.acquire(boatID, false)
	if b == nil {
		return Stats{Roles: map[string]int{}}, nil
	}
	reply := make(chan Stats, 1)
	b.inbox <- event{kind: eventStats, stats: reply}
	h.release(b)

	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Boats is the number of boats with live actors.
func (h *Hub) Boats() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boats)
}

// Shutdown closes every socket and waits for the actors to retire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	peers := make([]Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
		h.Unregister(p)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "hub", "Shutdown", "wait for actors")
	}
}

// boat is the actor of one boat. Only run touches peers.
type boat struct {
	id    string
	hub   *Hub
	inbox chan event
	refs  int // guarded by hub.mu
	peers map[Peer]struct{}
}

func newBoat(h *Hub, id string) *boat {
	return &boat{
		id:    id,
		hub:   h,
		inbox: make(chan event, h.inboxSize),
		peers: make(map[Peer]struct{}),
	}
}

func (b *boat) run() {
	for ev := range b.inbox {
		switch ev.kind {
		case eventRegister:
			b.peers[ev.peer] = struct{}{}
			b.hub.metrics.socketOpened(ev.peer.Role())
		case eventUnregister:
			b.drop(ev.peer)
		case eventFrame:
			if _, ok := b.peers[ev.peer]; ok {
				b.route(ev.peer, ev.data)
			}
		case eventStats:
			ev.stats <- b.stats()
		}
	}
}

func (b *boat) drop(p Peer) {
	if _, ok := b.peers[p]; !ok {
		return
	}
	delete(b.peers, p)
	b.hub.metrics.socketClosed(p.Role())
}

func (b *boat) stats() Stats {
	s := Stats{Sockets: len(b.peers), Roles: map[string]int{RoleApp: 0, RoleDevice: 0}}
	for p := range b.peers {
		s.Roles[p.Role()]++
	}
	return s
}

func (b *boat) route(from Peer, data []byte) {
	env, ok := protocol.Decode(data)
	if !ok {
		b.hub.metrics.recordFrame("undecodable")
		return
	}
	if protocol.IsRelayControl(env.MsgType) {
		b.control(from, env)
		return
	}

	b.hub.metrics.recordFrame("broadcast")
	for p := range b.peers {
		if p == from {
			continue
		}
		if err := p.Send(data); err != nil {
			b.hub.logger.Debug("peer send failed", "boat_id", b.id, "socket_id", p.ID(), "error", err)
			b.hub.metrics.recordSendFailure()
			b.drop(p)
			_ = p.Close()
			continue
		}
		b.hub.metrics.recordDelivery()
	}
}

func (b *boat) control(from Peer, env protocol.Envelope) {
	var reply protocol.Envelope
	if env.MsgType == protocol.TypeRelayProbe {
		b.hub.metrics.recordFrame("probe")
		s := b.stats()
		reply = b.reply(protocol.TypeRelayProbeResult, protocol.Map{
			"ok":             true,
			"inReplyToMsgId": env.MsgID,
			"resultText":     "relay ok",
			"buildVersion":   b.hub.buildVersion,
			"sockets":        s.Sockets,
			"roles":          protocol.Map{RoleApp: s.Roles[RoleApp], RoleDevice: s.Roles[RoleDevice]},
		})
	} else {
		b.hub.metrics.recordFrame("unsupported")
		reply = b.reply(protocol.TypeRelayError, protocol.Map{
			"code":           "UNSUPPORTED",
			"detail":         "unsupported relay message: " + env.MsgType,
			"inReplyToMsgId": env.MsgID,
		})
	}

	raw, err := protocol.Encode(reply)
	if err != nil {
		b.hub.logger.Error("encode relay reply", "boat_id", b.id, "error", err)
		return
	}
	if err := from.Send(raw); err != nil {
		b.hub.metrics.recordSendFailure()
		b.drop(from)
		_ = from.Close()
	}
}

func (b *boat) reply(msgType string, payload protocol.Map) protocol.Envelope {
	return protocol.Build(protocol.Input{
		MsgType:     msgType,
		BoatID:      b.id,
		DeviceID:    "relay",
		RequiresAck: protocol.Ack(false),
		Payload:     payload,
	})
}
