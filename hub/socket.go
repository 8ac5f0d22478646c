package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultReadWait     = 60 * time.Second
)

// SocketConfig tunes websocket peers. Zero values take the defaults.
type SocketConfig struct {
	WriteWait    time.Duration
	PingInterval time.Duration
	ReadWait     time.Duration
	// FrameRate limits inbound frames per socket. Zero disables the limit.
	FrameRate  rate.Limit
	FrameBurst int
}

func (c SocketConfig) withDefaults() SocketConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadWait <= 0 {
		c.ReadWait = defaultReadWait
	}
	if c.FrameRate > 0 && c.FrameBurst < 1 {
		c.FrameBurst = max(1, int(c.FrameRate))
	}
	return c
}

// Socket is a Peer backed by a websocket connection.
type Socket struct {
	id       string
	role     string
	deviceID string
	conn     *websocket.Conn
	cfg      SocketConfig
	limiter  *rate.Limiter

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ Peer = (*Socket)(nil)

// NewSocket wraps an upgraded connection.
func NewSocket(conn *websocket.Conn, role, deviceID string, cfg SocketConfig) *Socket {
	cfg = cfg.withDefaults()
	s := &Socket{
		id:       uuid.NewString(),
		role:     NormalizeRole(role),
		deviceID: deviceID,
		conn:     conn,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
	if cfg.FrameRate > 0 {
		s.limiter = rate.NewLimiter(cfg.FrameRate, cfg.FrameBurst)
	}
	return s
}

func (s *Socket) ID() string       { return s.id }
func (s *Socket) Role() string     { return s.role }
func (s *Socket) DeviceID() string { return s.deviceID }

// Send writes one text frame.
func (s *Socket) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Socket) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait))
}

// Close closes the connection. Safe to call more than once.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// Serve registers s for boatID and routes its frames until the socket fails,
// ctx ends or the hub closes it. It always unregisters and closes s.
func (h *Hub) Serve(ctx context.Context, boatID string, s *Socket) error {
	if err := h.Register(boatID, s); err != nil {
		_ = s.Close()
		return err
	}
	defer func() {
		h.Unregister(s)
		_ = s.Close()
	}()

	go s.keepalive(ctx)

	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("socket read failed", "boat_id", boatID, "socket_id", s.id, "error", err)
			}
			return nil
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadWait))
		if mt != websocket.TextMessage {
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			h.metrics.recordFrame("rate_limited")
			continue
		}
		h.Deliver(s, data)
	}
}

func (s *Socket) keepalive(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}
