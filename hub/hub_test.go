package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/metric"
	"github.com/anqori/anchorwatch/protocol"
)

type fakePeer struct {
	id   string
	role string

	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	closed  bool
}

func newPeer(id, role string) *fakePeer { return &fakePeer{id: id, role: role} }

func (p *fakePeer) ID() string       { return p.id }
func (p *fakePeer) Role() string     { return p.role }
func (p *fakePeer) DeviceID() string { return p.id + "-device" }

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.frames = append(p.frames, append([]byte(nil), data...))
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func envelope(t *testing.T, msgType string) []byte {
	t.Helper()
	raw, err := protocol.Encode(protocol.Build(protocol.Input{
		MsgType: msgType,
		BoatID:  "B",
		Payload: protocol.Map{"statePatch": protocol.Map{"anchor.state": "down"}},
	}))
	require.NoError(t, err)
	return raw
}

// settle waits until the boat actor has processed everything queued so far.
func settle(t *testing.T, h *Hub, boatID string) Stats {
	t.Helper()
	s, err := h.Stats(context.Background(), boatID)
	require.NoError(t, err)
	return s
}

func newHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h
}

func TestNormalizeRole(t *testing.T) {
	assert.Equal(t, RoleDevice, NormalizeRole("device"))
	assert.Equal(t, RoleApp, NormalizeRole("app"))
	assert.Equal(t, RoleApp, NormalizeRole(""))
	assert.Equal(t, RoleApp, NormalizeRole("admin"))
}

func TestHub_FanOutToOthersOnly(t *testing.T) {
	h := newHub(t)
	app, device := newPeer("a", RoleApp), newPeer("d", RoleDevice)
	other := newPeer("x", RoleDevice)
	require.NoError(t, h.Register("B", app))
	require.NoError(t, h.Register("B", device))
	require.NoError(t, h.Register("C", other))

	frame := envelope(t, protocol.TypeStatusPatch)
	h.Deliver(app, frame)
	settle(t, h, "B")

	require.Len(t, device.received(), 1)
	assert.Equal(t, frame, device.received()[0])
	assert.Empty(t, app.received())
	assert.Empty(t, other.received())
}

func TestHub_DropsUndecodableFrames(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	h := newHub(t, WithMetrics(registry))
	app, device := newPeer("a", RoleApp), newPeer("d", RoleDevice)
	require.NoError(t, h.Register("B", app))
	require.NoError(t, h.Register("B", device))

	h.Deliver(app, []byte("not json"))
	h.Deliver(app, []byte(`{"payload":{}}`))
	settle(t, h, "B")

	assert.Empty(t, device.received())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.frames.WithLabelValues("undecodable")))
}

func TestHub_ProbeReply(t *testing.T) {
	h := newHub(t, WithBuildVersion("run-42"))
	app, device := newPeer("a", RoleApp), newPeer("d", RoleDevice)
	require.NoError(t, h.Register("B", app))
	require.NoError(t, h.Register("B", device))

	probe := protocol.Build(protocol.Input{MsgType: protocol.TypeRelayProbe, BoatID: "B"})
	raw, err := protocol.Encode(probe)
	require.NoError(t, err)
	h.Deliver(app, raw)
	settle(t, h, "B")

	assert.Empty(t, device.received())
	require.Len(t, app.received(), 1)
	reply, ok := protocol.Decode(app.received()[0])
	require.True(t, ok)
	assert.Equal(t, protocol.TypeRelayProbeResult, reply.MsgType)
	assert.Equal(t, true, reply.Payload["ok"])
	assert.Equal(t, probe.MsgID, reply.Payload["inReplyToMsgId"])
	assert.Equal(t, "relay ok", reply.Payload["resultText"])
	assert.Equal(t, "run-42", reply.Payload["buildVersion"])
	assert.Equal(t, 2.0, reply.Payload["sockets"])
	assert.Equal(t, map[string]any{"app": 1.0, "device": 1.0}, reply.Payload["roles"])
}

func TestHub_UnsupportedRelayMessage(t *testing.T) {
	h := newHub(t)
	app := newPeer("a", RoleApp)
	require.NoError(t, h.Register("B", app))

	h.Deliver(app, envelope(t, "relay.reset"))
	settle(t, h, "B")

	require.Len(t, app.received(), 1)
	reply, ok := protocol.Decode(app.received()[0])
	require.True(t, ok)
	assert.Equal(t, protocol.TypeRelayError, reply.MsgType)
	assert.Equal(t, "UNSUPPORTED", reply.Payload["code"])
	assert.NotEmpty(t, reply.Payload["inReplyToMsgId"])
}

func TestHub_FailedPeerIsDropped(t *testing.T) {
	h := newHub(t)
	app, broken, device := newPeer("a", RoleApp), newPeer("b", RoleDevice), newPeer("d", RoleDevice)
	broken.sendErr = fmt.Errorf("write: broken pipe")
	for _, p := range []*fakePeer{app, broken, device} {
		require.NoError(t, h.Register("B", p))
	}

	h.Deliver(app, envelope(t, protocol.TypeStatusPatch))
	s := settle(t, h, "B")

	assert.True(t, broken.isClosed())
	assert.Len(t, device.received(), 1)
	assert.Equal(t, 2, s.Sockets)

	h.Deliver(app, envelope(t, protocol.TypeStatusPatch))
	settle(t, h, "B")
	assert.Len(t, device.received(), 2)
}

func TestHub_NoBufferingForLatePeers(t *testing.T) {
	h := newHub(t)
	app := newPeer("a", RoleApp)
	require.NoError(t, h.Register("B", app))
	h.Deliver(app, envelope(t, protocol.TypeStatusPatch))
	settle(t, h, "B")

	late := newPeer("late", RoleDevice)
	require.NoError(t, h.Register("B", late))
	settle(t, h, "B")
	assert.Empty(t, late.received())
}

func TestHub_ActorRetiresWithLastSocket(t *testing.T) {
	h := newHub(t)
	a, b := newPeer("a", RoleApp), newPeer("b", RoleApp)
	require.NoError(t, h.Register("B", a))
	require.NoError(t, h.Register("B", a))
	require.NoError(t, h.Register("B", b))
	assert.Equal(t, 2, settle(t, h, "B").Sockets)
	assert.Equal(t, 1, h.Boats())

	h.Unregister(a)
	h.Unregister(a)
	assert.Equal(t, 1, h.Boats())
	h.Unregister(b)
	assert.Equal(t, 0, h.Boats())
	assert.Equal(t, 0, settle(t, h, "B").Sockets)

	// a frame from an unregistered peer goes nowhere
	h.Deliver(a, envelope(t, protocol.TypeStatusPatch))
	assert.Equal(t, 0, h.Boats())

	require.NoError(t, h.Register("B", a))
	assert.Equal(t, 1, settle(t, h, "B").Sockets)
}

func TestHub_RegisterValidation(t *testing.T) {
	h := newHub(t)
	err := h.Register("", newPeer("a", RoleApp))
	assert.True(t, errors.IsInvalid(err))

	require.NoError(t, h.Shutdown(context.Background()))
	err = h.Register("B", newPeer("a", RoleApp))
	assert.True(t, errors.Is(err, errors.ErrShuttingDown))
}

func TestHub_ConcurrentBoats(t *testing.T) {
	h := newHub(t)
	var wg sync.WaitGroup
	peers := make([][2]*fakePeer, 20)
	for i := range peers {
		peers[i] = [2]*fakePeer{newPeer(fmt.Sprintf("a%d", i), RoleApp), newPeer(fmt.Sprintf("d%d", i), RoleDevice)}
		boatID := fmt.Sprintf("boat-%d", i)
		require.NoError(t, h.Register(boatID, peers[i][0]))
		require.NoError(t, h.Register(boatID, peers[i][1]))
	}
	frame := envelope(t, protocol.TypeStatusPatch)
	for i := range peers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 10; n++ {
				h.Deliver(peers[i][0], frame)
			}
		}(i)
	}
	wg.Wait()
	for i := range peers {
		settle(t, h, fmt.Sprintf("boat-%d", i))
		assert.Len(t, peers[i][1].received(), 10)
	}
}

func TestHub_Shutdown(t *testing.T) {
	h := newHub(t)
	a := newPeer("a", RoleApp)
	require.NoError(t, h.Register("B", a))
	require.NoError(t, h.Shutdown(context.Background()))
	assert.True(t, a.isClosed())
	assert.Equal(t, 0, h.Boats())
}

func TestHub_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	h := newHub(t, WithMetrics(registry))
	app, device := newPeer("a", RoleApp), newPeer("d", RoleDevice)
	require.NoError(t, h.Register("B", app))
	require.NoError(t, h.Register("B", device))
	h.Deliver(app, envelope(t, protocol.TypeStatusPatch))
	settle(t, h, "B")

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.boats))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.sockets.WithLabelValues(RoleDevice)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.frames.WithLabelValues("broadcast")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.deliveries))
}

// pipeServer upgrades every request and serves it on h under the boatId
// and role query parameters.
func pipeServer(t *testing.T, h *Hub, cfg SocketConfig) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		q := r.URL.Query()
		_ = h.Serve(r.Context(), q.Get("boatId"), NewSocket(conn, q.Get("role"), q.Get("deviceId"), cfg))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/pipe?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSocket_AppToDeviceOverWebsocket(t *testing.T) {
	h := newHub(t)
	srv := pipeServer(t, h, SocketConfig{})
	app := dial(t, srv, "boatId=B&role=app")
	device := dial(t, srv, "boatId=B&role=device")

	require.Eventually(t, func() bool {
		s, err := h.Stats(context.Background(), "B")
		return err == nil && s.Sockets == 2
	}, 2*time.Second, 10*time.Millisecond)

	frame := envelope(t, protocol.TypeStatusPatch)
	require.NoError(t, app.WriteMessage(websocket.TextMessage, frame))

	_ = device.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, got, err := device.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, frame, got)

	// nothing comes back to the sender
	_ = app.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = app.ReadMessage()
	assert.Error(t, err)
}

func TestSocket_CloseUnregisters(t *testing.T) {
	h := newHub(t)
	srv := pipeServer(t, h, SocketConfig{})
	app := dial(t, srv, "boatId=B&role=app")

	require.Eventually(t, func() bool { return h.Boats() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, app.Close())
	require.Eventually(t, func() bool { return h.Boats() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSocket_RateLimit(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	h := newHub(t, WithMetrics(registry))
	srv := pipeServer(t, h, SocketConfig{FrameRate: 1, FrameBurst: 2})
	app := dial(t, srv, "boatId=B&role=app")
	require.Eventually(t, func() bool { return h.Boats() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, app.WriteMessage(websocket.TextMessage, envelope(t, protocol.TypeStatusPatch)))
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.frames.WithLabelValues("rate_limited")) >= 3
	}, 2*time.Second, 10*time.Millisecond)
}
