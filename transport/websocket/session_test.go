package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wricardo/polaris-gateway/gateway/envelope"
	"github.com/wricardo/polaris-gateway/gateway/ledger"
)

// fakePlatform accepts gateway connections and hands them to the test.
type fakePlatform struct {
	server  *httptest.Server
	conns   chan *websocket.Conn
	queries chan url.Values
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	fp := &fakePlatform{
		conns:   make(chan *websocket.Conn, 8),
		queries: make(chan url.Values, 8),
	}
	upgrader := websocket.Upgrader{}
	fp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fp.queries <- r.URL.Query()
		fp.conns <- conn
	}))
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakePlatform) url() string {
	return "ws" + strings.TrimPrefix(fp.server.URL, "http") + "/ws"
}

func (fp *fakePlatform) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fp.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("gateway did not connect")
		return nil
	}
}

// readEnvelope reads the next frame the gateway sent, skipping heartbeats
// unless wantPing is set.
func readEnvelope(t *testing.T, conn *websocket.Conn, wantPing bool) map[string]interface{} {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var env map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &env))
		if env["type"] == "ping" && !wantPing {
			continue
		}
		return env
	}
}

type testHarness struct {
	mgr    *Manager
	ledger *ledger.Ledger
	b      *envelope.Builder
	cancel context.CancelFunc
	done   chan error
}

func startManager(t *testing.T, serverURL string, tweak func(*Options)) *testHarness {
	t.Helper()
	b := envelope.NewBuilder(envelope.DefaultIdentity("rest"))
	opts := Options{
		URL:               serverURL,
		Platform:          "rest",
		Builder:           b,
		BotConfig:         json.RawMessage(`{"name":"test"}`),
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    50 * time.Millisecond,
		ReadyTimeout:      2 * time.Second,
		Logger:            zerolog.Nop(),
	}
	if tweak != nil {
		tweak(&opts)
	}

	l := ledger.New()
	h := &testHarness{
		mgr:    NewManager(opts, l),
		ledger: l,
		b:      b,
		done:   make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.mgr.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Error("manager did not stop")
		}
	})
	return h
}

func TestConnectSendsInitWithPlatformQuery(t *testing.T) {
	fp := newFakePlatform(t)
	h := startManager(t, fp.url(), nil)

	conn := fp.accept(t)
	query := <-fp.queries
	assert.Equal(t, "rest", query.Get("platform"))

	init := readEnvelope(t, conn, false)
	assert.Equal(t, "init", init["type"])
	assert.Equal(t, "rest", init["platform"])
	assert.Equal(t, "restful", init["bot"])
	assert.Equal(t, map[string]interface{}{"name": "test"}, init["config"])

	require.NoError(t, h.mgr.AwaitReady(context.Background()))
	assert.Equal(t, StateOpen, h.mgr.State())

	status := h.mgr.Status()
	assert.Equal(t, "open", status.State)
	assert.NotEmpty(t, status.SessionID)
	assert.NotNil(t, status.ConnectedAt)
}

func TestRequestsResolveInSendOrder(t *testing.T) {
	fp := newFakePlatform(t)
	h := startManager(t, fp.url(), nil)
	conn := fp.accept(t)
	readEnvelope(t, conn, false) // init
	require.NoError(t, h.mgr.AwaitReady(context.Background()))

	ctx := context.Background()
	first, err := h.mgr.Request(ctx, h.b.Message("1", "first", "", nil))
	require.NoError(t, err)
	second, err := h.mgr.Request(ctx, h.b.Message("1", "second", "", nil))
	require.NoError(t, err)
	assert.Equal(t, 2, h.ledger.Len())

	for _, want := range []string{"first", "second"} {
		env := readEnvelope(t, conn, false)
		require.Equal(t, "message", env["type"])
		msg := env["message"].(map[string]interface{})
		assert.Equal(t, want, msg["content"])
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"reply":1}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"reply":2}`)))

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	payload, err := first.Wait(waitCtx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":1}`, string(payload))

	payload, err = second.Wait(waitCtx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":2}`, string(payload))
}

func TestSendDoesNotEnqueue(t *testing.T) {
	fp := newFakePlatform(t)
	h := startManager(t, fp.url(), nil)
	conn := fp.accept(t)
	readEnvelope(t, conn, false)
	require.NoError(t, h.mgr.AwaitReady(context.Background()))

	require.NoError(t, h.mgr.Send(context.Background(), h.b.Broadcast("42", "hi", "", nil, "")))
	assert.Equal(t, 0, h.ledger.Len())

	env := readEnvelope(t, conn, false)
	assert.Equal(t, "broadcast", env["type"])
	assert.Equal(t, "all", env["target"])
}

func TestConnectionLossDrainsThenReconnects(t *testing.T) {
	fp := newFakePlatform(t)
	h := startManager(t, fp.url(), func(o *Options) {
		o.ReconnectDelay = 300 * time.Millisecond
	})
	conn := fp.accept(t)
	readEnvelope(t, conn, false)
	require.NoError(t, h.mgr.AwaitReady(context.Background()))
	firstSession := h.mgr.Status().SessionID

	ctx := context.Background()
	a, err := h.mgr.Request(ctx, h.b.Message("1", "a", "", nil))
	require.NoError(t, err)
	b, err := h.mgr.Request(ctx, h.b.Message("1", "b", "", nil))
	require.NoError(t, err)
	readEnvelope(t, conn, false)
	readEnvelope(t, conn, false)

	conn.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = a.Wait(waitCtx)
	assert.ErrorIs(t, err, ledger.ErrConnectionLost)
	_, err = b.Wait(waitCtx)
	assert.ErrorIs(t, err, ledger.ErrConnectionLost)

	// Both were rejected before the reconnect delay elapsed.
	assert.Len(t, fp.conns, 0)
	assert.Equal(t, StateDisconnected, h.mgr.State())

	_, err = h.mgr.Request(ctx, h.b.Message("1", "c", "", nil))
	assert.ErrorIs(t, err, ErrSessionUnavailable)

	conn2 := fp.accept(t)
	init := readEnvelope(t, conn2, false)
	assert.Equal(t, "init", init["type"])

	require.NoError(t, h.mgr.AwaitReady(ctx))
	status := h.mgr.Status()
	assert.Equal(t, 1, status.Reconnects)
	assert.NotEqual(t, firstSession, status.SessionID)
}

func TestAwaitReadyTimesOutWhenPlatformDown(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := "ws" + strings.TrimPrefix(down.URL, "http")
	down.Close()

	h := startManager(t, downURL, func(o *Options) {
		o.ReadyTimeout = 150 * time.Millisecond
	})

	start := time.Now()
	err := h.mgr.AwaitReady(context.Background())
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	err = h.mgr.Send(context.Background(), h.b.Ping())
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	assert.Equal(t, 0, h.ledger.Len())
}

func TestAwaitReadyHonoursContext(t *testing.T) {
	mgr := NewManager(Options{URL: "ws://127.0.0.1:1", Logger: zerolog.Nop()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, mgr.AwaitReady(ctx), context.Canceled)
}

func TestHeartbeatSendsPing(t *testing.T) {
	fp := newFakePlatform(t)
	h := startManager(t, fp.url(), func(o *Options) {
		o.HeartbeatInterval = 30 * time.Millisecond
	})
	conn := fp.accept(t)
	readEnvelope(t, conn, false)

	ping := readEnvelope(t, conn, true)
	assert.Equal(t, "ping", ping["type"])
	assert.Equal(t, "restful", ping["bot"])

	// Keep reading so control pings are answered.
	go drain(conn)

	require.Eventually(t, func() bool {
		return h.mgr.Status().LastHeartbeat != nil
	}, 2*time.Second, 10*time.Millisecond)
}

// drain reads until the connection fails. Reading is what makes gorilla
// answer control pings with pongs.
func drain(conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSilentPlatformIsDetected(t *testing.T) {
	fp := newFakePlatform(t)
	h := startManager(t, fp.url(), func(o *Options) {
		o.HeartbeatInterval = 20 * time.Millisecond
		o.ReconnectDelay = time.Second
	})
	conn := fp.accept(t)
	readEnvelope(t, conn, false)
	require.NoError(t, h.mgr.AwaitReady(context.Background()))

	p, err := h.mgr.Request(context.Background(), h.b.Message("1", "hello", "", nil))
	require.NoError(t, err)

	// The platform keeps the socket open but never reads, replies or pongs.
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = p.Wait(waitCtx)
	assert.ErrorIs(t, err, ledger.ErrConnectionLost)
	assert.Equal(t, StateDisconnected, h.mgr.State())
	assert.Equal(t, 0, h.ledger.Len())
}

func TestRespondingPlatformStaysOpen(t *testing.T) {
	fp := newFakePlatform(t)
	h := startManager(t, fp.url(), func(o *Options) {
		o.HeartbeatInterval = 50 * time.Millisecond
	})
	conn := fp.accept(t)
	readEnvelope(t, conn, false)
	require.NoError(t, h.mgr.AwaitReady(context.Background()))
	sessionID := h.mgr.Status().SessionID

	go drain(conn)

	// Several read deadlines pass; pongs keep pushing them out.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateOpen, h.mgr.State())
	assert.Equal(t, sessionID, h.mgr.Status().SessionID)
	assert.Len(t, fp.conns, 0)
}

func TestStatusReportsOldestPending(t *testing.T) {
	fp := newFakePlatform(t)
	h := startManager(t, fp.url(), nil)
	conn := fp.accept(t)
	readEnvelope(t, conn, false)
	require.NoError(t, h.mgr.AwaitReady(context.Background()))

	assert.Nil(t, h.mgr.Status().OldestPending)

	before := time.Now()
	_, err := h.mgr.Request(context.Background(), h.b.Message("1", "x", "", nil))
	require.NoError(t, err)

	status := h.mgr.Status()
	assert.Equal(t, 1, status.Pending)
	require.NotNil(t, status.OldestPending)
	assert.False(t, status.OldestPending.Before(before.Add(-time.Second)))
}

func TestShutdownRejectsPending(t *testing.T) {
	fp := newFakePlatform(t)
	h := startManager(t, fp.url(), nil)
	conn := fp.accept(t)
	readEnvelope(t, conn, false)
	require.NoError(t, h.mgr.AwaitReady(context.Background()))

	p, err := h.mgr.Request(context.Background(), h.b.Message("1", "x", "", nil))
	require.NoError(t, err)

	h.cancel()

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err // let cleanup observe the exit
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop")
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Wait(waitCtx)
	assert.ErrorIs(t, err, ledger.ErrConnectionLost)
}

func TestRunTwice(t *testing.T) {
	fp := newFakePlatform(t)
	h := startManager(t, fp.url(), nil)
	fp.accept(t)
	require.NoError(t, h.mgr.AwaitReady(context.Background()))

	assert.ErrorIs(t, h.mgr.Run(context.Background()), ErrAlreadyRunning)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "state(9)", State(9).String())
}
