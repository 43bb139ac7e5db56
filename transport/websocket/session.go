package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wricardo/polaris-gateway/gateway/envelope"
	"github.com/wricardo/polaris-gateway/gateway/ledger"
	"github.com/wricardo/polaris-gateway/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Read deadline is pongWaitFactor heartbeat intervals past the last
	// inbound frame or pong.
	pongWaitFactor = 2

	// Maximum message size allowed from the platform.
	maxMessageSize = 1 << 20

	// Frames queued for the write pump before callers block.
	sendBufferSize = 256

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
	DefaultReadyTimeout      = 30 * time.Second
)

var (
	ErrSessionUnavailable = errors.New("websocket unavailable")
	ErrAlreadyRunning     = errors.New("session manager already running")
)

// State is the lifecycle state of the platform session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Manager.
type Options struct {
	URL       string
	Platform  string
	Builder   *envelope.Builder
	BotConfig json.RawMessage

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReadyTimeout      time.Duration

	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Status is a point-in-time view of the session.
type Status struct {
	State         string     `json:"state"`
	SessionID     string     `json:"sessionId,omitempty"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	Pending       int        `json:"pending"`
	OldestPending *time.Time `json:"oldestPending,omitempty"`
	Reconnects    int        `json:"reconnects"`
}

type outbound struct {
	kind envelope.Kind
	data []byte
}

// session is one WebSocket connection. It is never reused after it closes.
type session struct {
	id          string
	conn        *websocket.Conn
	send        chan outbound
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time

	// unix nanos, 0 until the first heartbeat
	lastHeartbeat atomic.Int64
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan outbound, sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Manager owns the platform session and its reconnect loop.
type Manager struct {
	opts    Options
	ledger  *ledger.Ledger
	dialer  *websocket.Dialer
	log     zerolog.Logger
	running atomic.Bool

	mu         sync.Mutex
	state      State
	current    *session
	ready      chan struct{} // closed while state is open
	reconnects int
}

// NewManager creates a manager. Zero timings take the package defaults.
func NewManager(opts Options, l *ledger.Ledger) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.Builder == nil {
		opts.Builder = envelope.NewBuilder(envelope.DefaultIdentity(opts.Platform))
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if l == nil {
		l = ledger.New()
	}

	return &Manager{
		opts:   opts,
		ledger: l,
		dialer: dialer,
		log:    opts.Logger.With().Str("component", "ws_session").Logger(),
		state:  StateDisconnected,
		ready:  make(chan struct{}),
	}
}

// Run connects and keeps reconnecting until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	for {
		m.connect(ctx)
		if ctx.Err() != nil {
			m.log.Info().Msg("Session manager stopped")
			return nil
		}

		m.log.Info().Dur("delay", m.opts.ReconnectDelay).Msg("Reconnecting to platform")
		timer := time.NewTimer(m.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.log.Info().Msg("Session manager stopped")
			return nil
		case <-timer.C:
		}

		m.mu.Lock()
		m.reconnects++
		m.mu.Unlock()
		metrics.IncReconnects()
	}
}

// connect runs one session to completion.
func (m *Manager) connect(ctx context.Context) {
	m.setConnecting()

	target, err := m.dialURL()
	if err != nil {
		m.log.Error().Err(err).Msg("Invalid platform URL")
		m.disconnect(nil)
		return
	}

	conn, _, err := m.dialer.DialContext(ctx, target, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("url", target).Msg("Failed to connect to platform")
		m.disconnect(nil)
		return
	}

	s := newSession(conn)
	log := m.log.With().Str("session_id", s.id).Logger()

	initEnv := m.opts.Builder.Init(m.opts.BotConfig)
	if err := m.writeEnvelope(s, initEnv); err != nil {
		log.Warn().Err(err).Msg("Failed to send init envelope")
		s.close()
		m.disconnect(s)
		return
	}

	m.setOpen(s)
	log.Info().Str("url", target).Msg("Platform session open")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.writePump(s)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			s.close()
		case <-s.done:
		}
	}()

	m.readPump(s)
	s.close()
	wg.Wait()

	m.disconnect(s)
}

func (m *Manager) dialURL() (string, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return "", err
	}
	if m.opts.Platform != "" {
		q := u.Query()
		q.Set("platform", m.opts.Platform)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// readPump forwards inbound frames to the ledger until the connection fails.
func (m *Manager) readPump(s *session) {
	pongWait := pongWaitFactor * m.opts.HeartbeatInterval
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			select {
			case <-s.done:
				// closed locally
			default:
				if errors.As(err, &netErr) && netErr.Timeout() {
					m.log.Warn().Err(err).Str("session_id", s.id).Dur("wait", pongWait).Msg("Platform stopped responding")
				} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					m.log.Warn().Err(err).Str("session_id", s.id).Msg("Platform connection lost")
				} else {
					m.log.Info().Err(err).Str("session_id", s.id).Msg("Platform closed the connection")
				}
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		metrics.RecordFrame("in", "frame")
		if !m.ledger.Dispatch(data) {
			m.log.Debug().Str("session_id", s.id).Int("bytes", len(data)).Msg("Dropped uncorrelated frame")
		}
	}
}

// writePump is the only writer on the connection once the session is open.
func (m *Manager) writePump(s *session) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	ping, err := json.Marshal(m.opts.Builder.Ping())
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to encode ping envelope")
		s.close()
		return
	}

	for {
		select {
		case <-s.done:
			return

		case out := <-s.send:
			if err := m.write(s, out); err != nil {
				m.log.Warn().Err(err).Str("session_id", s.id).Str("kind", string(out.kind)).Msg("Failed to write envelope")
				s.close()
				return
			}

		case <-ticker.C:
			if err := m.write(s, outbound{kind: envelope.KindPing, data: ping}); err != nil {
				m.log.Warn().Err(err).Str("session_id", s.id).Msg("Heartbeat failed")
				s.close()
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.log.Warn().Err(err).Str("session_id", s.id).Msg("Ping failed")
				s.close()
				return
			}
			s.lastHeartbeat.Store(time.Now().UnixNano())
		}
	}
}

func (m *Manager) writeEnvelope(s *session, env envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", env.Kind(), err)
	}
	return m.write(s, outbound{kind: env.Kind(), data: data})
}

func (m *Manager) write(s *session, out outbound) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
		return err
	}
	metrics.RecordFrame("out", string(out.kind))
	m.log.Debug().Str("session_id", s.id).RawJSON("envelope", out.data).Msg("Sent envelope")
	return nil
}

func (m *Manager) setConnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateConnecting
	metrics.SetSessionState(int(StateConnecting))
}

func (m *Manager) setOpen(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateOpen
	m.current = s
	close(m.ready)
	metrics.SetSessionState(int(StateOpen))
}

// disconnect marks the session gone and then rejects everything still
// pending. No entry can be enqueued once the state has left open.
func (m *Manager) disconnect(s *session) {
	m.mu.Lock()
	wasOpen := m.state == StateOpen
	m.state = StateDisconnected
	m.current = nil
	if wasOpen {
		m.ready = make(chan struct{})
	}
	metrics.SetSessionState(int(StateDisconnected))
	m.mu.Unlock()

	if n := m.ledger.Drain(ledger.ErrConnectionLost); n > 0 {
		ev := m.log.Warn().Int("pending", n)
		if s != nil {
			ev = ev.Str("session_id", s.id)
		}
		ev.Msg("Rejected pending requests after connection loss")
	}
}

// AwaitReady returns once the session is open, or ErrSessionUnavailable
// after the ready timeout.
func (m *Manager) AwaitReady(ctx context.Context) error {
	timer := time.NewTimer(m.opts.ReadyTimeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.state == StateOpen {
			m.mu.Unlock()
			return nil
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-timer.C:
			return fmt.Errorf("%w: not connected after %s", ErrSessionUnavailable, m.opts.ReadyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Request sends env and returns the ledger entry its reply will resolve.
func (m *Manager) Request(ctx context.Context, env envelope.Envelope) (*ledger.Pending, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", env.Kind(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if m.state != StateOpen || s == nil {
		return nil, ErrSessionUnavailable
	}

	p := m.ledger.Enqueue()
	if err := m.queue(ctx, s, outbound{kind: env.Kind(), data: data}); err != nil {
		m.ledger.Remove(p)
		return nil, err
	}
	return p, nil
}

// Send writes env without waiting for any reply.
func (m *Manager) Send(ctx context.Context, env envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", env.Kind(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if m.state != StateOpen || s == nil {
		return ErrSessionUnavailable
	}
	return m.queue(ctx, s, outbound{kind: env.Kind(), data: data})
}

// queue must be called with mu held.
func (m *Manager) queue(ctx context.Context, s *session, out outbound) error {
	select {
	case s.send <- out:
		return nil
	case <-s.done:
		return ledger.ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot for diagnostics.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		State:      m.state.String(),
		Reconnects: m.reconnects,
	}
	if s := m.current; s != nil {
		st.SessionID = s.id
		connectedAt := s.connectedAt
		st.ConnectedAt = &connectedAt
		if ns := s.lastHeartbeat.Load(); ns != 0 {
			hb := time.Unix(0, ns)
			st.LastHeartbeat = &hb
		}
	}
	m.mu.Unlock()

	st.Pending = m.ledger.Len()
	if oldest, ok := m.ledger.Oldest(); ok {
		st.OldestPending = &oldest
	}
	return st
}
