package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAuthFailed marks a rejected handshake. Terminal: the manager moves
	// to StateErrored and does not retry until Connect is called with fresh
	// credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrNotConnected is returned by SendFrame while no live transport exists.
	ErrNotConnected = errors.New("not connected")
)

// FrameHandler receives every inbound event frame. Registered once by the
// SubscriptionRegistry, which owns routing to the stores.
type FrameHandler func(topic string, payload json.RawMessage)

// ConnectionConfig tunes the transport. The zero value is usable; URL is
// filled in by the Session.
type ConnectionConfig struct {
	URL string
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// HandshakeTimeout bounds the wait for the server's connected frame.
	HandshakeTimeout time.Duration
	// HeartbeatInterval is the ping cadence; a connection with no pong for
	// two intervals is treated as dropped.
	HeartbeatInterval time.Duration
	// ReconnectInitialDelay and ReconnectMaxDelay bound the exponential
	// backoff between reconnect attempts after a transport drop.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
}

func (c *ConnectionConfig) applyDefaults() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = 5 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
}

// ConnectionManager owns the single persistent connection for a session.
// It handles the handshake, heartbeats and reconnect backoff; everything
// above it sees only SendFrame, the frame callback and the state signal.
type ConnectionManager struct {
	cfg ConnectionConfig

	mu        sync.Mutex
	state     ConnectionState
	conn      *websocket.Conn
	cred      Credential
	gen       uint64
	lastPong  time.Time
	stopRetry context.CancelFunc

	writeMu sync.Mutex

	cbMu       sync.Mutex
	onFrame    FrameHandler
	stateHooks []func(ConnectionState)
}

func NewConnectionManager(cfg ConnectionConfig) (*ConnectionManager, error) {
	if cfg.URL == "" {
		return nil, errors.New("connection URL is empty")
	}
	cfg.applyDefaults()
	return &ConnectionManager{
		cfg:   cfg,
		state: StateDisconnected,
	}, nil
}

// OnFrame registers the inbound event dispatch callback. Only one handler is
// supported; the registry is the sole consumer.
func (m *ConnectionManager) OnFrame(h FrameHandler) {
	m.cbMu.Lock()
	m.onFrame = h
	m.cbMu.Unlock()
}

// OnStateChange registers a hook invoked on every state transition. Hooks
// run outside the manager lock and may call SendFrame.
func (m *ConnectionManager) OnStateChange(fn func(ConnectionState)) {
	m.cbMu.Lock()
	m.stateHooks = append(m.stateHooks, fn)
	m.cbMu.Unlock()
}

func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials, authenticates and starts the read and heartbeat loops.
// Calling Connect while CONNECTING or CONNECTED is a no-op so that repeated
// view-level init sequences cannot create duplicate transports.
func (m *ConnectionManager) Connect(ctx context.Context, cred Credential) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.cred = cred
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()
	m.notify(StateConnecting)

	conn, err := m.dial(ctx)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			m.setStateIfCurrent(gen, StateErrored)
		} else {
			m.setStateIfCurrent(gen, StateDisconnected)
		}
		return err
	}
	m.install(conn, gen)
	return nil
}

// Disconnect tears the transport down and stops any reconnect attempt.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	conn := m.conn
	m.conn = nil
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if changed {
		m.notify(StateDisconnected)
	}
}

// SendFrame writes one frame on the live transport.
func (m *ConnectionManager) SendFrame(f Frame) error {
	m.mu.Lock()
	conn := m.conn
	st := m.state
	m.mu.Unlock()
	if st != StateConnected || conn == nil {
		return ErrNotConnected
	}
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return errors.Wrap(conn.WriteMessage(websocket.TextMessage, data), "write frame")
}

// dial establishes the websocket and performs the connect handshake.
func (m *ConnectionManager) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := m.cfg.Dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, errors.Wrap(err, "dial")
	}

	m.mu.Lock()
	cred := m.cred
	m.mu.Unlock()
	payload, err := json.Marshal(connectPayload{Identity: cred.Identity, Token: cred.Token})
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "encode credentials")
	}
	hello, err := EncodeFrame(Frame{Type: FrameConnect, Payload: payload})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "send connect frame")
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "await handshake")
	}
	f, err := DecodeFrame(data)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "handshake frame")
	}
	switch f.Type {
	case FrameConnected:
		_ = conn.SetReadDeadline(time.Time{})
		return conn, nil
	case FrameError:
		_ = conn.Close()
		if f.Error != "" {
			return nil, errors.Wrap(ErrAuthFailed, f.Error)
		}
		return nil, ErrAuthFailed
	default:
		_ = conn.Close()
		return nil, errors.Errorf("unexpected handshake frame %q", f.Type)
	}
}

// install adopts a freshly authenticated connection and starts its loops.
// A moved generation means an explicit Disconnect (or a newer connect cycle)
// superseded this transport while the handshake was in flight; the connection
// is then closed instead of adopted.
func (m *ConnectionManager) install(conn *websocket.Conn, gen uint64) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	m.gen++
	liveGen := m.gen
	m.conn = conn
	m.state = StateConnected
	m.lastPong = time.Now()
	m.stopRetry = nil
	m.mu.Unlock()
	m.notify(StateConnected)

	go m.readLoop(conn, liveGen)
	go m.heartbeat(conn, liveGen)
	return true
}

func (m *ConnectionManager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(gen)
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "realtime").Msg("dropping malformed frame")
			continue
		}
		switch f.Type {
		case FrameEvent:
			m.cbMu.Lock()
			h := m.onFrame
			m.cbMu.Unlock()
			if h != nil {
				h(f.Topic, f.Payload)
			}
		case FramePing:
			_ = m.SendFrame(Frame{Type: FramePong})
		case FramePong:
			m.mu.Lock()
			m.lastPong = time.Now()
			m.mu.Unlock()
		default:
			log.Warn().Str("component", "realtime").Str("frame_type", string(f.Type)).Msg("dropping unexpected frame")
		}
	}
}

func (m *ConnectionManager) heartbeat(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		stale := m.gen != gen
		silent := time.Since(m.lastPong) > 2*m.cfg.HeartbeatInterval
		m.mu.Unlock()
		if stale {
			return
		}
		if silent {
			log.Warn().Str("component", "realtime").Msg("heartbeat timed out, closing transport")
			_ = conn.Close()
			return
		}
		if err := m.SendFrame(Frame{Type: FramePing}); err != nil {
			return
		}
	}
}

// handleDrop reacts to a failed read. Explicit Disconnect bumps the
// generation first, so only genuine transport drops start the retry loop.
func (m *ConnectionManager) handleDrop(gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	retryGen := m.gen
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = StateConnecting
	retryCtx, cancel := context.WithCancel(context.Background())
	m.stopRetry = cancel
	m.mu.Unlock()

	m.notify(StateConnecting)
	log.Info().Str("component", "realtime").Msg("transport dropped, reconnecting")
	go m.reconnectLoop(retryCtx, retryGen)
}

func (m *ConnectionManager) reconnectLoop(ctx context.Context, gen uint64) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectInitialDelay
	bo.MaxInterval = m.cfg.ReconnectMaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		conn, err := m.dial(ctx)
		if err == nil {
			// install refuses when Disconnect raced the handshake.
			m.install(conn, gen)
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			m.mu.Lock()
			if m.gen != gen {
				m.mu.Unlock()
				return
			}
			m.stopRetry = nil
			m.state = StateErrored
			m.mu.Unlock()
			m.notify(StateErrored)
			log.Error().Err(err).Str("component", "realtime").Msg("reconnect rejected, credentials required")
			return
		}
		wait := bo.NextBackOff()
		log.Debug().Err(err).Str("component", "realtime").Dur("retry_in", wait).Msg("reconnect attempt failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// setStateIfCurrent applies a transition only while the generation still
// matches, so a dial outcome cannot override an explicit Disconnect that
// happened while the dial was in flight.
func (m *ConnectionManager) setStateIfCurrent(gen uint64, st ConnectionState) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	changed := m.state != st
	m.state = st
	m.mu.Unlock()
	if changed {
		m.notify(st)
	}
}

func (m *ConnectionManager) notify(st ConnectionState) {
	m.cbMu.Lock()
	hooks := append([]func(ConnectionState){}, m.stateHooks...)
	m.cbMu.Unlock()
	for _, fn := range hooks {
		fn(st)
	}
}
