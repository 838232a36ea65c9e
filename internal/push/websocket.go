package push

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	cerrors "github.com/alexjbarnes/courier/internal/errors"
	"github.com/alexjbarnes/courier/internal/outbox"
	"github.com/alexjbarnes/courier/internal/types"
)

const (
	writeTimeout  = 10 * time.Second
	dialTimeout   = 30 * time.Second
	jitterDivisor = 4
)

// wsConn abstracts the WebSocket connection so the Manager can be
// tested without a real server. *websocket.Conn satisfies this
// interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a WebSocket connection to a server URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (wsConn, error)
}

type websocketDialer struct{}

func (websocketDialer) Dial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// EventHandler receives the decoded server notifications. Calls arrive
// from connection goroutines and must not block for long.
type EventHandler interface {
	HandleReturnReceipt(owned types.Identity, receipt ReturnReceipt)
	// HandleMessageAvailable signals a new message on the server.
	// embedded carries the full message when the server included it,
	// nil when the handler has to fetch it.
	HandleMessageAvailable(owned types.Identity, embedded []byte)
	HandlePushTopic(topic string)
	HandleKeycloakUpdate(owned types.Identity)
	HandleOwnedDevicesChanged(owned types.Identity)
}

// SessionProvider obtains server session tokens asynchronously. The
// provider calls Manager.SetServerSessionToken once a token is
// available, which retries the pending connection.
type SessionProvider interface {
	RequestServerSessionToken(owned types.Identity)
}

type regStatus int

const (
	regNone regStatus = iota
	regRegistering
	regRegistered
)

// identityInfo is the per-identity binding. A connection attempt only
// proceeds once deviceUID, token and serverURL are all known.
type identityInfo struct {
	identity       types.Identity
	deviceUID      types.DeviceUID
	token          []byte
	serverURL      string
	status         regStatus
	tokenRequested bool
}

func (info *identityInfo) ready() bool {
	return info.serverURL != "" && !info.deviceUID.IsZero() && info.token != nil
}

type serverConnection struct {
	url    string
	conn   wsConn
	cancel context.CancelFunc
}

// Config holds the Manager's collaborators and tuning knobs.
type Config struct {
	Dialer   Dialer
	Handler  EventHandler
	Sessions SessionProvider

	PingInterval    time.Duration
	PongTimeout     time.Duration
	AlwaysReconnect bool
	StandardBackoff time.Duration
	MaximumBackoff  time.Duration
}

// Manager owns the WebSocket connections. One connection exists per
// distinct server URL and is shared by every identity bound to that
// URL; it is created lazily once some identity's binding is complete
// and torn down whenever part of a binding changes or the transport
// fails. All map access is serialized by mu.
type Manager struct {
	dialer   Dialer
	handler  EventHandler
	sessions SessionProvider
	logger   *slog.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration
	backoff      *outbox.Backoff

	mu        sync.Mutex
	ctx       context.Context
	infos     map[string]*identityInfo
	conns     map[string]*serverConnection
	reconnect bool
}

// NewManager wires a Manager. Start must be called before TryConnect.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocketDialer{}
	}

	return &Manager{
		dialer:       dialer,
		handler:      cfg.Handler,
		sessions:     cfg.Sessions,
		logger:       logger,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		backoff:      outbox.NewBackoff(cfg.StandardBackoff, cfg.MaximumBackoff),
		infos:        make(map[string]*identityInfo),
		conns:        make(map[string]*serverConnection),
		reconnect:    cfg.AlwaysReconnect,
	}
}

// Start binds the manager to its lifetime context. Cancelling ctx
// disconnects everything.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.DisconnectAll()
	}()
}

func (m *Manager) infoLocked(owned types.Identity) *identityInfo {
	info, ok := m.infos[owned.Key()]
	if !ok {
		info = &identityInfo{identity: owned}
		m.infos[owned.Key()] = info
	}

	return info
}

// SetDeviceUID records the current device UID for an identity. A change
// tears the identity's connection down and triggers a fresh
// registration.
func (m *Manager) SetDeviceUID(owned types.Identity, deviceUID types.DeviceUID) {
	m.mu.Lock()
	info := m.infoLocked(owned)
	if info.deviceUID == deviceUID {
		m.mu.Unlock()

		return
	}
	info.deviceUID = deviceUID
	info.status = regNone
	sc := m.conns[info.serverURL]
	m.mu.Unlock()

	if sc != nil {
		m.tearDown(sc, "device uid changed")
	}
	m.TryConnect(owned)
}

// SetServerSessionToken records a fresh session token, typically in
// response to an earlier SessionProvider request.
func (m *Manager) SetServerSessionToken(owned types.Identity, token []byte) {
	m.mu.Lock()
	info := m.infoLocked(owned)
	info.tokenRequested = false
	if bytes.Equal(info.token, token) {
		m.mu.Unlock()

		return
	}
	info.token = token
	info.status = regNone
	sc := m.conns[info.serverURL]
	m.mu.Unlock()

	if sc != nil {
		m.tearDown(sc, "session token changed")
	}
	m.TryConnect(owned)
}

// SetServerURL records the WebSocket server URL for an identity.
func (m *Manager) SetServerURL(owned types.Identity, url string) {
	m.mu.Lock()
	info := m.infoLocked(owned)
	if info.serverURL == url {
		m.mu.Unlock()

		return
	}
	old := m.conns[info.serverURL]
	info.serverURL = url
	info.status = regNone
	m.mu.Unlock()

	if old != nil {
		m.tearDown(old, "server url changed")
	}
	m.TryConnect(owned)
}

// TryConnect is idempotent: it does nothing until the identity's
// (deviceUID, token, serverURL) triple is complete, requesting a
// session token asynchronously when that is the missing piece. With a
// complete triple it reuses the URL's running connection, sending a
// deduplicated register, or dials a new one.
func (m *Manager) TryConnect(owned types.Identity) {
	m.mu.Lock()
	if m.ctx == nil {
		m.mu.Unlock()

		return
	}

	info := m.infoLocked(owned)
	if info.serverURL == "" || info.deviceUID.IsZero() {
		m.mu.Unlock()

		return
	}

	if info.token == nil {
		request := !info.tokenRequested && m.sessions != nil
		info.tokenRequested = true
		m.mu.Unlock()

		if request {
			go m.sessions.RequestServerSessionToken(owned)
		}

		return
	}

	if sc, ok := m.conns[info.serverURL]; ok {
		m.sendRegisterLocked(sc, info)
		m.mu.Unlock()

		return
	}

	url := info.serverURL
	m.mu.Unlock()

	m.connect(url)
}

// connect dials url and installs the connection, registering every
// identity already bound to it. Losing the install race to a concurrent
// connect just closes the extra connection.
func (m *Manager) connect(url string) {
	dialCtx, cancel := context.WithTimeout(m.ctx, dialTimeout)
	conn, err := m.dialer.Dial(dialCtx, url)
	cancel()
	if err != nil {
		m.logger.Warn("websocket dial failed",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		m.scheduleReconnect(url)

		return
	}

	m.mu.Lock()
	if _, exists := m.conns[url]; exists {
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "duplicate connection")

		return
	}

	connCtx, connCancel := context.WithCancel(m.ctx)
	sc := &serverConnection{url: url, conn: conn, cancel: connCancel}
	m.conns[url] = sc
	m.backoff.Reset(url)

	for _, info := range m.infos {
		if info.serverURL == url && info.ready() {
			m.sendRegisterLocked(sc, info)
		}
	}
	m.mu.Unlock()

	m.logger.Info("websocket connected", slog.String("url", url))

	go m.readLoop(connCtx, sc)
	go m.pingLoop(connCtx, sc)
}

// sendRegisterLocked sends a register frame unless one is already in
// flight or acknowledged for this identity. Caller holds mu; the write
// itself happens off the lock.
func (m *Manager) sendRegisterLocked(sc *serverConnection, info *identityInfo) {
	if info.status != regNone {
		return
	}
	info.status = regRegistering

	frame := registerFrame{
		Action:    ActionRegister,
		Token:     base64.StdEncoding.EncodeToString(info.token),
		Identity:  info.identity.Base64(),
		DeviceUID: info.deviceUID.Base64(),
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		info.status = regNone

		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, writeTimeout)
		defer cancel()

		if err := sc.conn.Write(ctx, websocket.MessageText, payload); err != nil {
			m.logger.Warn("sending register frame",
				slog.String("url", sc.url),
				slog.String("error", err.Error()),
			)
			m.tearDown(sc, "register send failed")
		}
	}()
}

// readLoop reads frames until the transport fails, then tears the
// connection down.
func (m *Manager) readLoop(ctx context.Context, sc *serverConnection) {
	for {
		_, data, err := sc.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			m.logger.Warn("websocket read failed",
				slog.String("url", sc.url),
				slog.String("error", err.Error()),
			)
			m.tearDown(sc, "read failed")

			return
		}

		m.handleFrame(sc, data)
	}
}

// pingLoop pings the connection on a fixed interval with a bounded
// round-trip timeout. A missed pong disconnects.
func (m *Manager) pingLoop(ctx context.Context, sc *serverConnection) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.pongTimeout)
			err := sc.conn.Ping(pingCtx)
			cancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}

				m.logger.Warn("websocket ping timed out",
					slog.String("url", sc.url),
					slog.String("error", err.Error()),
				)
				m.tearDown(sc, "ping timeout")

				return
			}
		}
	}
}

// handleFrame dispatches one inbound frame on its action field.
// Malformed or unrecognized frames are dropped silently.
func (m *Manager) handleFrame(sc *serverConnection, data []byte) {
	action := gjson.GetBytes(data, "action").Str

	switch action {
	case ActionRegister:
		m.handleRegisterResponse(sc, data)

	case ActionReturnReceipt:
		var frame returnReceiptFrame
		if json.Unmarshal(data, &frame) != nil {
			return
		}
		owned, err := types.IdentityFromBase64(frame.Identity)
		if err != nil {
			return
		}
		m.handler.HandleReturnReceipt(owned, ReturnReceipt{
			ServerUID:        frame.ServerUID,
			Nonce:            frame.Nonce,
			EncryptedPayload: frame.EncryptedPayload,
			Timestamp:        frame.Timestamp,
		})

	case ActionMessage:
		var frame messageFrame
		if json.Unmarshal(data, &frame) != nil {
			return
		}
		owned, err := types.IdentityFromBase64(frame.Identity)
		if err != nil {
			return
		}
		m.handler.HandleMessageAvailable(owned, frame.Message)

	case ActionPushTopic:
		var frame pushTopicFrame
		if json.Unmarshal(data, &frame) != nil {
			return
		}
		m.handler.HandlePushTopic(frame.Topic)

	case ActionKeycloak:
		var frame keycloakFrame
		if json.Unmarshal(data, &frame) != nil {
			return
		}
		owned, err := types.IdentityFromBase64(frame.Identity)
		if err != nil {
			return
		}
		m.handler.HandleKeycloakUpdate(owned)

	case ActionOwnedDevices:
		var frame ownedDevicesFrame
		if json.Unmarshal(data, &frame) != nil {
			return
		}
		owned, err := types.IdentityFromBase64(frame.Identity)
		if err != nil {
			return
		}
		m.handler.HandleOwnedDevicesChanged(owned)

	default:
		m.logger.Debug("dropping unrecognized frame",
			slog.String("action", action))
	}
}

// handleRegisterResponse settles the tri-state registration status. An
// invalid server session invalidates the stored token and requests a
// fresh one; any error code disconnects.
func (m *Manager) handleRegisterResponse(sc *serverConnection, data []byte) {
	var frame registerResponseFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	owned, err := types.IdentityFromBase64(frame.Identity)
	if err != nil {
		return
	}

	m.mu.Lock()
	info := m.infos[owned.Key()]

	if frame.Err == nil {
		if info != nil {
			info.status = regRegistered
		}
		m.mu.Unlock()

		m.logger.Debug("identity registered",
			slog.String("identity", owned.String()),
			slog.String("url", sc.url),
		)

		return
	}

	code := *frame.Err

	switch code {
	case registerErrInvalidServerSession:
		sessions := m.sessions
		request := false
		if info != nil {
			info.token = nil
			request = !info.tokenRequested && sessions != nil
			info.tokenRequested = true
		}
		m.mu.Unlock()

		m.logger.Warn("server session invalid, requesting a new token",
			slog.String("identity", owned.String()))
		if request {
			go sessions.RequestServerSessionToken(owned)
		}
		m.tearDown(sc, cerrors.ErrInvalidServerSession.Error())

	case registerErrGeneral:
		m.mu.Unlock()

		m.logger.Warn("registration refused by server",
			slog.String("identity", owned.String()))
		m.tearDown(sc, cerrors.ErrRegistrationFailed.Error())

	default:
		m.mu.Unlock()

		m.logger.Warn("register response with unknown error code",
			slog.Int("code", code),
			slog.String("identity", owned.String()),
		)
		m.tearDown(sc, cerrors.ErrRegistrationFailed.Error())
	}
}

// tearDown removes and closes a connection, clearing the registration
// status of every identity bound to it, and schedules a reconnection
// when the always-reconnect switch is on. Idempotent per connection.
func (m *Manager) tearDown(sc *serverConnection, reason string) {
	m.mu.Lock()
	if m.conns[sc.url] != sc {
		m.mu.Unlock()

		return
	}
	delete(m.conns, sc.url)

	for _, info := range m.infos {
		if info.serverURL == sc.url {
			info.status = regNone
		}
	}
	reconnect := m.reconnect
	m.mu.Unlock()

	sc.cancel()
	sc.conn.Close(websocket.StatusNormalClosure, reason)

	m.logger.Info("websocket disconnected",
		slog.String("url", sc.url),
		slog.String("reason", reason),
	)

	if reconnect {
		m.scheduleReconnect(sc.url)
	}
}

// scheduleReconnect re-dials a server URL after a jittered exponential
// delay, provided some identity still needs it.
func (m *Manager) scheduleReconnect(url string) {
	delay := m.backoff.IncrementAndGetDelay(url)
	delay += time.Duration(rand.Int64N(int64(delay)/jitterDivisor + 1)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

	m.logger.Debug("scheduling websocket reconnect",
		slog.String("url", url),
		slog.Duration("delay", delay),
	)

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.ctx == nil || m.ctx.Err() != nil || !m.reconnect {
			m.mu.Unlock()

			return
		}
		if _, exists := m.conns[url]; exists {
			m.mu.Unlock()

			return
		}

		needed := false
		for _, info := range m.infos {
			if info.serverURL == url && info.ready() {
				needed = true

				break
			}
		}
		m.mu.Unlock()

		if needed {
			m.connect(url)
		}
	})
}

// DeleteReturnReceipt asks the server to drop a stored return receipt.
func (m *Manager) DeleteReturnReceipt(owned types.Identity, serverUID string) error {
	m.mu.Lock()
	info := m.infos[owned.Key()]
	var sc *serverConnection
	if info != nil {
		sc = m.conns[info.serverURL]
	}
	m.mu.Unlock()

	if sc == nil {
		return cerrors.ErrConnectionClosed
	}

	payload, err := json.Marshal(deleteReturnReceiptFrame{
		Action:    ActionDeleteReturnReceipt,
		Identity:  owned.Base64(),
		ServerUID: serverUID,
	})
	if err != nil {
		return fmt.Errorf("marshalling delete return receipt: %w", err)
	}

	ctx, cancel := context.WithTimeout(m.ctx, writeTimeout)
	defer cancel()

	if err := sc.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("sending delete return receipt: %w", err)
	}

	return nil
}

// DisconnectAll closes every connection and turns automatic
// reconnection off. Explicit disconnects are final.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	m.reconnect = false
	conns := make([]*serverConnection, 0, len(m.conns))
	for url, sc := range m.conns {
		conns = append(conns, sc)
		delete(m.conns, url)
	}
	for _, info := range m.infos {
		info.status = regNone
	}
	m.mu.Unlock()

	for _, sc := range conns {
		sc.cancel()
		sc.conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
}

// RegistrationStatus reports whether owned is currently registered on
// its server connection.
func (m *Manager) RegistrationStatus(owned types.Identity) (registering, registered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.infos[owned.Key()]
	if info == nil {
		return false, false
	}

	return info.status == regRegistering, info.status == regRegistered
}
