// Package client implements the chat core's client-side connection
// manager (C8): one owner coordinating transport, cipher, auth state, and
// observer fan-out so UI code never touches the socket directly. Grounded
// on the teacher's client/transport.go Transport type (a single struct
// owning the session, a cancellation token per connect, mutex-guarded
// state, and callback-setter fan-out) and client/app.go's App (one owner
// type delegating to that transport and re-publishing its events).
package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	chatcipher "github.com/lair-chat/lair-chat/internal/cipher"
	"github.com/lair-chat/lair-chat/internal/dispatch"
	"github.com/lair-chat/lair-chat/internal/dm"
	"github.com/lair-chat/lair-chat/internal/errs"
	"github.com/lair-chat/lair-chat/internal/frame"
)

// receiveTaskExit is the upper bound spec.md §4.8 sets on how long the
// receive task may take to exit after disconnect cancels it.
const receiveTaskExit = 200 * time.Millisecond

// authResult is the outcome delivered to a pending login/register call by
// the receive task when it sees an AUTH_OK or AUTH error reply.
type authResult struct {
	state *AuthState
	err   error
}

// ConnectionManager is the single owner of one server connection: the
// transport, the session cipher key, auth state, and the observer list.
// All exported methods are safe for concurrent use.
type ConnectionManager struct {
	cfg        ConnectionConfig
	tokenStore TokenStore

	mu       sync.Mutex
	conn     *frame.Conn
	key      chatcipher.SessionKey
	status   ConnectionStatus
	auth     *AuthState
	cancel   context.CancelFunc
	recvDone chan struct{}

	pendingMu sync.Mutex
	pending   chan authResult

	obsMu     sync.RWMutex
	observers []Observer

	dm             *dm.Engine
	focusedMu      sync.Mutex
	focusedPartner string
}

// NewConnectionManager returns a ConnectionManager in StatusDisconnected,
// configured to dial cfg.Address on Connect. tokenStore may be nil.
func NewConnectionManager(cfg ConnectionConfig, tokenStore TokenStore) *ConnectionManager {
	return &ConnectionManager{
		cfg:        cfg,
		tokenStore: tokenStore,
		status:     StatusDisconnected,
		dm:         dm.NewEngine(),
	}
}

// DM returns the connection's DM unread engine (C9). The UI reads unread
// counts and conversation summaries from it directly; the connection
// manager only ever writes to it.
func (m *ConnectionManager) DM() *dm.Engine {
	return m.dm
}

// SetFocusedConversation records which DM partner, if any, the UI currently
// has open. Incoming messages from that partner arrive already read.
func (m *ConnectionManager) SetFocusedConversation(partner string) {
	m.focusedMu.Lock()
	m.focusedPartner = partner
	m.focusedMu.Unlock()
}

func (m *ConnectionManager) isFocused(partner string) bool {
	m.focusedMu.Lock()
	defer m.focusedMu.Unlock()
	return m.focusedPartner == partner
}

// RegisterObserver attaches obs to receive every future on_message/on_error/
// on_status_change event.
func (m *ConnectionManager) RegisterObserver(obs Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, obs)
}

// GetStatus returns the manager's current lifecycle state.
func (m *ConnectionManager) GetStatus() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *ConnectionManager) setStatus(s ConnectionStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()

	connected := s == StatusConnected || s == StatusAuthenticating || s == StatusAuthenticated
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, obs := range m.observers {
		obs.OnStatusChange(connected)
	}
}

func (m *ConnectionManager) notifyMessage(text string) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, obs := range m.observers {
		obs.OnMessage(text)
	}
}

func (m *ConnectionManager) notifyError(text string) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, obs := range m.observers {
		obs.OnError(text)
	}
}

// Connect dials the server, performs the client handshake, and spawns the
// receive task. Idempotent when already Connected or later.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	if s := m.GetStatus(); s == StatusConnected || s == StatusAuthenticating || s == StatusAuthenticated {
		return nil
	}

	m.setStatus(StatusConnecting)

	timeout := time.Duration(m.cfg.timeoutOrDefault()) * time.Millisecond
	conn, err := frame.Dial("tcp", m.cfg.Address, timeout)
	if err != nil {
		m.setStatus(StatusError)
		return errs.Wrap(errs.KindTransportConnect, "dial failed", err)
	}

	key, err := chatcipher.ClientHandshake(conn)
	if err != nil {
		_ = conn.Close()
		m.setStatus(StatusError)
		return errs.Wrap(errs.KindCipherHandshake, "handshake failed", err)
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.conn = conn
	m.key = key
	m.cancel = cancel
	m.recvDone = done
	m.mu.Unlock()

	m.setStatus(StatusConnected)

	go m.receiveLoop(recvCtx, conn, key, done)
	return nil
}

// Login requires Connected; it sends an AUTH:LOGIN frame and blocks until
// the server's authentication response arrives or ctx is done.
func (m *ConnectionManager) Login(ctx context.Context, username, password string) (*AuthState, error) {
	return m.authenticate(ctx, fmt.Sprintf("AUTH:LOGIN\n%s\n%s", username, password))
}

// Register requires Connected; it sends an AUTH:REGISTER frame and blocks
// until the server's authentication response arrives or ctx is done.
func (m *ConnectionManager) Register(ctx context.Context, username, email, password string) (*AuthState, error) {
	return m.authenticate(ctx, fmt.Sprintf("AUTH:REGISTER\n%s\n%s\n%s", username, email, password))
}

func (m *ConnectionManager) authenticate(ctx context.Context, frameLine string) (*AuthState, error) {
	if s := m.GetStatus(); s != StatusConnected {
		return nil, errs.New(errs.KindTransportConnect, "authenticate requires an active connection")
	}

	ch := make(chan authResult, 1)
	m.pendingMu.Lock()
	m.pending = ch
	m.pendingMu.Unlock()

	m.setStatus(StatusAuthenticating)

	if err := m.sendLine(frameLine); err != nil {
		m.setStatus(StatusConnected)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			m.setStatus(StatusConnected)
			return nil, res.err
		}
		m.mu.Lock()
		m.auth = res.state
		ts := m.tokenStore
		m.mu.Unlock()
		if ts != nil && res.state.RefreshToken != "" {
			_ = ts.SaveRefreshToken(res.state.Username, res.state.RefreshToken)
		}
		m.setStatus(StatusAuthenticated)
		return res.state, nil
	case <-ctx.Done():
		m.setStatus(StatusConnected)
		return nil, errs.Wrap(errs.KindTransportIO, "authenticate canceled", ctx.Err())
	}
}

// SendMessage requires Authenticated; it encrypts, frames, and writes text
// as a plain chat line to the peer's current room.
func (m *ConnectionManager) SendMessage(text string) error {
	if s := m.GetStatus(); s != StatusAuthenticated {
		return errs.New(errs.KindAuthInvalidCredentials, "send_message requires an authenticated session")
	}
	return m.sendLine(text)
}

// SendDM requires Authenticated; it sends a DM:<target>:<body> line and
// records the outgoing message against target's conversation log so it
// never counts as unread to the sender.
func (m *ConnectionManager) SendDM(target, body string) error {
	if s := m.GetStatus(); s != StatusAuthenticated {
		return errs.New(errs.KindAuthInvalidCredentials, "send_dm requires an authenticated session")
	}
	if err := m.sendLine(fmt.Sprintf("DM:%s:%s", target, body)); err != nil {
		return err
	}
	m.dm.RecordOutgoing(target, body, time.Now())
	return nil
}

func (m *ConnectionManager) sendLine(plaintext string) error {
	m.mu.Lock()
	conn, key := m.conn, m.key
	m.mu.Unlock()

	if conn == nil {
		return errs.New(errs.KindTransportClosed, "not connected")
	}

	enc, err := chatcipher.Encrypt(key, []byte(plaintext))
	if err != nil {
		return errs.Wrap(errs.KindCipherMalformed, "encrypt failed", err)
	}
	if err := conn.SendLine(enc); err != nil {
		return errs.Wrap(errs.KindTransportIO, "send failed", err)
	}
	return nil
}

// Disconnect clears AuthState and TokenStore references, cancels the
// receive task, and closes the transport. A fresh Connect is always
// possible afterward.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	conn := m.conn
	cancel := m.cancel
	done := m.recvDone
	m.conn = nil
	m.cancel = nil
	m.recvDone = nil
	m.auth = nil
	m.tokenStore = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(receiveTaskExit):
		}
	}

	m.setStatus(StatusDisconnected)
	return err
}

// receiveLoop reads decrypted lines until ctx is canceled or the
// connection errors, dispatching each by shape per spec.md §4.8. Closing
// done is the signal Disconnect waits on to bound its own return time.
func (m *ConnectionManager) receiveLoop(ctx context.Context, conn *frame.Conn, key chatcipher.SessionKey, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := conn.ReceiveLine()
		if err != nil {
			m.failPending(errs.Wrap(errs.KindTransportIO, "receive failed", err))
			m.notifyError(err.Error())
			m.setStatus(StatusError)
			return
		}

		plaintext, err := chatcipher.Decrypt(key, line)
		if err != nil {
			m.failPending(errs.Wrap(errs.KindCipherAuthenticity, "decrypt failed", err))
			m.notifyError(err.Error())
			continue
		}

		m.dispatchIncoming(string(plaintext))
	}
}

func (m *ConnectionManager) dispatchIncoming(text string) {
	switch {
	case strings.HasPrefix(text, "AUTH_OK:"):
		m.resolveAuthOK(text)
	case dispatch.IsErrorReply(text):
		if !m.resolvePendingError(text) {
			m.notifyMessage(text)
		}
	case strings.HasPrefix(text, "SYSTEM_MESSAGE:"):
		m.notifyMessage(text)
	case strings.HasPrefix(text, "DM_FROM:"):
		m.recordIncomingDM(text)
		m.notifyMessage(text)
	case strings.HasPrefix(text, "USER_LIST:"),
		strings.HasPrefix(text, "USER_JOIN:"),
		strings.HasPrefix(text, "USER_LEAVE:"):
		m.notifyMessage(text)
	default:
		m.notifyMessage(text)
	}
}

// recordIncomingDM parses "DM_FROM:<sender>:<body>" and feeds the DM
// unread engine, marking the message already read if that conversation
// currently has UI focus.
func (m *ConnectionManager) recordIncomingDM(text string) {
	parts := strings.SplitN(strings.TrimPrefix(text, "DM_FROM:"), ":", 2)
	if len(parts) != 2 {
		return
	}
	sender, body := parts[0], parts[1]
	m.dm.RecordIncoming(sender, body, time.Now(), m.isFocused(sender))
}

// resolveAuthOK parses "AUTH_OK:<id>:<username>:<role>" and releases a
// pending login/register future, if one is waiting.
func (m *ConnectionManager) resolveAuthOK(text string) {
	parts := strings.SplitN(strings.TrimPrefix(text, "AUTH_OK:"), ":", 3)
	if len(parts) != 3 {
		m.failPending(errs.New(errs.KindInternal, "malformed AUTH_OK"))
		return
	}
	id, _ := strconv.ParseInt(parts[0], 10, 64)
	state := &AuthState{UserID: id, Username: parts[1], Role: parts[2]}

	m.pendingMu.Lock()
	ch := m.pending
	m.pending = nil
	m.pendingMu.Unlock()
	if ch != nil {
		ch <- authResult{state: state}
	}
}

// resolvePendingError releases a pending login/register future with a
// failure, if one is waiting, reporting whether it did so. When nothing is
// pending the error reply is a normal in-session validation failure instead.
func (m *ConnectionManager) resolvePendingError(text string) bool {
	m.pendingMu.Lock()
	ch := m.pending
	m.pending = nil
	m.pendingMu.Unlock()
	if ch == nil {
		return false
	}
	reason := strings.TrimPrefix(text, "SYSTEM_MESSAGE:ERROR:")
	ch <- authResult{err: errs.New(errs.KindAuthInvalidCredentials, strings.TrimSpace(reason))}
	return true
}

func (m *ConnectionManager) failPending(err error) {
	m.pendingMu.Lock()
	ch := m.pending
	m.pending = nil
	m.pendingMu.Unlock()
	if ch != nil {
		ch <- authResult{err: err}
	}
}
