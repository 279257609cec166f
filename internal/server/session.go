package server

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/lair-chat/lair-chat/internal/breaker"
	chatcipher "github.com/lair-chat/lair-chat/internal/cipher"
	"github.com/lair-chat/lair-chat/internal/dispatch"
	"github.com/lair-chat/lair-chat/internal/frame"
	"github.com/lair-chat/lair-chat/internal/logging"
	"github.com/lair-chat/lair-chat/internal/routing"
	"go.uber.org/zap"
)

// errCommandFailed is fed into the per-IP breaker on every error reply; its
// text never reaches a peer, only gobreaker's failure counter.
var errCommandFailed = errors.New("session: command failed")

// Session is one accepted peer's cooperative task: one goroutine owns it
// end to end (handshake, auth, command loop), matching spec.md §4.5's "one
// cooperative task per accepted peer" and departing deliberately from the
// teacher's two-goroutine readPump/writePump pair, since this protocol has
// no application-level send queue to feed (spec.md §4.2: "send blocks...
// until the writer accepts the bytes"). Send is still safe to call from
// other sessions' goroutines (fan-out via Router.Broadcast/SendTo): the
// underlying frame.Conn serializes concurrent writers, and the session key
// never changes after the handshake.
//
// state.UserID/Username/Role are set exactly once, by this session's own
// goroutine, before the session is handed to Router as a routing.Peer — no
// other goroutine writes them, so no mutex is needed to read them from
// Send/UserID/Username. state.RoomID/RoomName are likewise only ever
// mutated by this session's own goroutine while dispatching a verb.
type Session struct {
	conn  *frame.Conn
	key   chatcipher.SessionKey
	phase atomic.Value // Phase

	dispatcher *dispatch.Dispatcher
	router     *routing.Router
	breakers   *breaker.Registry
	state      dispatch.SessionState
}

func newSession(conn *frame.Conn, dispatcher *dispatch.Dispatcher, router *routing.Router, breakers *breaker.Registry, remoteIP string) *Session {
	s := &Session{
		conn:       conn,
		dispatcher: dispatcher,
		router:     router,
		breakers:   breakers,
		state:      dispatch.SessionState{RemoteIP: remoteIP},
	}
	s.phase.Store(PhaseHandshaking)
	return s
}

// UserID implements routing.Peer.
func (s *Session) UserID() int64 { return s.state.UserID }

// Username implements routing.Peer.
func (s *Session) Username() string { return s.state.Username }

// Send encrypts and frames line, implementing routing.Peer.
func (s *Session) Send(line string) error {
	enc, err := chatcipher.Encrypt(s.key, []byte(line))
	if err != nil {
		return err
	}
	return s.conn.SendLine(enc)
}

func (s *Session) currentPhase() Phase {
	return s.phase.Load().(Phase)
}

// run drives the session to completion: handshake, then the command loop
// until disconnect, a fatal decrypt/frame error, or ctx cancellation.
// Closing conn (by this goroutine on a clean exit, or by the server on
// shutdown) is what unblocks the next ReceiveLine call.
func (s *Session) run(ctx context.Context) {
	defer s.teardown(ctx)

	key, err := chatcipher.ServerHandshake(s.conn)
	if err != nil {
		logging.Warn(ctx, "handshake failed", zap.String("remote_ip", s.state.RemoteIP), zap.Error(err))
		return
	}
	s.key = key
	s.phase.Store(PhaseUnauthenticated)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.conn.ReceiveLine()
		if err != nil {
			return
		}

		plaintext, err := chatcipher.Decrypt(s.key, line)
		if err != nil {
			logging.Warn(ctx, "decrypt failed, closing connection",
				zap.String("username", s.state.Username), zap.Error(err))
			return
		}

		reply := s.dispatcher.Dispatch(ctx, &s.state, s, string(plaintext))
		if s.state.Authenticated && s.currentPhase() != PhaseAuthenticated {
			s.phase.Store(PhaseAuthenticated)
		}

		failed := dispatch.IsErrorReply(reply)
		_ = s.breakers.Guard(s.state.RemoteIP, func() error {
			if failed {
				return errCommandFailed
			}
			return nil
		})

		if reply != "" {
			if err := s.Send(reply); err != nil {
				logging.Warn(ctx, "write failed, closing connection",
					zap.String("username", s.state.Username), zap.Error(err))
				return
			}
		}

		if s.breakers.IsOpen(s.state.RemoteIP) {
			logging.Warn(ctx, "circuit breaker open, terminating connection",
				zap.String("remote_ip", s.state.RemoteIP), zap.String("username", s.state.Username))
			_ = s.Send("SYSTEM_MESSAGE:ERROR: terminating: circuit breaker open")
			return
		}
	}
}

// teardown runs once per session on exit, regardless of exit reason: drop
// presence, announce departure, and close the transport.
func (s *Session) teardown(ctx context.Context) {
	s.phase.Store(PhaseClosing)

	if s.state.Authenticated {
		if s.state.RoomID != 0 {
			s.router.LeaveRoom(s.state.RoomID, s.state.UserID)
			s.router.Broadcast(s.state.RoomID, s.state.UserID, "USER_LEAVE:"+s.state.Username)
		}
		s.router.RemovePeer(s.state.UserID)
		logging.Info(ctx, "session closed", zap.String("username", s.state.Username))
	}

	_ = s.conn.Close()
	s.phase.Store(PhaseClosed)
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

var _ routing.Peer = (*Session)(nil)
