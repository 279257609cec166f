// Package server implements the chat core's TCP accept loop and per-peer
// session loop (C5): one goroutine per accepted connection, the
// HANDSHAKING -> UNAUTHENTICATED -> AUTHENTICATED -> CLOSING state machine,
// and a graceful drain on shutdown. Modeled on the teacher's
// Hub.ServeWs accept-and-dispatch structure, adapted from an
// HTTP-upgrade-to-WebSocket handler to a raw net.Listener accept loop.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lair-chat/lair-chat/internal/breaker"
	"github.com/lair-chat/lair-chat/internal/dispatch"
	"github.com/lair-chat/lair-chat/internal/frame"
	"github.com/lair-chat/lair-chat/internal/logging"
	"github.com/lair-chat/lair-chat/internal/ratelimit"
	"github.com/lair-chat/lair-chat/internal/routing"
	"go.uber.org/zap"
)

// Server owns the listening socket and every live Session.
type Server struct {
	listenAddr string
	dispatcher *dispatch.Dispatcher
	router     *routing.Router
	limiter    *ratelimit.RateLimiter
	breakers   *breaker.Registry

	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup

	listener net.Listener
}

func NewServer(listenAddr string, dispatcher *dispatch.Dispatcher, router *routing.Router, limiter *ratelimit.RateLimiter) *Server {
	return &Server{
		listenAddr: listenAddr,
		dispatcher: dispatcher,
		router:     router,
		limiter:    limiter,
		breakers:   breaker.NewRegistry(),
		sessions:   make(map[*Session]struct{}),
	}
}

// Serve opens the listening socket and accepts connections until ctx is
// canceled or Shutdown is called. It blocks until the accept loop exits.
func (srv *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.listenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", srv.listenAddr, err)
	}
	srv.listener = ln
	logging.Info(ctx, "server listening", zap.String("addr", srv.listenAddr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logging.Warn(ctx, "accept failed", zap.Error(err))
				continue
			}
		}
		srv.handleConn(ctx, conn)
	}
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	ip := remoteIP(conn)
	if err := srv.limiter.AllowIP(ctx, ip); err != nil {
		logging.Warn(ctx, "rejecting connection, ip rate limited", zap.String("remote_ip", ip))
		_ = conn.Close()
		return
	}
	if srv.breakers.IsOpen(ip) {
		logging.Warn(ctx, "rejecting connection, circuit breaker open for ip", zap.String("remote_ip", ip))
		_ = conn.Close()
		return
	}

	fc := frame.New(conn)
	sess := newSession(fc, srv.dispatcher, srv.router, srv.breakers, ip)

	srv.mu.Lock()
	srv.sessions[sess] = struct{}{}
	srv.mu.Unlock()

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		defer func() {
			srv.mu.Lock()
			delete(srv.sessions, sess)
			srv.mu.Unlock()
		}()
		sess.run(ctx)
	}()
}

// Shutdown closes the listener, then asks every live session to close by
// closing its underlying connection (unblocking its ReceiveLine), and waits
// up to shutdownDrain for all session goroutines to exit.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.listener != nil {
		_ = srv.listener.Close()
	}

	srv.mu.Lock()
	for sess := range srv.sessions {
		_ = sess.conn.Close()
	}
	srv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownDrain):
		return fmt.Errorf("server: shutdown: %d sessions did not drain within %s", srv.activeCount(), shutdownDrain)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (srv *Server) activeCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}
