package server

import (
	"context"
	"net"
	"testing"
	"time"

	chatcipher "github.com/lair-chat/lair-chat/internal/cipher"
	"github.com/lair-chat/lair-chat/internal/config"
	"github.com/lair-chat/lair-chat/internal/dispatch"
	"github.com/lair-chat/lair-chat/internal/frame"
	"github.com/lair-chat/lair-chat/internal/ratelimit"
	"github.com/lair-chat/lair-chat/internal/routing"
	"github.com/lair-chat/lair-chat/internal/storage"

	"github.com/lair-chat/lair-chat/internal/auth"
	"github.com/stretchr/testify/require"
)

// startTestServer wires a real in-memory storage + auth + routing +
// dispatch stack, binds an ephemeral TCP port, and runs the accept loop in
// the background. Returns the bound address.
func startTestServer(t *testing.T) string {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SeedLobby(context.Background()))

	cfg := &config.Config{
		Argon2Memory: 8 * 1024, Argon2Iterations: 1, Argon2Parallelism: 1,
		SessionTTLSeconds: 3600, RefreshTTLSeconds: 86400,
		RateLimitPerUserPerMin: 1000, RateLimitPerIPPerMin: 1000,
		LoginFailureLimit: 1000, LoginFailureWindowMinutes: 15,
	}
	rl, err := ratelimit.NewRateLimiter(cfg)
	require.NoError(t, err)

	authSvc := auth.NewService(store, rl, cfg)
	router := routing.NewRouter()
	d := dispatch.NewDispatcher(store, authSvc, router, rl, 4096, time.Hour)
	srv := NewServer("127.0.0.1:0", d, router, rl)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.handleConn(ctx, conn)
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
		<-done
	})
	return ln.Addr().String()
}

func TestSessionHandshakeAuthAndWhoAmI(t *testing.T) {
	addr := startTestServer(t)

	clientConn, err := frame.Dial("tcp", addr, time.Second)
	require.NoError(t, err)
	defer clientConn.Close()

	key, err := chatcipher.ClientHandshake(clientConn)
	require.NoError(t, err)

	send := func(line string) {
		enc, err := chatcipher.Encrypt(key, []byte(line))
		require.NoError(t, err)
		require.NoError(t, clientConn.SendLine(enc))
	}
	receive := func() string {
		line, err := clientConn.ReceiveLine()
		require.NoError(t, err)
		plain, err := chatcipher.Decrypt(key, line)
		require.NoError(t, err)
		return string(plain)
	}

	send("AUTH:REGISTER\nalice\nalice@example.com\npassword123")
	reply := receive()
	require.Contains(t, reply, "AUTH_OK")

	send("WHOAMI")
	reply = receive()
	require.Equal(t, "WHOAMI:alice:User", reply)
}

func TestSessionRejectsVerbsBeforeAuth(t *testing.T) {
	addr := startTestServer(t)

	clientConn, err := frame.Dial("tcp", addr, time.Second)
	require.NoError(t, err)
	defer clientConn.Close()

	key, err := chatcipher.ClientHandshake(clientConn)
	require.NoError(t, err)

	enc, err := chatcipher.Encrypt(key, []byte("LIST_ROOMS"))
	require.NoError(t, err)
	require.NoError(t, clientConn.SendLine(enc))

	line, err := clientConn.ReceiveLine()
	require.NoError(t, err)
	plain, err := chatcipher.Decrypt(key, line)
	require.NoError(t, err)
	require.Contains(t, string(plain), "authentication required")
}
