package client

import (
	"context"
	"net"
	"testing"
	"time"

	chatcipher "github.com/lair-chat/lair-chat/internal/cipher"
	"github.com/lair-chat/lair-chat/internal/frame"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	messages []string
	errors   []string
	statuses []bool
}

func (o *recordingObserver) OnMessage(text string)      { o.messages = append(o.messages, text) }
func (o *recordingObserver) OnError(text string)        { o.errors = append(o.errors, text) }
func (o *recordingObserver) OnStatusChange(up bool)      { o.statuses = append(o.statuses, up) }

// fakeServer performs one handshake then replies to every received line
// according to respond, until the connection closes.
func fakeServer(t *testing.T, ln net.Listener, respond func(key chatcipher.SessionKey, line string) (string, bool)) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fc := frame.New(conn)
		key, err := chatcipher.ServerHandshake(fc)
		if err != nil {
			return
		}
		for {
			line, err := fc.ReceiveLine()
			if err != nil {
				return
			}
			plaintext, err := chatcipher.Decrypt(key, line)
			if err != nil {
				return
			}
			reply, ok := respond(key, string(plaintext))
			if !ok {
				continue
			}
			enc, err := chatcipher.Encrypt(key, []byte(reply))
			if err != nil {
				return
			}
			if err := fc.SendLine(enc); err != nil {
				return
			}
		}
	}()
}

func TestConnectEstablishesSessionKeyAndObservesStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fakeServer(t, ln, func(chatcipher.SessionKey, string) (string, bool) { return "", false })

	mgr := NewConnectionManager(ConnectionConfig{Address: ln.Addr().String()}, nil)
	obs := &recordingObserver{}
	mgr.RegisterObserver(obs)

	require.NoError(t, mgr.Connect(context.Background()))
	require.Equal(t, StatusConnected, mgr.GetStatus())
	require.NoError(t, mgr.Disconnect())
	require.Equal(t, StatusDisconnected, mgr.GetStatus())
}

func TestLoginResolvesPendingFutureOnAuthOK(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fakeServer(t, ln, func(_ chatcipher.SessionKey, line string) (string, bool) {
		return "AUTH_OK:1:alice:User", true
	})

	mgr := NewConnectionManager(ConnectionConfig{Address: ln.Addr().String()}, nil)
	require.NoError(t, mgr.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := mgr.Login(ctx, "alice", "password123")
	require.NoError(t, err)
	require.Equal(t, "alice", state.Username)
	require.Equal(t, StatusAuthenticated, mgr.GetStatus())
}

func TestLoginResolvesPendingFutureOnError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fakeServer(t, ln, func(_ chatcipher.SessionKey, line string) (string, bool) {
		return "SYSTEM_MESSAGE:ERROR: invalid credentials", true
	})

	mgr := NewConnectionManager(ConnectionConfig{Address: ln.Addr().String()}, nil)
	require.NoError(t, mgr.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = mgr.Login(ctx, "alice", "wrong")
	require.Error(t, err)
	require.Equal(t, StatusConnected, mgr.GetStatus())
}

func TestSendMessageRequiresAuthentication(t *testing.T) {
	mgr := NewConnectionManager(ConnectionConfig{Address: "127.0.0.1:0"}, nil)
	require.Error(t, mgr.SendMessage("hello"))
}

func TestDispatchIncomingRoutesChatToObserver(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fakeServer(t, ln, func(_ chatcipher.SessionKey, line string) (string, bool) {
		return "CHAT:bob:hi there", true
	})

	mgr := NewConnectionManager(ConnectionConfig{Address: ln.Addr().String()}, nil)
	obs := &recordingObserver{}
	mgr.RegisterObserver(obs)
	require.NoError(t, mgr.Connect(context.Background()))

	require.NoError(t, mgr.sendLine("PING"))
	require.Eventually(t, func() bool { return len(obs.messages) > 0 }, time.Second, 10*time.Millisecond)
	require.Contains(t, obs.messages[0], "CHAT:bob:hi there")
}

func TestDispatchIncomingFeedsDMEngine(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fakeServer(t, ln, func(_ chatcipher.SessionKey, line string) (string, bool) {
		return "DM_FROM:bob:hey there", true
	})

	mgr := NewConnectionManager(ConnectionConfig{Address: ln.Addr().String()}, nil)
	require.NoError(t, mgr.Connect(context.Background()))

	require.NoError(t, mgr.sendLine("PING"))
	require.Eventually(t, func() bool { return mgr.DM().UnreadCount("bob") == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, mgr.DM().TotalUnreadCount())
}

func TestSetFocusedConversationMarksIncomingDMRead(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fakeServer(t, ln, func(_ chatcipher.SessionKey, line string) (string, bool) {
		return "DM_FROM:bob:hey there", true
	})

	mgr := NewConnectionManager(ConnectionConfig{Address: ln.Addr().String()}, nil)
	mgr.SetFocusedConversation("bob")
	require.NoError(t, mgr.Connect(context.Background()))

	require.NoError(t, mgr.sendLine("PING"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, mgr.DM().UnreadCount("bob"))
}
