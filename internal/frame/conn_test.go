package frame

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return New(server), New(client)
}

func TestSendReceiveRoundTrip(t *testing.T) {
	a, b := pipeConns(t)
	done := make(chan error, 1)
	go func() { done <- a.SendLine("hello world") }()

	got, err := b.ReceiveLine()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "hello world", got)
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	a, _ := pipeConns(t)
	big := strings.Repeat("x", MaxFrameLen+1)
	err := a.SendLine(big)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReceiveRejectsOversizedFrame(t *testing.T) {
	a, b := pipeConns(t)
	// Write raw bytes directly, bypassing SendLine's size check, to exercise
	// the receiver's own enforcement against a misbehaving peer.
	big := strings.Repeat("x", MaxFrameLen+10) + "\n"
	writeDone := make(chan error, 1)
	go func() {
		_, err := a.conn.Write([]byte(big))
		writeDone <- err
	}()

	_, err := b.ReceiveLine()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	<-writeDone
}

func TestCloseUnblocksReceive(t *testing.T) {
	a, b := pipeConns(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := b.ReceiveLine()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("ReceiveLine did not unblock after Close")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	a, _ := pipeConns(t)
	require.NoError(t, a.Close())
	err := a.SendLine("anything")
	assert.ErrorIs(t, err, ErrClosed)
}
