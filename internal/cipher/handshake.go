package cipher

import "fmt"

// LineWriter and LineReader are the minimal transport primitives the
// handshake needs; internal/frame.Conn satisfies both.
type LineWriter interface {
	SendLine(line string) error
}

type LineReader interface {
	ReceiveLine() (string, error)
}

// ServerHandshake performs the server side of the X25519 handshake: send our
// ephemeral public key first, then read the client's. No further key
// rotation occurs within the session.
func ServerHandshake(conn interface {
	LineWriter
	LineReader
}) (SessionKey, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return SessionKey{}, err
	}
	if err := conn.SendLine(EncodePublic(kp.Public)); err != nil {
		return SessionKey{}, fmt.Errorf("cipher: send server public key: %w", err)
	}
	line, err := conn.ReceiveLine()
	if err != nil {
		return SessionKey{}, fmt.Errorf("cipher: receive client public key: %w", err)
	}
	peer, err := DecodePublic(line)
	if err != nil {
		return SessionKey{}, err
	}
	return kp.DeriveSessionKey(peer)
}

// ClientHandshake performs the client side: read the server's public key
// line first, then respond with ours.
func ClientHandshake(conn interface {
	LineWriter
	LineReader
}) (SessionKey, error) {
	line, err := conn.ReceiveLine()
	if err != nil {
		return SessionKey{}, fmt.Errorf("cipher: receive server public key: %w", err)
	}
	peer, err := DecodePublic(line)
	if err != nil {
		return SessionKey{}, err
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return SessionKey{}, err
	}
	if err := conn.SendLine(EncodePublic(kp.Public)); err != nil {
		return SessionKey{}, fmt.Errorf("cipher: send client public key: %w", err)
	}
	return kp.DeriveSessionKey(peer)
}
