// Package cipher implements the per-session encryption used by the chat
// wire protocol: an X25519 handshake followed by AES-256-GCM record
// encryption, with keys derived via a domain-separated SHA-256 hash.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// ErrAuthenticity is returned when a ciphertext fails GCM tag verification.
var ErrAuthenticity = errors.New("cipher: authenticity check failed")

// ErrMalformed is returned when a ciphertext is too short or not valid base64.
var ErrMalformed = errors.New("cipher: malformed ciphertext")

const (
	// nonceSize is the standard AES-GCM nonce length in bytes.
	nonceSize = 12
	// tagSize is the standard AES-GCM authentication tag length in bytes.
	tagSize = 16
	// minRecordLen is nonce + tag with zero-length plaintext.
	minRecordLen = nonceSize + tagSize

	// domainSeparationTag prevents the raw ECDH secret from being reused as
	// a key in any other context.
	domainSeparationTag = "LAIR_CHAT_AES_KEY"
)

// SessionKey is a derived 32-byte AES-256 key, scoped to one connection.
type SessionKey [32]byte

// KeyPair is an ephemeral X25519 keypair used once per handshake.
type KeyPair struct {
	private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a fresh ephemeral X25519 keypair using a CSPRNG.
func GenerateKeyPair() (*KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("cipher: generate private scalar: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("cipher: derive public key: %w", err)
	}
	kp := &KeyPair{private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DeriveSessionKey computes the shared secret via ECDH against peerPublic and
// derives a 32-byte AES key as SHA-256(domainSeparationTag || sharedSecret).
func (kp *KeyPair) DeriveSessionKey(peerPublic [32]byte) (SessionKey, error) {
	shared, err := curve25519.X25519(kp.private[:], peerPublic[:])
	if err != nil {
		return SessionKey{}, fmt.Errorf("cipher: ECDH failed: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(domainSeparationTag))
	h.Write(shared)
	var key SessionKey
	copy(key[:], h.Sum(nil))
	return key, nil
}

// Encrypt produces base64(nonce || ciphertext || tag) for plaintext, using a
// fresh CSPRNG nonce for every call. Reusing a nonce with the same key is
// catastrophic for AES-GCM, so callers must never cache or predict nonces.
func Encrypt(key SessionKey, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("cipher: new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher: new GCM: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("cipher: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt is the inverse of Encrypt. It returns ErrMalformed for invalid
// base64 or undersized input, and ErrAuthenticity if the GCM tag fails.
func Decrypt(key SessionKey, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformed
	}
	if len(raw) < minRecordLen {
		return nil, ErrMalformed
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: new GCM: %w", err)
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticity
	}
	return plaintext, nil
}

// EncodePublic base64-encodes a public key for the handshake line.
func EncodePublic(pub [32]byte) string {
	return base64.StdEncoding.EncodeToString(pub[:])
}

// DecodePublic decodes a base64 handshake line into a public key.
func DecodePublic(line string) ([32]byte, error) {
	var pub [32]byte
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil || len(raw) != 32 {
		return pub, errors.New("cipher: invalid handshake public key")
	}
	copy(pub[:], raw)
	return pub, nil
}
