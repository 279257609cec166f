package cipher

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	server, err := GenerateKeyPair()
	require.NoError(t, err)
	client, err := GenerateKeyPair()
	require.NoError(t, err)

	serverKey, err := server.DeriveSessionKey(client.Public)
	require.NoError(t, err)
	clientKey, err := client.DeriveSessionKey(server.Public)
	require.NoError(t, err)
	require.Equal(t, serverKey, clientKey)

	msgs := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte("x"), 4096),
	}
	for _, m := range msgs {
		encoded, err := Encrypt(serverKey, m)
		require.NoError(t, err)
		plain, err := Decrypt(clientKey, encoded)
		require.NoError(t, err)
		assert.Equal(t, m, plain)
	}
}

func TestEncryptNonceUniqueness(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	key, err := kp.DeriveSessionKey(kp.Public)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		out, err := Encrypt(key, []byte("same plaintext every time"))
		require.NoError(t, err)
		require.False(t, seen[out], "ciphertext repeated, nonce reuse suspected")
		seen[out] = true
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	key, err := kp.DeriveSessionKey(kp.Public)
	require.NoError(t, err)

	encoded, err := Encrypt(key, []byte("integrity matters"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	_, err = Decrypt(key, base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrAuthenticity)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	_, err := Decrypt(SessionKey{}, "not-base64!!!")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decrypt(SessionKey{}, "AAAA")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	keyA, err := a.DeriveSessionKey(a.Public)
	require.NoError(t, err)
	keyB, err := b.DeriveSessionKey(b.Public)
	require.NoError(t, err)

	encoded, err := Encrypt(keyA, []byte("secret"))
	require.NoError(t, err)
	_, err = Decrypt(keyB, encoded)
	assert.ErrorIs(t, err, ErrAuthenticity)
}

func TestPublicKeyEncodeDecodeRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	line := EncodePublic(kp.Public)
	decoded, err := DecodePublic(line)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, decoded)
}

func TestDecodePublicRejectsWrongLength(t *testing.T) {
	_, err := DecodePublic("AAAA")
	assert.Error(t, err)
}
