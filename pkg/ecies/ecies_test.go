package ecies

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	for _, msg := range [][]byte{
		[]byte("hi"),
		[]byte(""),
		bytes.Repeat([]byte("long plaintext "), 1000),
	} {
		blob, err := Encrypt(pub, msg)
		require.NoError(t, err)
		assert.Equal(t, len(msg)+Overhead, len(blob))

		got, err := Decrypt(priv, blob)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	blob, err := Encrypt(pub, []byte("secret"))
	require.NoError(t, err)

	// Flip one ciphertext bit.
	blob[len(blob)-1] ^= 0x01
	_, err = Decrypt(priv, blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	_, otherPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	blob, err := Encrypt(pub, []byte("secret"))
	require.NoError(t, err)
	_, err = Decrypt(otherPriv, blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptRejectsMalformedBlob(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = Decrypt(priv, nil)
	assert.ErrorIs(t, err, ErrInvalidBlob)

	_, err = Decrypt(priv, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrInvalidBlob)

	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	blob, err := Encrypt(pub, []byte("x"))
	require.NoError(t, err)
	blob[0] = 0x7f
	_, err = Decrypt(priv, blob)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestEncryptRejectsBadKeyLength(t *testing.T) {
	_, err := Encrypt([]byte("short"), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestConfirmationHash(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	h := ConfirmationHash(priv)

	assert.True(t, VerifyConfirmation(priv, h[:]))

	_, other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, VerifyConfirmation(other, h[:]))
}

func TestPackCompressesLargePayloads(t *testing.T) {
	big := bytes.Repeat([]byte("abcdefgh"), 512)
	env, err := Pack(big)
	require.NoError(t, err)
	assert.Less(t, len(env), len(big), "compressible payload should shrink")

	got, err := Unpack(env)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestPackKeepsSmallPayloadsRaw(t *testing.T) {
	small := []byte("tiny")
	env, err := Pack(small)
	require.NoError(t, err)
	assert.Equal(t, len(small)+1, len(env))

	got, err := Unpack(env)
	require.NoError(t, err)
	assert.Equal(t, small, got)
}

func TestEncryptPackedRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := bytes.Repeat([]byte("conversation history "), 200)
	blob, err := EncryptPacked(pub, msg)
	require.NoError(t, err)

	got, err := DecryptPacked(priv, blob)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}
