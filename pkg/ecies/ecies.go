// Package ecies implements the single ciphertext construction used by the
// chat core: X25519 key agreement, HKDF-SHA256 key derivation and
// XChaCha20-Poly1305 sealing, framed as
//
//	version (1B, 0x01) ‖ ephemeral public key (32B) ‖ ciphertext ‖ tag (16B)
//
// Every encrypted blob in the system (messages, epoch member wraps, chain
// links, titles, shared messages) is produced by Encrypt and consumed by
// Decrypt. The package also provides X25519 key-pair helpers and the epoch
// confirmation hash.
package ecies

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// Version is the only supported blob version byte.
	Version byte = 0x01
	// KeySize is the size of X25519 public and private keys.
	KeySize = 32
	// Overhead is the fixed blob expansion: version + ephemeral public key +
	// Poly1305 tag.
	Overhead = 1 + KeySize + chacha20poly1305.Overhead

	kdfInfo = "ecies-xchacha20-v1"
)

var (
	// ErrInvalidBlob is returned for blobs too short to carry the framing.
	ErrInvalidBlob = errors.New("ecies: blob too short")
	// ErrUnknownVersion is returned for an unrecognized version byte.
	ErrUnknownVersion = errors.New("ecies: unknown blob version")
	// ErrInvalidKey is returned for keys of the wrong length.
	ErrInvalidKey = errors.New("ecies: key must be 32 bytes")
	// ErrDecrypt is returned when authentication fails: the blob was
	// tampered with or the private key is wrong.
	ErrDecrypt = errors.New("ecies: authentication failed")
)

// deriveKey computes the per-operation symmetric key:
// HKDF-SHA256(ikm = X25519 shared secret, salt = ephemeralPub ‖ recipientPub).
func deriveKey(shared, ephemeralPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared, salt, []byte(kdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext for the holder of recipientPub. Each call draws a
// fresh ephemeral key pair, so the derived symmetric key is unique per
// operation and the all-zero XChaCha20 nonce never repeats for a given key.
func Encrypt(recipientPub, plaintext []byte) ([]byte, error) {
	if len(recipientPub) != KeySize {
		return nil, ErrInvalidKey
	}

	ephemeralPriv := make([]byte, KeySize)
	if _, err := rand.Read(ephemeralPriv); err != nil {
		return nil, err
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(ephemeralPriv, recipientPub)
	if err != nil {
		return nil, err
	}

	key, err := deriveKey(shared, ephemeralPub, recipientPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, Overhead+len(plaintext))
	blob = append(blob, Version)
	blob = append(blob, ephemeralPub...)

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	return aead.Seal(blob, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt with the recipient's private key.
// An authentication failure is fatal for the blob: either it was corrupted
// in storage/transit or the key is not the one it was sealed for.
func Decrypt(recipientPriv, blob []byte) ([]byte, error) {
	if len(recipientPriv) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(blob) < Overhead {
		return nil, ErrInvalidBlob
	}
	if blob[0] != Version {
		return nil, ErrUnknownVersion
	}

	ephemeralPub := blob[1 : 1+KeySize]
	ciphertext := blob[1+KeySize:]

	shared, err := curve25519.X25519(recipientPriv, ephemeralPub)
	if err != nil {
		return nil, err
	}

	recipientPub, err := curve25519.X25519(recipientPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	key, err := deriveKey(shared, ephemeralPub, recipientPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// GenerateKeyPair returns a fresh X25519 (public, private) pair.
func GenerateKeyPair() (pub, priv []byte, err error) {
	priv = make([]byte, KeySize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// PublicKey derives the X25519 public key for priv.
func PublicKey(priv []byte) ([]byte, error) {
	if len(priv) != KeySize {
		return nil, ErrInvalidKey
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// ConfirmationHash returns the 32-byte blake3 hash of an epoch private key.
// It is stored on the epoch row so clients can cheaply verify an unwrapped
// candidate key before attempting message decryption.
func ConfirmationHash(priv []byte) [32]byte {
	return blake3.Sum256(priv)
}

// VerifyConfirmation compares hash(priv) against want in constant time.
func VerifyConfirmation(priv []byte, want []byte) bool {
	got := ConfirmationHash(priv)
	return hmac.Equal(got[:], want)
}
