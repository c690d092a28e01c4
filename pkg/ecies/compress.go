package ecies

import (
	"bytes"
	"compress/flate"
	"errors"
	"io"
)

// Message plaintexts pass through a one-byte envelope before encryption so
// that decompression is deterministic on the way out:
//
//	0x00 ‖ raw bytes
//	0x01 ‖ raw-deflate stream
//
// Compression is applied only when it actually helps (see compressThreshold
// and the post-compression size check); tiny or incompressible payloads are
// stored raw.

const (
	envelopeRaw      byte = 0x00
	envelopeDeflated byte = 0x01

	// compressThreshold is the minimum plaintext size worth running deflate
	// on. Short chat messages almost never win after stream overhead.
	compressThreshold = 128
)

// ErrInvalidEnvelope is returned for an empty or unknown-flag envelope.
var ErrInvalidEnvelope = errors.New("ecies: invalid compression envelope")

// Pack wraps plaintext in the compression envelope, deflating when the
// result is actually smaller.
func Pack(plaintext []byte) ([]byte, error) {
	if len(plaintext) >= compressThreshold {
		var buf bytes.Buffer
		buf.WriteByte(envelopeDeflated)
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(plaintext); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		if buf.Len() < 1+len(plaintext) {
			return buf.Bytes(), nil
		}
	}

	out := make([]byte, 0, 1+len(plaintext))
	out = append(out, envelopeRaw)
	return append(out, plaintext...), nil
}

// Unpack reverses Pack.
func Unpack(envelope []byte) ([]byte, error) {
	if len(envelope) == 0 {
		return nil, ErrInvalidEnvelope
	}
	body := envelope[1:]
	switch envelope[0] {
	case envelopeRaw:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case envelopeDeflated:
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, ErrInvalidEnvelope
	}
}

// EncryptPacked is the composition used for message bodies and titles:
// envelope then seal.
func EncryptPacked(recipientPub, plaintext []byte) ([]byte, error) {
	packed, err := Pack(plaintext)
	if err != nil {
		return nil, err
	}
	return Encrypt(recipientPub, packed)
}

// DecryptPacked reverses EncryptPacked.
func DecryptPacked(recipientPriv, blob []byte) ([]byte, error) {
	packed, err := Decrypt(recipientPriv, blob)
	if err != nil {
		return nil, err
	}
	return Unpack(packed)
}
