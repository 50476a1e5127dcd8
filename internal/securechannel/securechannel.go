// Package securechannel implements the authenticated-encryption envelope
// that wraps every frame between a device and the orchestrator.
//
// Frames are CBOR-encoded envelopes carrying an XChaCha20-Poly1305
// ciphertext. The version byte is included as additional authenticated data,
// so tampering with it causes authentication failure. Channel keys are
// derived per device from the pairing secret with HKDF-SHA256.
package securechannel

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of a channel key.
const KeySize = 32

// Envelope versions. VersionPlain exists for exactly one server-to-device
// message, auth_error: before a device is identified there is no key to seal
// a reply under.
const (
	VersionPlain  byte = 0x00
	VersionSealed byte = 0x01
)

// hkdfInfoChannel domain-separates channel keys from any future derivation
// of the same pairing secret.
var hkdfInfoChannel = []byte("afar.channel.v1")

// ErrDecrypt is returned when AEAD authentication fails: wrong key or
// tampered frame. Trial-decryption device identification relies on this
// being the only failure mode for a well-formed frame under the wrong key.
var ErrDecrypt = errors.New("securechannel: authentication failed")

// Envelope is the outer frame. N is the 24-byte XChaCha20 nonce; C is
// ciphertext for sealed envelopes and cleartext payload for plain ones.
type Envelope struct {
	V byte   `cbor:"v"`
	N []byte `cbor:"n,omitempty"`
	C []byte `cbor:"c"`
}

// Sealed reports whether the envelope carries ciphertext.
func (e *Envelope) Sealed() bool {
	return e.V == VersionSealed
}

// DeriveKey derives the 32-byte channel key from a pairing secret.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("securechannel: empty pairing secret")
	}
	reader := hkdf.New(sha256.New, secret, nil, hkdfInfoChannel)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("securechannel: deriving channel key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key and returns the encoded frame.
func Seal(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("securechannel: creating cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("securechannel: generating nonce: %w", err)
	}

	env := Envelope{
		V: VersionSealed,
		N: nonce,
		C: aead.Seal(nil, nonce, plaintext, []byte{VersionSealed}),
	}
	frame, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("securechannel: encoding envelope: %w", err)
	}
	return frame, nil
}

// Plain wraps a cleartext payload in an unauthenticated envelope. Only the
// server sends these, and only for auth_error.
func Plain(payload []byte) ([]byte, error) {
	frame, err := cbor.Marshal(Envelope{V: VersionPlain, C: payload})
	if err != nil {
		return nil, fmt.Errorf("securechannel: encoding plain envelope: %w", err)
	}
	return frame, nil
}

// Parse decodes a frame into an envelope without decrypting it.
func Parse(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("securechannel: decoding envelope: %w", err)
	}
	switch env.V {
	case VersionPlain:
		if len(env.N) != 0 {
			return nil, fmt.Errorf("securechannel: plain envelope carries a nonce")
		}
	case VersionSealed:
		if len(env.N) != chacha20poly1305.NonceSizeX {
			return nil, fmt.Errorf("securechannel: envelope nonce is %d bytes, want %d",
				len(env.N), chacha20poly1305.NonceSizeX)
		}
	default:
		return nil, fmt.Errorf("securechannel: unsupported envelope version %d", env.V)
	}
	return &env, nil
}

// Open decrypts a sealed envelope under key. Returns ErrDecrypt when the
// authentication tag does not verify.
func (e *Envelope) Open(key []byte) ([]byte, error) {
	if !e.Sealed() {
		return nil, fmt.Errorf("securechannel: envelope is not sealed")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("securechannel: creating cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, e.N, e.C, []byte{e.V})
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
