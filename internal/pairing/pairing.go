// Package pairing creates device credentials and the QR token a new device
// scans to join.
package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"

	"github.com/agusx1211/afar/internal/device"
)

// SecretSize is the size of a freshly generated pairing secret.
const SecretSize = 32

// NewDevice mints credentials for a device being paired. The public key is a
// curve25519 fingerprint of the secret, used for display only.
func NewDevice(name string) (device.Device, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return device.Device{}, fmt.Errorf("pairing: generating secret: %w", err)
	}
	public, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return device.Device{}, fmt.Errorf("pairing: deriving public key: %w", err)
	}
	return device.Device{
		ID:        uuid.NewString(),
		Name:      name,
		PublicKey: hex.EncodeToString(public),
		Secret:    secret,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Token is the payload encoded into the pairing QR code.
type Token struct {
	URL      string `json:"url"`
	DeviceID string `json:"device_id"`
	Secret   []byte `json:"secret"`
}

// Encode serializes the token for QR display.
func (t Token) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("pairing: encoding token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses an encoded pairing token.
func Decode(encoded string) (Token, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Token{}, fmt.Errorf("pairing: decoding token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, fmt.Errorf("pairing: parsing token: %w", err)
	}
	if t.URL == "" || len(t.Secret) == 0 {
		return Token{}, fmt.Errorf("pairing: token missing url or secret")
	}
	return t, nil
}
