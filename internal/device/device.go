// Package device keeps the registry of paired devices and identifies the
// sender of an incoming frame by trial decryption.
package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agusx1211/afar/internal/securechannel"
)

// ErrUnknownDevice is returned when no registered device's key can open a
// frame. The caller should close the connection so the client re-pairs.
var ErrUnknownDevice = errors.New("device: no registered device can open frame")

// Device is one paired device. Secret is the pairing secret the channel key
// is derived from; PublicKey is its curve25519 fingerprint, shown in listings
// so users can match a device against the QR they scanned.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key"`
	Secret    []byte    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry is the persisted device table plus the derived channel keys.
// Keys are derived once at load/add time, never per frame.
type Registry struct {
	path string

	mu      sync.RWMutex
	devices []Device
	keys    map[string][]byte
}

// Load reads the registry file, or starts empty when it does not exist.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, keys: make(map[string][]byte)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading device registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.devices); err != nil {
		return nil, fmt.Errorf("parsing device registry: %w", err)
	}
	for _, d := range r.devices {
		key, err := securechannel.DeriveKey(d.Secret)
		if err != nil {
			return nil, fmt.Errorf("deriving key for device %s: %w", d.ID, err)
		}
		r.keys[d.ID] = key
	}
	return r, nil
}

// Add registers a device and persists the registry.
func (r *Registry) Add(d Device) error {
	key, err := securechannel.DeriveKey(d.Secret)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.devices {
		if existing.ID == d.ID {
			return fmt.Errorf("device %s already registered", d.ID)
		}
	}
	r.devices = append(r.devices, d)
	r.keys[d.ID] = key
	return r.saveLocked()
}

// Remove unpairs a device. Returns false when the id is not registered.
func (r *Registry) Remove(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.devices {
		if d.ID == id {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			delete(r.keys, id)
			return true, r.saveLocked()
		}
	}
	return false, nil
}

// List returns the registered devices sorted by name.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a device by id.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// ChannelKey returns the derived channel key for a device.
func (r *Registry) ChannelKey(id string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[id]
	return key, ok
}

// Identify tries every registered device's key against a sealed envelope and
// returns the first that opens it, with the decrypted payload. Devices are
// tried in registration order; since keys derive from distinct random
// secrets, at most one can authenticate in practice.
func (r *Registry) Identify(env *securechannel.Envelope) (Device, []byte, []byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		key := r.keys[d.ID]
		plaintext, err := env.Open(key)
		if err == nil {
			return d, key, plaintext, nil
		}
		if !errors.Is(err, securechannel.ErrDecrypt) {
			return Device{}, nil, nil, err
		}
	}
	return Device{}, nil, nil, ErrUnknownDevice
}

func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.devices, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding device registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("creating registry dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing device registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replacing device registry: %w", err)
	}
	return nil
}
