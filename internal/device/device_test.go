package device

import (
	"bytes"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"

	"github.com/agusx1211/afar/internal/securechannel"
	"github.com/google/uuid"
)

func newTestDevice(t *testing.T, name string) Device {
	t.Helper()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	return Device{ID: uuid.NewString(), Name: name, Secret: secret}
}

func TestIdentify(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "devices.json"))
	if err != nil {
		t.Fatal(err)
	}

	devices := make([]Device, 0, 5)
	for _, name := range []string{"phone", "tablet", "laptop", "desk", "spare"} {
		d := newTestDevice(t, name)
		if err := reg.Add(d); err != nil {
			t.Fatal(err)
		}
		devices = append(devices, d)
	}

	for _, want := range devices {
		key, ok := reg.ChannelKey(want.ID)
		if !ok {
			t.Fatalf("no channel key for %s", want.ID)
		}
		frame, err := securechannel.Seal([]byte(`{"type":"auth"}`), key)
		if err != nil {
			t.Fatal(err)
		}
		env, err := securechannel.Parse(frame)
		if err != nil {
			t.Fatal(err)
		}

		got, gotKey, plaintext, err := reg.Identify(env)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != want.ID {
			t.Errorf("identified %s, want %s", got.ID, want.ID)
		}
		if !bytes.Equal(gotKey, key) {
			t.Error("identify returned a different key")
		}
		if string(plaintext) != `{"type":"auth"}` {
			t.Errorf("plaintext = %q", plaintext)
		}
	}
}

func TestIdentifyUnknownDevice(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "devices.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(newTestDevice(t, "phone")); err != nil {
		t.Fatal(err)
	}

	strangerKey, _ := securechannel.DeriveKey([]byte("never-paired"))
	frame, _ := securechannel.Seal([]byte("x"), strangerKey)
	env, _ := securechannel.Parse(frame)

	if _, _, _, err := reg.Identify(env); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestPersistenceAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	reg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	d := newTestDevice(t, "phone")
	if err := reg.Add(d); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reloaded.Get(d.ID)
	if !ok {
		t.Fatal("device missing after reload")
	}
	if !bytes.Equal(got.Secret, d.Secret) {
		t.Error("secret did not survive reload")
	}
	wantKey, _ := reg.ChannelKey(d.ID)
	gotKey, ok := reloaded.ChannelKey(d.ID)
	if !ok || !bytes.Equal(gotKey, wantKey) {
		t.Error("channel key differs after reload")
	}
}

func TestRemove(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "devices.json"))
	if err != nil {
		t.Fatal(err)
	}
	d := newTestDevice(t, "phone")
	if err := reg.Add(d); err != nil {
		t.Fatal(err)
	}

	removed, err := reg.Remove(d.ID)
	if err != nil || !removed {
		t.Fatalf("remove = %v, %v", removed, err)
	}
	if _, ok := reg.ChannelKey(d.ID); ok {
		t.Error("channel key survived removal")
	}
	removed, err = reg.Remove(d.ID)
	if err != nil || removed {
		t.Errorf("second remove = %v, %v", removed, err)
	}
}

func TestAddDuplicateID(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "devices.json"))
	if err != nil {
		t.Fatal(err)
	}
	d := newTestDevice(t, "phone")
	if err := reg.Add(d); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(d); err == nil {
		t.Error("expected error adding duplicate device id")
	}
}
