package client

import (
	"context"
	"testing"
	"time"
)

func TestNextBackoff(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{time.Second, 2 * time.Second},
		{2 * time.Second, 4 * time.Second},
		{16 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := nextBackoff(tc.in); got != tc.want {
			t.Errorf("nextBackoff(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewRejectsEmptySecret(t *testing.T) {
	if _, err := New("ws://localhost/ws", nil, Handlers{}); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestSendRequiresConnection(t *testing.T) {
	c, err := New("ws://localhost/ws", []byte("secret"), Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendMessage(context.Background(), "", "hi"); err == nil {
		t.Error("expected error when not connected")
	}
}
