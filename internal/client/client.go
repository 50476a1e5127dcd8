// Package client implements the device side of the channel: it dials the
// orchestrator, authenticates, keeps the connection alive with backoff, and
// exposes the user actions a device can take.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agusx1211/afar/internal/debug"
	"github.com/agusx1211/afar/internal/securechannel"
	"github.com/agusx1211/afar/pkg/protocol"
)

// ErrRepairRequired means the server does not recognize this device's key.
// Reconnecting will not help; the device must pair again.
var ErrRepairRequired = errors.New("client: device not recognized, re-pair required")

const (
	backoffBase = time.Second
	backoffMax  = 30 * time.Second
	closeRepair = 4401
)

// Handlers receives connection events. Nil handlers are skipped.
type Handlers struct {
	// OnConnect fires after auth_ok, before any replayed traffic.
	OnConnect func(ok protocol.WireAuthOK)
	// OnMessage fires for every decrypted server message after auth_ok.
	OnMessage func(msg *protocol.WireMsg)
	// OnDisconnect fires when a session ends and the client will back off.
	OnDisconnect func(err error)
}

// Client is one device connection manager.
type Client struct {
	url      string
	key      []byte
	handlers Handlers

	mu sync.Mutex
	ws *websocket.Conn
}

// New creates a client for the orchestrator at url, deriving the channel key
// from the device's pairing secret.
func New(url string, secret []byte, handlers Handlers) (*Client, error) {
	key, err := securechannel.DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return &Client{url: url, key: key, handlers: handlers}, nil
}

// Run connects and keeps reconnecting with exponential backoff until ctx is
// cancelled or the server rejects the device's credentials.
func (c *Client) Run(ctx context.Context) error {
	backoff := backoffBase
	for {
		authed, err := c.session(ctx)
		if errors.Is(err, ErrRepairRequired) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(err)
		}
		if authed {
			backoff = backoffBase
		}
		debug.LogKV("client", "session ended", "err", fmt.Sprint(err), "backoff", backoff.String())

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

// session runs one connection to completion. Returns whether auth succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	ws, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("client: dialing: %w", err)
	}
	defer ws.CloseNow()

	auth, err := protocol.Encode(protocol.MsgAuth, protocol.WireAuth{SentAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	frame, err := securechannel.Seal(auth, c.key)
	if err != nil {
		return false, err
	}
	if err := ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return false, fmt.Errorf("client: sending auth: %w", err)
	}

	authed := false
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == closeRepair {
				return authed, ErrRepairRequired
			}
			return authed, err
		}
		msg, err := c.decode(data)
		if err != nil {
			debug.LogKV("client", "dropping frame", "err", err.Error())
			continue
		}

		switch {
		case !authed && msg.Type == protocol.MsgAuthOK:
			authed = true
			c.setConn(ws)
			defer c.setConn(nil)
			if c.handlers.OnConnect != nil {
				ok, err := protocol.DecodeData[protocol.WireAuthOK](msg)
				if err == nil {
					c.handlers.OnConnect(*ok)
				}
			}
		case msg.Type == protocol.MsgAuthError:
			data, err := protocol.DecodeData[protocol.WireAuthError](msg)
			if err == nil && data.Reason == protocol.AuthRateLimited {
				return authed, fmt.Errorf("client: auth rate limited")
			}
			return authed, fmt.Errorf("client: auth rejected")
		default:
			if c.handlers.OnMessage != nil {
				c.handlers.OnMessage(msg)
			}
		}
	}
}

// decode unwraps one server frame. Plain envelopes carry pre-auth errors.
func (c *Client) decode(frame []byte) (*protocol.WireMsg, error) {
	env, err := securechannel.Parse(frame)
	if err != nil {
		return nil, err
	}
	plaintext := env.C
	if env.Sealed() {
		plaintext, err = env.Open(c.key)
		if err != nil {
			return nil, err
		}
	}
	return protocol.DecodeMsg(plaintext)
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// send seals and writes one message on the active connection.
func (c *Client) send(ctx context.Context, msgType string, data any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("client: not connected")
	}
	plaintext, err := protocol.Encode(msgType, data)
	if err != nil {
		return err
	}
	frame, err := securechannel.Seal(plaintext, c.key)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageBinary, frame)
}

// SendMessage submits a user prompt for a project.
func (c *Client) SendMessage(ctx context.Context, projectID, text string) error {
	return c.send(ctx, protocol.MsgMessage, protocol.WireUserMessage{Text: text, ProjectID: projectID})
}

// Cancel cancels this device's running job for a project.
func (c *Client) Cancel(ctx context.Context, projectID string) error {
	return c.send(ctx, protocol.MsgCancel, protocol.WireCancel{ProjectID: projectID})
}

// Answer responds to a pending agent question.
func (c *Client) Answer(ctx context.Context, projectID, toolUseID string, answers []protocol.ToolAnswerItem) error {
	return c.send(ctx, protocol.MsgToolAnswer, protocol.WireToolAnswer{
		ToolUseID: toolUseID,
		Answers:   answers,
		ProjectID: projectID,
	})
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}
