package orchestrator

import (
	"sync"

	"github.com/agusx1211/afar/internal/debug"
	"github.com/agusx1211/afar/internal/device"
	"github.com/agusx1211/afar/internal/eventq"
	"github.com/agusx1211/afar/internal/partial"
	"github.com/agusx1211/afar/internal/securechannel"
	"github.com/agusx1211/afar/pkg/protocol"
)

// Close codes the orchestrator terminates connections with. 4401 tells the
// client its credentials are not recognized and it must re-pair; retrying is
// pointless. 4400 marks protocol violations.
const (
	CloseMalformed      = 4400
	CloseRepairRequired = 4401
	CloseRateLimited    = 4429
)

// outBufSize bounds the per-connection send queue. A device too slow to
// drain it loses live deltas rather than stalling the job; the finalized
// message still reaches it through the conversation store.
const outBufSize = 256

// Conn is one device connection. The transport layer feeds it raw frames via
// HandleFrame and drains Out into the socket.
type Conn struct {
	orch   *Orchestrator
	remote string

	dev    device.Device
	key    []byte
	authed bool

	out  chan []byte
	done chan struct{}
	once sync.Once

	closeMu     sync.Mutex
	closeCode   int
	closeReason string
}

// NewConn creates the connection state for one transport connection. remote
// is the source address used for auth rate limiting.
func (o *Orchestrator) NewConn(remote string) *Conn {
	return &Conn{
		orch:   o,
		remote: remote,
		out:    make(chan []byte, outBufSize),
		done:   make(chan struct{}),
	}
}

// Out is the queue of encoded frames to write to the socket.
func (c *Conn) Out() <-chan []byte {
	return c.out
}

// Done is closed when the connection should be torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// CloseInfo returns the close code and reason set by a fatal error, or zero
// when the connection ended normally.
func (c *Conn) CloseInfo() (int, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeReason
}

// Close detaches the connection from the orchestrator. Idempotent; the
// transport layer calls it when the socket ends for any reason.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.authed {
			c.orch.removeConn(c)
			debug.LogKV("orchestrator", "device disconnected", "device", c.dev.ID, "name", c.dev.Name)
		}
	})
}

// fail records a fatal close and tears the connection down.
func (c *Conn) fail(code int, reason string) {
	c.closeMu.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
		c.closeReason = reason
	}
	c.closeMu.Unlock()
	c.Close()
}

// pushSealed seals an encoded plaintext frame under the connection key and
// queues it. Returns false when the connection is gone or the queue is full.
func (c *Conn) pushSealed(plaintext []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	frame, err := securechannel.Seal(plaintext, c.key)
	if err != nil {
		debug.LogKV("orchestrator", "sealing frame failed", "device", c.dev.ID, "err", err.Error())
		return false
	}
	return eventq.Offer(c.out, frame)
}

// pushSealedBlocking seals and queues one frame, waiting for queue room
// instead of dropping. Used for offline replay, where a dropped frame would
// be acknowledged without ever reaching the device. Returns false once the
// connection is gone.
func (c *Conn) pushSealedBlocking(plaintext []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	frame, err := securechannel.Seal(plaintext, c.key)
	if err != nil {
		debug.LogKV("orchestrator", "sealing frame failed", "device", c.dev.ID, "err", err.Error())
		return false
	}
	select {
	case c.out <- frame:
		return true
	case <-c.done:
		return false
	}
}

// pushMsg encodes, seals, and queues one typed message.
func (c *Conn) pushMsg(msgType string, data any) bool {
	plaintext, err := protocol.Encode(msgType, data)
	if err != nil {
		debug.LogKV("orchestrator", "encoding message failed", "type", msgType, "err", err.Error())
		return false
	}
	return c.pushSealed(plaintext)
}

// pushPlain queues an unencrypted frame. Pre-auth auth_error only.
func (c *Conn) pushPlain(msgType string, data any) {
	plaintext, err := protocol.Encode(msgType, data)
	if err != nil {
		return
	}
	frame, err := securechannel.Plain(plaintext)
	if err != nil {
		return
	}
	eventq.Offer(c.out, frame)
}

// HandleFrame processes one raw frame from the socket. The first frame must
// be a sealed auth message; everything after decrypts under the cached
// connection key.
func (c *Conn) HandleFrame(frame []byte) {
	env, err := securechannel.Parse(frame)
	if err != nil {
		c.fail(CloseMalformed, "malformed frame")
		return
	}
	if !c.authed {
		c.handleAuth(env)
		return
	}
	plaintext, err := env.Open(c.key)
	if err != nil {
		c.fail(CloseMalformed, "undecryptable frame")
		return
	}
	c.dispatch(plaintext)
}

// handleAuth identifies the device by trial decryption and, under the device
// delivery lock, replays everything the device missed before it can receive
// live traffic: auth_ok, one streaming_restore per active job, then the
// offline queue in order.
func (c *Conn) handleAuth(env *securechannel.Envelope) {
	if !env.Sealed() {
		c.fail(CloseMalformed, "auth frame not sealed")
		return
	}
	if !c.orch.limiter(c.remote).Allow() {
		c.pushPlain(protocol.MsgAuthError, protocol.WireAuthError{Reason: protocol.AuthRateLimited})
		c.fail(CloseRateLimited, "too many auth attempts")
		return
	}

	dev, key, plaintext, err := c.orch.opts.Devices.Identify(env)
	if err != nil {
		debug.LogKV("orchestrator", "auth failed", "remote", c.remote, "err", err.Error())
		c.fail(CloseRepairRequired, "unknown device")
		return
	}
	msg, err := protocol.DecodeMsg(plaintext)
	if err != nil || msg.Type != protocol.MsgAuth {
		c.fail(CloseMalformed, "expected auth message")
		return
	}

	lock := c.orch.deviceLock(dev.ID)
	lock.Lock()
	defer lock.Unlock()

	c.dev = dev
	c.key = key
	c.authed = true

	active := c.orch.jobs.ActiveProjects(dev.ID)
	c.pushMsg(protocol.MsgAuthOK, protocol.WireAuthOK{DeviceID: dev.ID, ActiveProjects: active})

	for _, projectID := range active {
		jobKey := partial.Key{DeviceID: dev.ID, ProjectID: projectID}
		if resp, ok := c.orch.opts.Partials.Snapshot(jobKey); ok {
			c.pushMsg(protocol.MsgStreamingRestore, protocol.WireStreamingRestore{
				ProjectID: projectID,
				Text:      resp.Text,
				Thinking:  resp.Thinking,
				Chunks:    resp.Chunks,
				Activity:  resp.Activity,
			})
		}
	}

	records, err := c.orch.opts.Offline.Replay(dev.ID)
	if err != nil {
		debug.LogKV("orchestrator", "offline replay failed", "device", dev.ID, "err", err.Error())
	}
	replayed := 0
	for _, rec := range records {
		// Replay blocks on the send queue: the cursor only moves past
		// records the transport accepted, so nothing queued is ever lost
		// to backpressure.
		if !c.pushSealedBlocking(rec.Payload) {
			debug.LogKV("orchestrator", "replay aborted",
				"device", dev.ID, "seq", rec.Seq, "remaining", len(records)-replayed)
			break
		}
		if err := c.orch.opts.Offline.Advance(dev.ID, rec.Seq); err != nil {
			debug.LogKV("orchestrator", "advancing replay cursor failed",
				"device", dev.ID, "seq", rec.Seq, "err", err.Error())
			break
		}
		replayed++
	}

	c.orch.addConn(c)
	debug.LogKV("orchestrator", "device authenticated",
		"device", dev.ID, "name", dev.Name, "remote", c.remote,
		"active_projects", len(active), "replayed", replayed)
}
