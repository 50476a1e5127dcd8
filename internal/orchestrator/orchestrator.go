// Package orchestrator ties the stores, the agent adapter, and the device
// connections together: it authenticates devices, runs agent jobs, fans
// output out to every connected device, and queues it for the rest.
package orchestrator

import (
	"encoding/json"
	"sync"

	"golang.org/x/time/rate"

	"github.com/agusx1211/afar/internal/agent"
	"github.com/agusx1211/afar/internal/convo"
	"github.com/agusx1211/afar/internal/debug"
	"github.com/agusx1211/afar/internal/device"
	"github.com/agusx1211/afar/internal/jobs"
	"github.com/agusx1211/afar/internal/offline"
	"github.com/agusx1211/afar/internal/partial"
	"github.com/agusx1211/afar/internal/pending"
	"github.com/agusx1211/afar/pkg/protocol"
)

// Options wires the orchestrator's collaborators.
type Options struct {
	Devices  *device.Registry
	Convos   *convo.Store
	Partials *partial.Store
	Offline  *offline.Log
	Pending  *pending.Store
	Adapter  agent.Adapter

	// Projects maps project ids to working directories. The empty project id
	// runs in DefaultWorkDir.
	Projects       map[string]string
	DefaultWorkDir string

	// Auth attempts allowed per source address. Zero means 1/s with burst 5.
	AuthRate  rate.Limit
	AuthBurst int
}

// Orchestrator is the session hub. One per process.
type Orchestrator struct {
	opts Options
	jobs *jobs.Table

	mu       sync.Mutex
	conns    map[string][]*Conn
	devLocks map[string]*sync.Mutex
	limiters map[string]*rate.Limiter

	wg sync.WaitGroup
}

// New creates an orchestrator. Call Recover before serving connections.
func New(opts Options) *Orchestrator {
	if opts.AuthRate == 0 {
		opts.AuthRate = rate.Limit(1)
		opts.AuthBurst = 5
	}
	if opts.AuthBurst == 0 {
		opts.AuthBurst = 1
	}
	return &Orchestrator{
		opts:     opts,
		jobs:     jobs.NewTable(),
		conns:    make(map[string][]*Conn),
		devLocks: make(map[string]*sync.Mutex),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Recover converts partial responses left over from a previous run into
// interrupted conversation messages. Must run before any job starts.
func (o *Orchestrator) Recover() error {
	return o.opts.Partials.Recover(func(projectID string, msg convo.Message) error {
		return o.opts.Convos.Append(projectID, msg)
	})
}

// Close cancels every running job and waits for their runners to finish.
func (o *Orchestrator) Close() {
	o.jobs.CancelAll()
	o.wg.Wait()
}

// Stats is a point-in-time view for the status endpoint.
type Stats struct {
	Devices     int `json:"devices"`
	Connections int `json:"connections"`
	ActiveJobs  int `json:"active_jobs"`
}

// Stats reports current registry, connection, and job counts.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	conns := 0
	for _, list := range o.conns {
		conns += len(list)
	}
	o.mu.Unlock()
	return Stats{
		Devices:     len(o.opts.Devices.List()),
		Connections: conns,
		ActiveJobs:  len(o.jobs.Active()),
	}
}

// deviceLock returns the per-device mutex that serializes auth replay against
// live fan-out, so a reconnecting device cannot see an event both replayed
// and delivered live.
func (o *Orchestrator) deviceLock(deviceID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.devLocks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		o.devLocks[deviceID] = lock
	}
	return lock
}

// limiter returns the auth rate limiter for a source address.
func (o *Orchestrator) limiter(remote string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	lim, ok := o.limiters[remote]
	if !ok {
		lim = rate.NewLimiter(o.opts.AuthRate, o.opts.AuthBurst)
		o.limiters[remote] = lim
	}
	return lim
}

func (o *Orchestrator) addConn(c *Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conns[c.dev.ID] = append(o.conns[c.dev.ID], c)
}

func (o *Orchestrator) removeConn(c *Conn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.conns[c.dev.ID]
	for i, other := range list {
		if other == c {
			o.conns[c.dev.ID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(o.conns[c.dev.ID]) == 0 {
		delete(o.conns, c.dev.ID)
	}
}

// connectedDevices returns the ids of devices with at least one connection.
func (o *Orchestrator) connectedDevices() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.conns))
	for id := range o.conns {
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) connsFor(deviceID string) []*Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.conns[deviceID]
	out := make([]*Conn, len(list))
	copy(out, list)
	return out
}

// deliver sends one agent-output message to every connected device plus the
// job's originating device. A recipient whose connections all refused the
// frame, whether the disconnected originator or a broadcast recipient with a
// dead or backed-up socket, gets it queued in its own offline log for replay
// on its next connection.
func (o *Orchestrator) deliver(origin partial.Key, msgType string, data any) {
	frame, err := protocol.Encode(msgType, data)
	if err != nil {
		debug.LogKV("orchestrator", "encoding delivery failed", "type", msgType, "err", err.Error())
		return
	}

	recipients := o.connectedDevices()
	seen := false
	for _, id := range recipients {
		if id == origin.DeviceID {
			seen = true
		}
	}
	if !seen {
		recipients = append(recipients, origin.DeviceID)
	}

	for _, deviceID := range recipients {
		lock := o.deviceLock(deviceID)
		lock.Lock()
		accepted := false
		for _, c := range o.connsFor(deviceID) {
			if c.pushSealed(frame) {
				accepted = true
			}
		}
		if !accepted {
			if err := o.opts.Offline.Append(deviceID, msgType, json.RawMessage(frame)); err != nil {
				debug.LogKV("orchestrator", "offline append failed", "device", deviceID, "err", err.Error())
			}
		}
		lock.Unlock()
	}
}

// syncOthers notifies every connected device except the origin about a user
// action. Sync messages are live-only: an offline device reloads the
// conversation instead.
func (o *Orchestrator) syncOthers(originDeviceID, msgType string, data any) {
	frame, err := protocol.Encode(msgType, data)
	if err != nil {
		debug.LogKV("orchestrator", "encoding sync failed", "type", msgType, "err", err.Error())
		return
	}
	for _, deviceID := range o.connectedDevices() {
		if deviceID == originDeviceID {
			continue
		}
		lock := o.deviceLock(deviceID)
		lock.Lock()
		for _, c := range o.connsFor(deviceID) {
			c.pushSealed(frame)
		}
		lock.Unlock()
	}
}
