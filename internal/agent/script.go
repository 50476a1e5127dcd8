package agent

import (
	"context"
	"sync"
)

// ScriptAdapter is a test double that plays back a scripted list of events
// per call. It records the Options of every Spawn so tests can assert on
// prompts and resume ids.
type ScriptAdapter struct {
	mu      sync.Mutex
	scripts [][]Event
	calls   []Options

	// Block, when true, makes Spawn wait for ctx cancellation after
	// emitting its events instead of returning.
	Block bool
}

// NewScriptAdapter creates an adapter that replays one event list per Spawn
// call, in order. Calls beyond the scripted list emit nothing.
func NewScriptAdapter(scripts ...[]Event) *ScriptAdapter {
	return &ScriptAdapter{scripts: scripts}
}

// Name returns "script".
func (a *ScriptAdapter) Name() string {
	return "script"
}

// Spawn emits the next scripted event list and returns.
func (a *ScriptAdapter) Spawn(ctx context.Context, opts Options, sink chan<- Event) error {
	defer close(sink)

	a.mu.Lock()
	a.calls = append(a.calls, opts)
	var events []Event
	if len(a.scripts) > 0 {
		events = a.scripts[0]
		a.scripts = a.scripts[1:]
	}
	a.mu.Unlock()

	for _, ev := range events {
		select {
		case sink <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// Calls returns a copy of the Options of every Spawn so far.
func (a *ScriptAdapter) Calls() []Options {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Options, len(a.calls))
	copy(out, a.calls)
	return out
}
