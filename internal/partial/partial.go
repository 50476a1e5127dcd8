// Package partial buffers in-flight agent output and persists it on a debounce
// timer, so a crash mid-response loses at most one flush interval of text and
// a reconnecting device can repaint the stream so far.
package partial

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/afar/internal/agent"
	"github.com/agusx1211/afar/internal/convo"
	"github.com/agusx1211/afar/internal/debug"
	"github.com/agusx1211/afar/pkg/protocol"
)

// Key identifies one in-flight response: the device that started the job and
// the project it runs in.
type Key struct {
	DeviceID  string
	ProjectID string
}

// String renders the key as the persisted map key.
func (k Key) String() string {
	return k.DeviceID + "/" + k.ProjectID
}

// Response is the recoverable snapshot of an in-flight response.
type Response struct {
	Text      string                  `json:"text,omitempty"`
	Thinking  string                  `json:"thinking,omitempty"`
	Chunks    []string                `json:"chunks,omitempty"`
	Activity  []protocol.ToolActivity `json:"activity,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

type entry struct {
	gen       uint64
	chunks    []string
	current   strings.Builder
	thinking  strings.Builder
	activity  []protocol.ToolActivity
	lastTool  bool
	updatedAt time.Time
}

// chunkOpeners start a new display chunk when a text delta begins with one of
// them; models tend to open a new step this way after a paragraph break is
// swallowed by the CLI.
var chunkOpeners = []string{
	"Now", "Next", "I'll", "I will", "Here", "Based on", "Let me",
	"First", "Then", "Finally",
}

func startsNewChunk(delta string) bool {
	if strings.HasPrefix(delta, "\n\n") {
		return true
	}
	for _, opener := range chunkOpeners {
		if !strings.HasPrefix(delta, opener) {
			continue
		}
		rest := delta[len(opener):]
		if rest == "" || rest[0] == ' ' || rest[0] == ',' {
			return true
		}
	}
	return false
}

// Store owns the in-memory buffers and their disk mirror. All mutation goes
// through the mutex; the flusher goroutine writes dirty entries to disk.
type Store struct {
	path     string
	interval time.Duration

	mu        sync.Mutex
	gen       uint64
	buf       map[Key]*entry
	dirty     map[Key]bool
	persisted map[string]Response

	stop chan struct{}
	done chan struct{}
}

// NewStore creates a store persisting to path, flushing every interval.
func NewStore(path string, interval time.Duration) (*Store, error) {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Store{
		path:      path,
		interval:  interval,
		buf:       make(map[Key]*entry),
		dirty:     make(map[Key]bool),
		persisted: make(map[string]Response),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("partial: reading store: %w", err)
		}
		return s, nil
	}
	if err := json.Unmarshal(data, &s.persisted); err != nil {
		return nil, fmt.Errorf("partial: parsing store: %w", err)
	}
	return s, nil
}

// Start launches the background flusher.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.flushLoop(s.stop, s.done)
}

// Stop flushes once more and stops the flusher.
func (s *Store) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Store) flushLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				debug.LogKV("partial", "flush failed", "err", err.Error())
			}
		case <-stop:
			if err := s.Flush(); err != nil {
				debug.LogKV("partial", "final flush failed", "err", err.Error())
			}
			return
		}
	}
}

// Begin starts a fresh buffer for a job, discarding any stale one. The
// returned generation identifies this job's buffer: a superseded job's late
// Apply or Complete carries a stale generation and is ignored, so it cannot
// touch the replacement job's state under the same key.
func (s *Store) Begin(key Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.buf[key] = &entry{gen: s.gen, updatedAt: time.Now().UTC()}
	s.dirty[key] = true
	return s.gen
}

// Apply folds one agent event into a job's buffer. Events carrying a stale
// generation are dropped. Done and error events are terminal and handled by
// Complete, not here.
func (s *Store) Apply(key Key, gen uint64, ev agent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.buf[key]
	if e == nil || e.gen != gen {
		return
	}

	switch ev.Kind {
	case agent.EventThinking:
		e.thinking.WriteString(ev.Text)
	case agent.EventText:
		if e.lastTool || (e.current.Len() > 0 && startsNewChunk(ev.Text)) {
			if e.current.Len() > 0 {
				e.chunks = append(e.chunks, e.current.String())
				e.current.Reset()
			}
		}
		e.current.WriteString(ev.Text)
		e.lastTool = false
	case agent.EventToolUse:
		e.activity = append(e.activity, protocol.ToolActivity{
			ToolUse: &protocol.ToolUseActivity{Tool: ev.Tool, ID: ev.ToolUseID, Input: ev.Input},
		})
		e.lastTool = true
	case agent.EventToolResult:
		errText := ""
		if ev.IsError {
			errText = ev.Output
		}
		e.activity = append(e.activity, protocol.ToolActivity{
			ToolResult: &protocol.ToolResultActivity{Tool: ev.Tool, Output: ev.Output, Error: errText},
		})
		e.lastTool = true
	default:
		return
	}
	e.updatedAt = time.Now().UTC()
	s.dirty[key] = true
}

func (e *entry) snapshot() Response {
	chunks := make([]string, 0, len(e.chunks)+1)
	chunks = append(chunks, e.chunks...)
	if e.current.Len() > 0 {
		chunks = append(chunks, e.current.String())
	}
	activity := make([]protocol.ToolActivity, len(e.activity))
	copy(activity, e.activity)
	return Response{
		Text:      strings.Join(chunks, ""),
		Thinking:  e.thinking.String(),
		Chunks:    chunks,
		Activity:  activity,
		UpdatedAt: e.updatedAt,
	}
}

// Snapshot returns the current state of a job's buffer, whichever job owns
// it. Used for streaming_restore, where the device wants the live response
// regardless of which job produced it.
func (s *Store) Snapshot(key Key) (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.buf[key]
	if !ok {
		return Response{}, false
	}
	return e.snapshot(), true
}

// SnapshotFor returns a job's buffer only if the job still owns it. A
// superseded job gets ok=false and must not finalize the buffer.
func (s *Store) SnapshotFor(key Key, gen uint64) (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.buf[key]
	if !ok || e.gen != gen {
		return Response{}, false
	}
	return e.snapshot(), true
}

// Complete drops a job's buffer and removes its disk mirror on next flush.
// A stale generation is ignored so a superseded job cannot delete its
// replacement's buffer.
func (s *Store) Complete(key Key, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.buf[key]
	if !ok || e.gen != gen {
		return
	}
	delete(s.buf, key)
	s.dirty[key] = true
}

// Flush writes the state of every dirty entry to disk. The file always holds
// a complete map, so a torn write cannot mix old and new entries.
func (s *Store) Flush() error {
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	for key := range s.dirty {
		if e, ok := s.buf[key]; ok {
			s.persisted[key.String()] = e.snapshot()
		} else {
			delete(s.persisted, key.String())
		}
	}
	s.dirty = make(map[Key]bool)
	snapshot := make(map[string]Response, len(s.persisted))
	for k, v := range s.persisted {
		snapshot[k] = v
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("partial: encoding store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("partial: creating store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("partial: writing store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("partial: replacing store: %w", err)
	}
	return nil
}

// Recover converts every persisted partial left over from a previous run into
// an interrupted assistant message via appendFn, then clears the store. Called
// once at startup before any job runs.
func (s *Store) Recover(appendFn func(projectID string, msg convo.Message) error) error {
	s.mu.Lock()
	leftovers := s.persisted
	s.persisted = make(map[string]Response)
	s.buf = make(map[Key]*entry)
	s.dirty = make(map[Key]bool)
	s.mu.Unlock()

	keys := make([]string, 0, len(leftovers))
	for k := range leftovers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		resp := leftovers[k]
		if resp.Text == "" && resp.Thinking == "" && len(resp.Activity) == 0 {
			continue
		}
		projectID := ""
		if i := strings.Index(k, "/"); i >= 0 {
			projectID = k[i+1:]
		}
		msg := convo.Message{
			Role:        "assistant",
			Content:     resp.Text,
			Chunks:      resp.Chunks,
			Thinking:    resp.Thinking,
			Activity:    resp.Activity,
			Interrupted: true,
			CompletedAt: resp.UpdatedAt,
		}
		if err := appendFn(projectID, msg); err != nil {
			return fmt.Errorf("partial: recovering %s: %w", k, err)
		}
		debug.LogKV("partial", "recovered interrupted response", "key", k, "text_len", len(resp.Text))
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("partial: clearing store: %w", err)
	}
	return nil
}
