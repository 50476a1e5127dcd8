// Package jobs tracks the one active agent job allowed per device/project
// pair.
package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agusx1211/afar/internal/partial"
)

// Job is one running agent turn.
type Job struct {
	Key       partial.Key
	StartedAt time.Time

	cancel context.CancelFunc
}

// Table is the mutex-guarded registry of active jobs.
type Table struct {
	mu   sync.Mutex
	jobs map[partial.Key]*Job
}

// NewTable creates an empty job table.
func NewTable() *Table {
	return &Table{jobs: make(map[partial.Key]*Job)}
}

// Start registers a job, cancelling any previous job under the same key.
// A new user message supersedes whatever was running for that pair.
func (t *Table) Start(key partial.Key, cancel context.CancelFunc) *Job {
	job := &Job{Key: key, StartedAt: time.Now().UTC(), cancel: cancel}
	t.mu.Lock()
	prev := t.jobs[key]
	t.jobs[key] = job
	t.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return job
}

// Cancel cancels the active job for a key. Returns false when none runs.
func (t *Table) Cancel(key partial.Key) bool {
	t.mu.Lock()
	job := t.jobs[key]
	delete(t.jobs, key)
	t.mu.Unlock()
	if job == nil {
		return false
	}
	job.cancel()
	return true
}

// Remove deletes a finished job, but only if it is still the registered one.
// A job superseded by Start must not evict its replacement.
func (t *Table) Remove(key partial.Key, job *Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.jobs[key] == job {
		delete(t.jobs, key)
	}
}

// Active returns a snapshot of every running job.
func (t *Table) Active() []*Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, job)
	}
	return out
}

// ActiveProjects returns the sorted project ids with a running job for a
// device.
func (t *Table) ActiveProjects(deviceID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for key := range t.jobs {
		if key.DeviceID == deviceID {
			out = append(out, key.ProjectID)
		}
	}
	sort.Strings(out)
	return out
}

// CancelAll cancels every running job. Used during shutdown.
func (t *Table) CancelAll() {
	t.mu.Lock()
	jobs := make([]*Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		jobs = append(jobs, job)
	}
	t.jobs = make(map[partial.Key]*Job)
	t.mu.Unlock()
	for _, job := range jobs {
		job.cancel()
	}
}
