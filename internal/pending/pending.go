// Package pending persists questions the agent asked and is suspended on.
// A question is plain data: answering it resumes the agent session with the
// answers folded into the prompt, on this or any other device.
package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/afar/internal/agent"
	"github.com/agusx1211/afar/internal/partial"
	"github.com/agusx1211/afar/pkg/protocol"
)

// ErrNoQuestion is returned when no question is pending for a key.
var ErrNoQuestion = errors.New("pending: no question pending")

// Question is one suspended agent question.
type Question struct {
	ToolUseID string           `json:"tool_use_id"`
	Questions []agent.Question `json:"questions"`
	ProjectID string           `json:"project_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Store persists pending questions keyed by device/project.
type Store struct {
	path string

	mu        sync.Mutex
	questions map[string]Question
}

// Load reads the store file, or starts empty when it does not exist.
func Load(path string) (*Store, error) {
	s := &Store{path: path, questions: make(map[string]Question)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("pending: reading store: %w", err)
	}
	if err := json.Unmarshal(data, &s.questions); err != nil {
		return nil, fmt.Errorf("pending: parsing store: %w", err)
	}
	return s, nil
}

// Record stores a question, replacing any previous one under the same key.
func (s *Store) Record(key partial.Key, q Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[key.String()] = q
	return s.saveLocked()
}

// Get returns the pending question for a key.
func (s *Store) Get(key partial.Key) (Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[key.String()]
	if !ok {
		return Question{}, ErrNoQuestion
	}
	return q, nil
}

// Clear removes the pending question for a key, if any.
func (s *Store) Clear(key partial.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[key.String()]; !ok {
		return nil
	}
	delete(s.questions, key.String())
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.questions, "", "  ")
	if err != nil {
		return fmt.Errorf("pending: encoding store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("pending: creating store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("pending: writing store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("pending: replacing store: %w", err)
	}
	return nil
}

// FormatAnswers renders user answers as the resume prompt for the agent. A
// single unlabeled answer passes through as raw text; anything else becomes a
// labeled list pairing each answer with its question.
func FormatAnswers(q Question, answers []protocol.ToolAnswerItem) string {
	if len(answers) == 1 && answers[0].Question == "" {
		return answers[0].Answer
	}
	var b strings.Builder
	b.WriteString("The user answered your questions:\n")
	for i, a := range answers {
		label := a.Question
		if label == "" && i < len(q.Questions) {
			label = q.Questions[i].Question
		}
		if label != "" {
			fmt.Fprintf(&b, "- %s: %s\n", label, a.Answer)
		} else {
			fmt.Fprintf(&b, "- %s\n", a.Answer)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
