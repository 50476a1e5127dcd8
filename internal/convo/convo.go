// Package convo persists per-project conversation history as JSON files.
package convo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/afar/pkg/protocol"
)

// ErrInvalidProjectID rejects ids that could escape the conversations dir.
var ErrInvalidProjectID = errors.New("convo: invalid project id")

// ValidateProjectID checks a project id. The empty id is the default project.
func ValidateProjectID(id string) error {
	if id == "" {
		return nil
	}
	if strings.Contains(id, "..") {
		return ErrInvalidProjectID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return ErrInvalidProjectID
		}
	}
	return nil
}

// Message is one conversation entry. Assistant messages carry the streaming
// breakdown (chunks, thinking, tool activity) so clients can re-render them
// the way they streamed; Interrupted marks output that never completed.
type Message struct {
	Role        string                  `json:"role"`
	Content     string                  `json:"content"`
	Task        string                  `json:"task,omitempty"`
	Chunks      []string                `json:"chunks,omitempty"`
	Thinking    string                  `json:"thinking,omitempty"`
	Activity    []protocol.ToolActivity `json:"activity,omitempty"`
	Interrupted bool                    `json:"interrupted,omitempty"`
	StartedAt   time.Time               `json:"started_at,omitempty"`
	CompletedAt time.Time               `json:"completed_at,omitempty"`
}

// Store is a directory of conversation files, one per project.
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("convo: creating store dir: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) path(projectID string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	name := projectID
	if name == "" {
		name = "default"
	}
	return filepath.Join(s.root, name+".json"), nil
}

// Append adds a message to a project's conversation.
func (s *Store) Append(projectID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(projectID)
	if err != nil {
		return err
	}
	messages, err := s.loadLocked(path)
	if err != nil {
		return err
	}
	messages = append(messages, msg)

	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("convo: encoding conversation: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("convo: writing conversation: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("convo: replacing conversation: %w", err)
	}
	return nil
}

// Load returns a project's conversation, empty when none exists yet.
func (s *Store) Load(projectID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(projectID)
	if err != nil {
		return nil, err
	}
	return s.loadLocked(path)
}

// Clear removes a project's conversation file.
func (s *Store) Clear(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(projectID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("convo: removing conversation: %w", err)
	}
	return nil
}

func (s *Store) loadLocked(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("convo: reading conversation: %w", err)
	}
	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("convo: parsing conversation: %w", err)
	}
	return messages, nil
}
