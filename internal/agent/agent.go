// Package agent abstracts the coding-agent CLI the orchestrator drives.
//
// An Adapter spawns one agent turn as a subprocess and translates its output
// into a flat stream of Events. Adapters block until the process exits and
// close the sink channel before returning, so the caller can range over it.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event kinds, in the order a typical turn produces them.
const (
	EventThinking   = "thinking"
	EventText       = "text"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventDone       = "done"
	EventError      = "error"
)

// Event is one unit of agent output. Exactly one of the kind-specific field
// groups is meaningful per kind.
type Event struct {
	Kind string

	// thinking / text deltas, done result text, error message
	Text string

	// tool_use / tool_result
	Tool      string
	ToolUseID string
	Input     json.RawMessage
	Output    string
	IsError   bool

	// done (and system init, folded into later events)
	SessionID string
}

// Options configures one agent turn.
type Options struct {
	Prompt          string
	WorkDir         string
	ResumeSessionID string
}

// Adapter runs agent turns. Spawn blocks until the subprocess exits, sending
// events on sink as they are parsed, and closes sink before returning. A turn
// that ends without a done or error event means the process died unexpectedly;
// the caller decides how to surface that.
type Adapter interface {
	Name() string
	Spawn(ctx context.Context, opts Options, sink chan<- Event) error
}

// QuestionTool is the tool name an agent uses to ask the user something
// instead of acting. A tool_use event with this name suspends the turn.
const QuestionTool = "AskUserQuestion"

// Question is one question inside a QuestionTool invocation.
type Question struct {
	Question string           `json:"question"`
	Header   string           `json:"header,omitempty"`
	Options  []QuestionOption `json:"options,omitempty"`
	Multi    bool             `json:"multiSelect,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

type questionInput struct {
	Questions []Question `json:"questions"`
}

// ParseQuestions extracts the question list from a QuestionTool input payload.
func ParseQuestions(input json.RawMessage) ([]Question, error) {
	var parsed questionInput
	if err := json.Unmarshal(input, &parsed); err != nil {
		return nil, fmt.Errorf("agent: parsing question input: %w", err)
	}
	if len(parsed.Questions) == 0 {
		return nil, fmt.Errorf("agent: question input has no questions")
	}
	return parsed.Questions, nil
}
