package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/agusx1211/afar/internal/debug"
)

const maxLineSize = 1024 * 1024 // 1 MB

// ClaudeConfig selects the claude binary and its extra flags.
type ClaudeConfig struct {
	Command string
	Args    []string
}

// ClaudeAdapter runs Anthropic's claude CLI in non-interactive streaming
// mode and translates its stream-json NDJSON output into Events.
type ClaudeAdapter struct {
	cfg ClaudeConfig
}

// NewClaudeAdapter creates an adapter for the claude CLI.
func NewClaudeAdapter(cfg ClaudeConfig) *ClaudeAdapter {
	return &ClaudeAdapter{cfg: cfg}
}

// Name returns "claude".
func (a *ClaudeAdapter) Name() string {
	return "claude"
}

// Spawn executes one claude turn.
//
// --print enables non-interactive mode with the prompt on stdin;
// --output-format stream-json emits NDJSON events and requires --verbose.
// --resume continues a previous session when opts.ResumeSessionID is set.
func (a *ClaudeAdapter) Spawn(ctx context.Context, opts Options, sink chan<- Event) error {
	defer close(sink)

	cmdName := a.cfg.Command
	if cmdName == "" {
		cmdName = "claude"
	}

	args := make([]string, 0, len(a.cfg.Args)+6)
	args = append(args, a.cfg.Args...)
	args = append(args, "--print", "--output-format", "stream-json", "--verbose")
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	debug.LogKV("agent.claude", "spawning",
		"binary", cmdName,
		"args", strings.Join(args, " "),
		"workdir", opts.WorkDir,
		"prompt_len", len(opts.Prompt),
		"resume_session", opts.ResumeSessionID,
	)

	cmd := exec.CommandContext(ctx, cmdName, args...)
	cmd.Dir = opts.WorkDir
	cmd.Stdin = strings.NewReader(opts.Prompt)
	// Own process group so cancellation kills the whole tree; Node-based CLIs
	// spawn children that would otherwise hold the stdout pipe open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agent: starting %s: %w", cmdName, err)
	}

	parseStream(ctx, stdout, sink)

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("agent: %s exited: %w", cmdName, err)
	}
	return ctx.Err()
}

// claudeEvent is the top-level structure of one stream-json NDJSON line.
type claudeEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init
	SessionID string `json:"session_id,omitempty"`

	// assistant and user events carry a full message payload
	Message *claudeMessage `json:"message,omitempty"`

	// result
	IsError    bool   `json:"is_error,omitempty"`
	ResultText string `json:"result,omitempty"`
}

type claudeMessage struct {
	Role    string               `json:"role,omitempty"`
	Content []claudeContentBlock `json:"content,omitempty"`
}

type claudeContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	ID       string          `json:"id,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// parseStream reads NDJSON lines and emits the Events they map to.
func parseStream(ctx context.Context, r io.Reader, sink chan<- Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, maxLineSize), maxLineSize)

	var sessionID string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev claudeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			debug.LogKV("agent.claude", "skipping malformed line", "err", err.Error())
			continue
		}

		switch ev.Type {
		case "system":
			if ev.Subtype == "init" && ev.SessionID != "" {
				sessionID = ev.SessionID
			}
		case "assistant":
			if ev.Message == nil {
				continue
			}
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "thinking":
					if block.Thinking != "" {
						sink <- Event{Kind: EventThinking, Text: block.Thinking, SessionID: sessionID}
					}
				case "text":
					if block.Text != "" {
						sink <- Event{Kind: EventText, Text: block.Text, SessionID: sessionID}
					}
				case "tool_use":
					sink <- Event{
						Kind:      EventToolUse,
						Tool:      block.Name,
						ToolUseID: block.ID,
						Input:     block.Input,
						SessionID: sessionID,
					}
				}
			}
		case "user":
			if ev.Message == nil {
				continue
			}
			for _, block := range ev.Message.Content {
				if block.Type != "tool_result" {
					continue
				}
				sink <- Event{
					Kind:      EventToolResult,
					ToolUseID: block.ToolUseID,
					Output:    flattenContent(block.Content),
					IsError:   block.IsError,
					SessionID: sessionID,
				}
			}
		case "result":
			kind := EventDone
			if ev.IsError {
				kind = EventError
			}
			sink <- Event{Kind: kind, Text: ev.ResultText, SessionID: sessionID}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		debug.LogKV("agent.claude", "stream read error", "err", err.Error())
	}
}

// flattenContent renders a tool_result content payload as plain text. The CLI
// emits either a bare string or a list of typed blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == "text" {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}
