package orchestrator

import (
	"errors"
	"time"

	"github.com/agusx1211/afar/internal/convo"
	"github.com/agusx1211/afar/internal/debug"
	"github.com/agusx1211/afar/internal/partial"
	"github.com/agusx1211/afar/internal/pending"
	"github.com/agusx1211/afar/pkg/protocol"
)

// softError reports a request problem back to the sender without touching any
// state or the connection.
func (c *Conn) softError(projectID, text string) {
	c.pushMsg(protocol.MsgError, protocol.WireError{ProjectID: projectID, Error: text})
}

// dispatch routes one decrypted post-auth frame.
func (c *Conn) dispatch(plaintext []byte) {
	msg, err := protocol.DecodeMsg(plaintext)
	if err != nil {
		c.fail(CloseMalformed, "malformed message")
		return
	}
	switch msg.Type {
	case protocol.MsgMessage:
		data, err := protocol.DecodeData[protocol.WireUserMessage](msg)
		if err != nil {
			c.fail(CloseMalformed, "malformed message payload")
			return
		}
		c.handleMessage(data)
	case protocol.MsgCancel:
		data, err := protocol.DecodeData[protocol.WireCancel](msg)
		if err != nil {
			c.fail(CloseMalformed, "malformed cancel payload")
			return
		}
		c.handleCancel(data)
	case protocol.MsgToolAnswer:
		data, err := protocol.DecodeData[protocol.WireToolAnswer](msg)
		if err != nil {
			c.fail(CloseMalformed, "malformed tool_answer payload")
			return
		}
		c.handleToolAnswer(data)
	default:
		c.softError("", "unsupported message type: "+msg.Type)
	}
}

// handleMessage starts a new agent turn for the sender's project. A fresh
// user message supersedes both any running job and any pending question for
// the pair.
func (c *Conn) handleMessage(data *protocol.WireUserMessage) {
	if err := convo.ValidateProjectID(data.ProjectID); err != nil {
		c.softError(data.ProjectID, "invalid project id")
		return
	}
	if data.Text == "" {
		c.softError(data.ProjectID, "empty message")
		return
	}
	key := partial.Key{DeviceID: c.dev.ID, ProjectID: data.ProjectID}

	if err := c.orch.opts.Pending.Clear(key); err != nil {
		debug.LogKV("orchestrator", "clearing pending question failed", "key", key.String(), "err", err.Error())
	}
	if err := c.orch.opts.Convos.Append(data.ProjectID, convo.Message{
		Role:      "user",
		Content:   data.Text,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		c.softError(data.ProjectID, "persisting message failed")
		return
	}
	c.orch.syncOthers(c.dev.ID, protocol.MsgSyncUserMessage, protocol.WireSyncUserMessage{
		ProjectID: data.ProjectID,
		Text:      data.Text,
	})
	c.orch.startJob(key, data.Text, "")
}

// handleCancel cancels the sender's running job for a project. The job runner
// persists the interrupted output and broadcasts done; cancelling with no job
// running is a soft error.
func (c *Conn) handleCancel(data *protocol.WireCancel) {
	if err := convo.ValidateProjectID(data.ProjectID); err != nil {
		c.softError(data.ProjectID, "invalid project id")
		return
	}
	key := partial.Key{DeviceID: c.dev.ID, ProjectID: data.ProjectID}
	if !c.orch.jobs.Cancel(key) {
		c.softError(data.ProjectID, "no job running")
		return
	}
	c.orch.syncOthers(c.dev.ID, protocol.MsgSyncCancel, protocol.WireSyncCancel{ProjectID: data.ProjectID})
}

// handleToolAnswer resumes a suspended agent session with the user's answers.
func (c *Conn) handleToolAnswer(data *protocol.WireToolAnswer) {
	if err := convo.ValidateProjectID(data.ProjectID); err != nil {
		c.softError(data.ProjectID, "invalid project id")
		return
	}
	if len(data.Answers) == 0 {
		c.softError(data.ProjectID, "no answers given")
		return
	}
	key := partial.Key{DeviceID: c.dev.ID, ProjectID: data.ProjectID}

	q, err := c.orch.opts.Pending.Get(key)
	if err != nil {
		if errors.Is(err, pending.ErrNoQuestion) {
			c.softError(data.ProjectID, "no question pending")
		} else {
			c.softError(data.ProjectID, "loading pending question failed")
		}
		return
	}
	if data.ToolUseID != "" && data.ToolUseID != q.ToolUseID {
		c.softError(data.ProjectID, "answer does not match the pending question")
		return
	}
	if err := c.orch.opts.Pending.Clear(key); err != nil {
		debug.LogKV("orchestrator", "clearing answered question failed", "key", key.String(), "err", err.Error())
	}

	prompt := pending.FormatAnswers(q, data.Answers)
	if err := c.orch.opts.Convos.Append(data.ProjectID, convo.Message{
		Role:      "user",
		Content:   prompt,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		c.softError(data.ProjectID, "persisting answer failed")
		return
	}
	c.orch.syncOthers(c.dev.ID, protocol.MsgSyncUserMessage, protocol.WireSyncUserMessage{
		ProjectID: data.ProjectID,
		Text:      prompt,
	})
	c.orch.startJob(key, prompt, q.SessionID)
}
