package orchestrator

import (
	"context"
	"time"

	"github.com/agusx1211/afar/internal/agent"
	"github.com/agusx1211/afar/internal/convo"
	"github.com/agusx1211/afar/internal/debug"
	"github.com/agusx1211/afar/internal/hexid"
	"github.com/agusx1211/afar/internal/jobs"
	"github.com/agusx1211/afar/internal/partial"
	"github.com/agusx1211/afar/internal/pending"
	"github.com/agusx1211/afar/pkg/protocol"
)

// workDir resolves a project id to the directory its agent runs in.
func (o *Orchestrator) workDir(projectID string) string {
	if dir, ok := o.opts.Projects[projectID]; ok {
		return dir
	}
	return o.opts.DefaultWorkDir
}

// startJob launches one agent turn for a device/project pair, superseding any
// job already running under the same key.
func (o *Orchestrator) startJob(key partial.Key, prompt, resumeSessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	job := o.jobs.Start(key, cancel)
	gen := o.opts.Partials.Begin(key)
	o.wg.Add(1)
	go o.runJob(ctx, job, key, gen, prompt, resumeSessionID)
}

// runJob drives one agent subprocess to its terminal state: it folds every
// event into the partial store, fans it out, and finally converts the
// accumulated output into a conversation message. Exactly one terminal
// message (done or error) reaches the devices per job.
func (o *Orchestrator) runJob(ctx context.Context, job *jobs.Job, key partial.Key, gen uint64, prompt, resumeSessionID string) {
	defer o.wg.Done()
	defer o.jobs.Remove(key, job)

	runID := hexid.NewLong()
	debug.LogKV("orchestrator", "job started",
		"run", runID, "key", key.String(), "resume", resumeSessionID, "agent", o.opts.Adapter.Name())
	defer debug.LogKV("orchestrator", "job finished", "run", runID, "key", key.String())

	sink := make(chan agent.Event, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- o.opts.Adapter.Spawn(ctx, agent.Options{
			Prompt:          prompt,
			WorkDir:         o.workDir(key.ProjectID),
			ResumeSessionID: resumeSessionID,
		}, sink)
	}()

	var (
		sessionID = resumeSessionID
		finalText string
		errText   string
		sawDone   bool
		sawError  bool
		lastAsk   *pending.Question
	)

	for ev := range sink {
		if ev.SessionID != "" {
			sessionID = ev.SessionID
		}
		switch ev.Kind {
		case agent.EventDone:
			sawDone = true
			finalText = ev.Text
			continue
		case agent.EventError:
			sawError = true
			errText = ev.Text
			continue
		}

		o.opts.Partials.Apply(key, gen, ev)

		switch ev.Kind {
		case agent.EventThinking:
			o.deliver(key, protocol.MsgThinking, protocol.WireThinking{ProjectID: key.ProjectID, Text: ev.Text})
		case agent.EventText:
			o.deliver(key, protocol.MsgText, protocol.WireText{ProjectID: key.ProjectID, Text: ev.Text})
		case agent.EventToolUse:
			if ev.Tool == agent.QuestionTool {
				if questions, err := agent.ParseQuestions(ev.Input); err == nil {
					lastAsk = &pending.Question{
						ToolUseID: ev.ToolUseID,
						Questions: questions,
						ProjectID: key.ProjectID,
						SessionID: sessionID,
						CreatedAt: time.Now().UTC(),
					}
				} else {
					debug.LogKV("orchestrator", "unparseable question input", "key", key.String(), "err", err.Error())
				}
			}
			o.deliver(key, protocol.MsgToolUse, protocol.WireToolUse{
				ProjectID: key.ProjectID,
				Tool:      ev.Tool,
				ToolUseID: ev.ToolUseID,
				Input:     ev.Input,
			})
		case agent.EventToolResult:
			if lastAsk != nil && ev.ToolUseID == lastAsk.ToolUseID {
				// The CLI answered the question itself; nothing to suspend on.
				lastAsk = nil
			}
			out := protocol.WireToolResult{
				ProjectID: key.ProjectID,
				Tool:      ev.Tool,
				ToolUseID: ev.ToolUseID,
				Output:    ev.Output,
			}
			if ev.IsError {
				out.Error = ev.Output
				out.Output = ""
			}
			o.deliver(key, protocol.MsgToolResult, out)
		}
	}
	spawnErr := <-errCh

	snapshot, current := o.opts.Partials.SnapshotFor(key, gen)
	if !current {
		// A newer job took over the key while this one was winding down.
		// Its buffer is gone; the replacement owns the terminal message.
		debug.LogKV("orchestrator", "job superseded", "run", runID, "key", key.String())
		return
	}
	content := snapshot.Text
	if content == "" {
		content = finalText
	}
	msg := convo.Message{
		Role:        "assistant",
		Content:     content,
		Task:        prompt,
		Chunks:      snapshot.Chunks,
		Thinking:    snapshot.Thinking,
		Activity:    snapshot.Activity,
		CompletedAt: time.Now().UTC(),
	}
	canceled := ctx.Err() != nil && !sawDone

	appendMsg := func() {
		if msg.Content == "" && msg.Thinking == "" && len(msg.Activity) == 0 {
			return
		}
		if err := o.opts.Convos.Append(key.ProjectID, msg); err != nil {
			debug.LogKV("orchestrator", "persisting assistant message failed", "key", key.String(), "err", err.Error())
		}
	}

	switch {
	case canceled:
		msg.Interrupted = true
		appendMsg()
		o.opts.Partials.Complete(key, gen)
		o.deliver(key, protocol.MsgDone, protocol.WireDone{ProjectID: key.ProjectID, SessionID: sessionID, Canceled: true})

	case sawError:
		msg.Interrupted = true
		appendMsg()
		o.opts.Partials.Complete(key, gen)
		o.deliver(key, protocol.MsgError, protocol.WireError{ProjectID: key.ProjectID, Error: errText})

	case lastAsk != nil:
		// Suspended on a question: the output so far becomes a normal
		// message, and the question waits as data until any device answers.
		if err := o.opts.Pending.Record(key, *lastAsk); err != nil {
			debug.LogKV("orchestrator", "recording pending question failed", "key", key.String(), "err", err.Error())
		}
		appendMsg()
		o.opts.Partials.Complete(key, gen)
		o.deliver(key, protocol.MsgDone, protocol.WireDone{ProjectID: key.ProjectID, SessionID: sessionID})

	case sawDone:
		appendMsg()
		o.opts.Partials.Complete(key, gen)
		o.deliver(key, protocol.MsgDone, protocol.WireDone{ProjectID: key.ProjectID, SessionID: sessionID})

	default:
		errMsg := "agent exited unexpectedly"
		if spawnErr != nil {
			errMsg = "agent exited unexpectedly: " + spawnErr.Error()
		}
		msg.Interrupted = true
		appendMsg()
		o.opts.Partials.Complete(key, gen)
		o.deliver(key, protocol.MsgError, protocol.WireError{ProjectID: key.ProjectID, Error: errMsg})
	}
}
