package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/agusx1211/afar/internal/agent"
	"github.com/agusx1211/afar/internal/convo"
	"github.com/agusx1211/afar/internal/device"
	"github.com/agusx1211/afar/internal/offline"
	"github.com/agusx1211/afar/internal/pairing"
	"github.com/agusx1211/afar/internal/partial"
	"github.com/agusx1211/afar/internal/pending"
	"github.com/agusx1211/afar/internal/securechannel"
	"github.com/agusx1211/afar/pkg/protocol"
)

func newTestOrch(t *testing.T, adapter agent.Adapter) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	reg, err := device.Load(filepath.Join(dir, "devices.json"))
	if err != nil {
		t.Fatal(err)
	}
	convos, err := convo.NewStore(filepath.Join(dir, "conversations"))
	if err != nil {
		t.Fatal(err)
	}
	partials, err := partial.NewStore(filepath.Join(dir, "partials.json"), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	olog, err := offline.Open(filepath.Join(dir, "offline.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { olog.Close() })
	pend, err := pending.Load(filepath.Join(dir, "pending.json"))
	if err != nil {
		t.Fatal(err)
	}
	o := New(Options{
		Devices:        reg,
		Convos:         convos,
		Partials:       partials,
		Offline:        olog,
		Pending:        pend,
		Adapter:        adapter,
		DefaultWorkDir: dir,
		AuthRate:       rate.Inf,
	})
	t.Cleanup(o.Close)
	return o
}

func pairTestDevice(t *testing.T, o *Orchestrator, name string) (device.Device, []byte) {
	t.Helper()
	d, err := pairing.NewDevice(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.opts.Devices.Add(d); err != nil {
		t.Fatal(err)
	}
	key, ok := o.opts.Devices.ChannelKey(d.ID)
	if !ok {
		t.Fatal("no channel key after pairing")
	}
	return d, key
}

func sendMsg(t *testing.T, c *Conn, key []byte, msgType string, data any) {
	t.Helper()
	plaintext, err := protocol.Encode(msgType, data)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := securechannel.Seal(plaintext, key)
	if err != nil {
		t.Fatal(err)
	}
	c.HandleFrame(frame)
}

func readMsg(t *testing.T, c *Conn, key []byte) *protocol.WireMsg {
	t.Helper()
	select {
	case frame := <-c.Out():
		env, err := securechannel.Parse(frame)
		if err != nil {
			t.Fatal(err)
		}
		plaintext := env.C
		if env.Sealed() {
			plaintext, err = env.Open(key)
			if err != nil {
				t.Fatal(err)
			}
		}
		msg, err := protocol.DecodeMsg(plaintext)
		if err != nil {
			t.Fatal(err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return nil
}

func expectMsg(t *testing.T, c *Conn, key []byte, msgType string) *protocol.WireMsg {
	t.Helper()
	msg := readMsg(t, c, key)
	if msg.Type != msgType {
		t.Fatalf("got %q, want %q", msg.Type, msgType)
	}
	return msg
}

func expectNothing(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case frame := <-c.Out():
		t.Fatalf("unexpected frame of %d bytes", len(frame))
	case <-time.After(100 * time.Millisecond):
	}
}

func connect(t *testing.T, o *Orchestrator, key []byte) *Conn {
	t.Helper()
	c := o.NewConn("127.0.0.1")
	t.Cleanup(c.Close)
	sendMsg(t, c, key, protocol.MsgAuth, protocol.WireAuth{})
	return c
}

func TestMessageFanOut(t *testing.T) {
	adapter := agent.NewScriptAdapter([]agent.Event{
		{Kind: agent.EventText, Text: "working on it", SessionID: "sess-1"},
		{Kind: agent.EventDone, Text: "done", SessionID: "sess-1"},
	})
	o := newTestOrch(t, adapter)

	devA, keyA := pairTestDevice(t, o, "phone")
	_, keyB := pairTestDevice(t, o, "tablet")

	connA := connect(t, o, keyA)
	authOK := expectMsg(t, connA, keyA, protocol.MsgAuthOK)
	ok, err := protocol.DecodeData[protocol.WireAuthOK](authOK)
	if err != nil {
		t.Fatal(err)
	}
	if ok.DeviceID != devA.ID || len(ok.ActiveProjects) != 0 {
		t.Errorf("auth_ok = %+v", ok)
	}

	connB := connect(t, o, keyB)
	expectMsg(t, connB, keyB, protocol.MsgAuthOK)

	sendMsg(t, connA, keyA, protocol.MsgMessage, protocol.WireUserMessage{Text: "do the thing"})

	// B sees the user action first, then the same agent stream as A.
	sync := expectMsg(t, connB, keyB, protocol.MsgSyncUserMessage)
	syncData, err := protocol.DecodeData[protocol.WireSyncUserMessage](sync)
	if err != nil {
		t.Fatal(err)
	}
	if syncData.Text != "do the thing" {
		t.Errorf("sync text = %q", syncData.Text)
	}

	for _, c := range []struct {
		conn *Conn
		key  []byte
	}{{connA, keyA}, {connB, keyB}} {
		text := expectMsg(t, c.conn, c.key, protocol.MsgText)
		textData, err := protocol.DecodeData[protocol.WireText](text)
		if err != nil {
			t.Fatal(err)
		}
		if textData.Text != "working on it" {
			t.Errorf("text = %q", textData.Text)
		}
		done := expectMsg(t, c.conn, c.key, protocol.MsgDone)
		doneData, err := protocol.DecodeData[protocol.WireDone](done)
		if err != nil {
			t.Fatal(err)
		}
		if doneData.SessionID != "sess-1" || doneData.Canceled {
			t.Errorf("done = %+v", doneData)
		}
	}

	msgs, err := o.opts.Convos.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("conversation = %+v", msgs)
	}
	if msgs[1].Content != "working on it" || msgs[1].Interrupted {
		t.Errorf("assistant message = %+v", msgs[1])
	}
}

func TestOfflineQueueAndReplay(t *testing.T) {
	adapter := agent.NewScriptAdapter([]agent.Event{
		{Kind: agent.EventText, Text: "part one. "},
		{Kind: agent.EventText, Text: "part two."},
		{Kind: agent.EventDone, SessionID: "sess-9"},
	})
	o := newTestOrch(t, adapter)
	devA, keyA := pairTestDevice(t, o, "phone")

	// The device is offline while its job runs; every event must queue.
	o.startJob(partial.Key{DeviceID: devA.ID, ProjectID: ""}, "prompt", "")
	o.wg.Wait()

	conn := connect(t, o, keyA)
	expectMsg(t, conn, keyA, protocol.MsgAuthOK)

	types := []string{protocol.MsgText, protocol.MsgText, protocol.MsgDone}
	texts := []string{"part one. ", "part two.", ""}
	for i, want := range types {
		msg := expectMsg(t, conn, keyA, want)
		if want == protocol.MsgText {
			data, err := protocol.DecodeData[protocol.WireText](msg)
			if err != nil {
				t.Fatal(err)
			}
			if data.Text != texts[i] {
				t.Errorf("replay %d text = %q, want %q", i, data.Text, texts[i])
			}
		}
	}
	expectNothing(t, conn)
	conn.Close()

	// A second connection replays nothing: the cursor advanced.
	conn2 := connect(t, o, keyA)
	expectMsg(t, conn2, keyA, protocol.MsgAuthOK)
	expectNothing(t, conn2)
}

// queueTexts appends n numbered text frames to a device's offline log.
func queueTexts(t *testing.T, o *Orchestrator, deviceID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		plaintext, err := protocol.Encode(protocol.MsgText, protocol.WireText{Text: fmt.Sprintf("%d", i)})
		if err != nil {
			t.Fatal(err)
		}
		if err := o.opts.Offline.Append(deviceID, protocol.MsgText, plaintext); err != nil {
			t.Fatal(err)
		}
	}
}

// drainTexts reads queued frames until the connection stays quiet, returning
// the text payloads in arrival order.
func drainTexts(t *testing.T, c *Conn, key []byte) []string {
	t.Helper()
	var out []string
	for {
		select {
		case frame := <-c.Out():
			env, err := securechannel.Parse(frame)
			if err != nil {
				t.Fatal(err)
			}
			plaintext, err := env.Open(key)
			if err != nil {
				t.Fatal(err)
			}
			msg, err := protocol.DecodeMsg(plaintext)
			if err != nil {
				t.Fatal(err)
			}
			if msg.Type != protocol.MsgText {
				continue
			}
			data, err := protocol.DecodeData[protocol.WireText](msg)
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, data.Text)
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func TestReplayLargerThanSendQueue(t *testing.T) {
	o := newTestOrch(t, agent.NewScriptAdapter())
	devA, keyA := pairTestDevice(t, o, "phone")

	// Far more queued events than the send queue holds: replay must wait for
	// the transport instead of dropping the overflow.
	const total = outBufSize + 44
	queueTexts(t, o, devA.ID, total)

	conn := o.NewConn("127.0.0.1")
	t.Cleanup(conn.Close)
	plaintext, _ := protocol.Encode(protocol.MsgAuth, protocol.WireAuth{})
	frame, err := securechannel.Seal(plaintext, keyA)
	if err != nil {
		t.Fatal(err)
	}
	authDone := make(chan struct{})
	go func() {
		defer close(authDone)
		conn.HandleFrame(frame)
	}()

	expectMsg(t, conn, keyA, protocol.MsgAuthOK)
	for i := 0; i < total; i++ {
		msg := expectMsg(t, conn, keyA, protocol.MsgText)
		data, err := protocol.DecodeData[protocol.WireText](msg)
		if err != nil {
			t.Fatal(err)
		}
		if data.Text != fmt.Sprintf("%d", i) {
			t.Fatalf("replay %d = %q", i, data.Text)
		}
	}
	select {
	case <-authDone:
	case <-time.After(2 * time.Second):
		t.Fatal("auth did not finish after replay drained")
	}
	expectNothing(t, conn)

	conn.Close()
	conn2 := connect(t, o, keyA)
	expectMsg(t, conn2, keyA, protocol.MsgAuthOK)
	expectNothing(t, conn2)
}

func TestReplayResumesAfterDeadConnection(t *testing.T) {
	o := newTestOrch(t, agent.NewScriptAdapter())
	devA, keyA := pairTestDevice(t, o, "phone")

	const total = outBufSize + 44
	queueTexts(t, o, devA.ID, total)

	conn := o.NewConn("127.0.0.1")
	plaintext, _ := protocol.Encode(protocol.MsgAuth, protocol.WireAuth{})
	frame, err := securechannel.Seal(plaintext, keyA)
	if err != nil {
		t.Fatal(err)
	}
	authDone := make(chan struct{})
	go func() {
		defer close(authDone)
		conn.HandleFrame(frame)
	}()
	expectMsg(t, conn, keyA, protocol.MsgAuthOK)

	// The connection dies mid-replay, with the send queue full.
	for i := 0; i < 20; i++ {
		expectMsg(t, conn, keyA, protocol.MsgText)
	}
	conn.Close()
	select {
	case <-authDone:
	case <-time.After(2 * time.Second):
		t.Fatal("auth did not unwind after close")
	}

	// What the transport would still have flushed, plus what the next
	// connection replays, must cover every event exactly once.
	seen := make(map[string]int)
	for i := 0; i < 20; i++ {
		seen[fmt.Sprintf("%d", i)]++
	}
	for _, text := range drainTexts(t, conn, keyA) {
		seen[text]++
	}

	conn2 := o.NewConn("127.0.0.1")
	t.Cleanup(conn2.Close)
	authDone2 := make(chan struct{})
	go func() {
		defer close(authDone2)
		conn2.HandleFrame(frame)
	}()
	expectMsg(t, conn2, keyA, protocol.MsgAuthOK)
	for _, text := range drainTexts(t, conn2, keyA) {
		seen[text]++
	}
	select {
	case <-authDone2:
	case <-time.After(2 * time.Second):
		t.Fatal("second auth did not finish")
	}

	for i := 0; i < total; i++ {
		switch n := seen[fmt.Sprintf("%d", i)]; n {
		case 1:
		case 0:
			t.Errorf("event %d lost", i)
		default:
			t.Errorf("event %d delivered %d times", i, n)
		}
	}
}

func TestStreamingRestoreOnReconnect(t *testing.T) {
	adapter := agent.NewScriptAdapter([]agent.Event{
		{Kind: agent.EventText, Text: "streamed so far"},
	})
	adapter.Block = true
	o := newTestOrch(t, adapter)
	devA, keyA := pairTestDevice(t, o, "phone")

	conn := connect(t, o, keyA)
	expectMsg(t, conn, keyA, protocol.MsgAuthOK)
	sendMsg(t, conn, keyA, protocol.MsgMessage, protocol.WireUserMessage{Text: "go", ProjectID: "proj"})
	expectMsg(t, conn, keyA, protocol.MsgText)
	conn.Close()

	conn2 := connect(t, o, keyA)
	authOK := expectMsg(t, conn2, keyA, protocol.MsgAuthOK)
	ok, err := protocol.DecodeData[protocol.WireAuthOK](authOK)
	if err != nil {
		t.Fatal(err)
	}
	if len(ok.ActiveProjects) != 1 || ok.ActiveProjects[0] != "proj" {
		t.Fatalf("active projects = %v", ok.ActiveProjects)
	}
	restore := expectMsg(t, conn2, keyA, protocol.MsgStreamingRestore)
	data, err := protocol.DecodeData[protocol.WireStreamingRestore](restore)
	if err != nil {
		t.Fatal(err)
	}
	if data.ProjectID != "proj" || data.Text != "streamed so far" {
		t.Errorf("restore = %+v", data)
	}
	if active := o.jobs.ActiveProjects(devA.ID); len(active) != 1 {
		t.Errorf("active projects = %v", active)
	}
}

func TestSuspendAndResume(t *testing.T) {
	questionInput := []byte(`{"questions":[{"question":"Overwrite the file?","options":[{"label":"yes"},{"label":"no"}]}]}`)
	adapter := agent.NewScriptAdapter(
		[]agent.Event{
			{Kind: agent.EventText, Text: "I need input. ", SessionID: "sess-q"},
			{Kind: agent.EventToolUse, Tool: agent.QuestionTool, ToolUseID: "tu-ask", Input: questionInput, SessionID: "sess-q"},
		},
		[]agent.Event{
			{Kind: agent.EventText, Text: "Overwriting.", SessionID: "sess-q"},
			{Kind: agent.EventDone, SessionID: "sess-q"},
		},
	)
	o := newTestOrch(t, adapter)
	devA, keyA := pairTestDevice(t, o, "phone")

	conn := connect(t, o, keyA)
	expectMsg(t, conn, keyA, protocol.MsgAuthOK)
	sendMsg(t, conn, keyA, protocol.MsgMessage, protocol.WireUserMessage{Text: "edit it"})

	expectMsg(t, conn, keyA, protocol.MsgText)
	toolUse := expectMsg(t, conn, keyA, protocol.MsgToolUse)
	tu, err := protocol.DecodeData[protocol.WireToolUse](toolUse)
	if err != nil {
		t.Fatal(err)
	}
	if tu.Tool != agent.QuestionTool || tu.ToolUseID != "tu-ask" {
		t.Errorf("tool_use = %+v", tu)
	}
	expectMsg(t, conn, keyA, protocol.MsgDone)

	// The question survives as data, bound to the agent session.
	q, err := o.opts.Pending.Get(partial.Key{DeviceID: devA.ID, ProjectID: ""})
	if err != nil {
		t.Fatal(err)
	}
	if q.SessionID != "sess-q" || len(q.Questions) != 1 {
		t.Fatalf("pending = %+v", q)
	}

	sendMsg(t, conn, keyA, protocol.MsgToolAnswer, protocol.WireToolAnswer{
		ToolUseID: "tu-ask",
		Answers:   []protocol.ToolAnswerItem{{Answer: "yes"}},
	})
	expectMsg(t, conn, keyA, protocol.MsgText)
	expectMsg(t, conn, keyA, protocol.MsgDone)

	calls := adapter.Calls()
	if len(calls) != 2 {
		t.Fatalf("spawn calls = %d", len(calls))
	}
	if calls[1].ResumeSessionID != "sess-q" {
		t.Errorf("resume session = %q", calls[1].ResumeSessionID)
	}
	if calls[1].Prompt != "yes" {
		t.Errorf("resume prompt = %q", calls[1].Prompt)
	}
	if _, err := o.opts.Pending.Get(partial.Key{DeviceID: devA.ID, ProjectID: ""}); err == nil {
		t.Error("pending question not cleared after answer")
	}
}

func TestCancelBroadcastsDone(t *testing.T) {
	adapter := agent.NewScriptAdapter([]agent.Event{
		{Kind: agent.EventText, Text: "endless"},
	})
	adapter.Block = true
	o := newTestOrch(t, adapter)
	_, keyA := pairTestDevice(t, o, "phone")
	_, keyB := pairTestDevice(t, o, "tablet")

	connA := connect(t, o, keyA)
	expectMsg(t, connA, keyA, protocol.MsgAuthOK)
	connB := connect(t, o, keyB)
	expectMsg(t, connB, keyB, protocol.MsgAuthOK)

	sendMsg(t, connA, keyA, protocol.MsgMessage, protocol.WireUserMessage{Text: "run forever"})
	expectMsg(t, connA, keyA, protocol.MsgText)
	expectMsg(t, connB, keyB, protocol.MsgSyncUserMessage)
	expectMsg(t, connB, keyB, protocol.MsgText)

	sendMsg(t, connA, keyA, protocol.MsgCancel, protocol.WireCancel{})

	done := expectMsg(t, connA, keyA, protocol.MsgDone)
	data, err := protocol.DecodeData[protocol.WireDone](done)
	if err != nil {
		t.Fatal(err)
	}
	if !data.Canceled {
		t.Error("done not marked canceled")
	}

	// B gets sync_cancel and the canceled done; the job runner and the
	// dispatch path race, so accept either order.
	got := map[string]bool{}
	got[readMsg(t, connB, keyB).Type] = true
	got[readMsg(t, connB, keyB).Type] = true
	if !got[protocol.MsgSyncCancel] || !got[protocol.MsgDone] {
		t.Errorf("B received %v", got)
	}

	msgs, err := o.opts.Convos.Load("")
	if err != nil {
		t.Fatal(err)
	}
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || !last.Interrupted {
		t.Errorf("last message = %+v", last)
	}
}

// handoffAdapter scripts two agent runs. The first emits "OLD" and, once
// canceled, lingers until released, like a subprocess slow to exit. The
// second emits "NEW" and runs until canceled.
type handoffAdapter struct {
	mu    sync.Mutex
	calls int

	canceled chan struct{}
	release  chan struct{}
	finished chan struct{}
}

func newHandoffAdapter() *handoffAdapter {
	return &handoffAdapter{
		canceled: make(chan struct{}),
		release:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (a *handoffAdapter) Name() string { return "handoff" }

func (a *handoffAdapter) Spawn(ctx context.Context, opts agent.Options, sink chan<- agent.Event) error {
	defer close(sink)
	a.mu.Lock()
	call := a.calls
	a.calls++
	a.mu.Unlock()
	if call == 0 {
		defer close(a.finished)
		sink <- agent.Event{Kind: agent.EventText, Text: "OLD"}
		<-ctx.Done()
		close(a.canceled)
		<-a.release
		return ctx.Err()
	}
	sink <- agent.Event{Kind: agent.EventText, Text: "NEW"}
	<-ctx.Done()
	return ctx.Err()
}

func TestSupersededJobLeavesReplacementAlone(t *testing.T) {
	adapter := newHandoffAdapter()
	o := newTestOrch(t, adapter)
	devA, keyA := pairTestDevice(t, o, "phone")
	key := partial.Key{DeviceID: devA.ID, ProjectID: ""}

	conn := connect(t, o, keyA)
	expectMsg(t, conn, keyA, protocol.MsgAuthOK)

	sendMsg(t, conn, keyA, protocol.MsgMessage, protocol.WireUserMessage{Text: "first"})
	expectMsg(t, conn, keyA, protocol.MsgText)

	// A second message supersedes the running job while its subprocess is
	// still winding down.
	sendMsg(t, conn, keyA, protocol.MsgMessage, protocol.WireUserMessage{Text: "second"})
	<-adapter.canceled
	expectMsg(t, conn, keyA, protocol.MsgText)

	close(adapter.release)
	<-adapter.finished

	// The superseded runner must not emit a terminal message: the
	// replacement owns the stream now.
	expectNothing(t, conn)

	// The replacement's partial buffer survives the old runner's teardown.
	resp, ok := o.opts.Partials.Snapshot(key)
	if !ok || resp.Text != "NEW" {
		t.Fatalf("partial snapshot = %+v, %v", resp, ok)
	}

	// The old runner must not have persisted the replacement's output as its
	// own interrupted message.
	msgs, err := o.opts.Convos.Load("")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if m.Role == "assistant" {
			t.Errorf("unexpected assistant message: %+v", m)
		}
	}

	// Cancel the live job; now the interrupted output is recorded, once,
	// under the replacement.
	sendMsg(t, conn, keyA, protocol.MsgCancel, protocol.WireCancel{})
	done := expectMsg(t, conn, keyA, protocol.MsgDone)
	data, err := protocol.DecodeData[protocol.WireDone](done)
	if err != nil {
		t.Fatal(err)
	}
	if !data.Canceled {
		t.Error("done not marked canceled")
	}
	o.wg.Wait()
	msgs, err = o.opts.Convos.Load("")
	if err != nil {
		t.Fatal(err)
	}
	var interrupted []convo.Message
	for _, m := range msgs {
		if m.Role == "assistant" {
			interrupted = append(interrupted, m)
		}
	}
	if len(interrupted) != 1 || interrupted[0].Content != "NEW" || !interrupted[0].Interrupted {
		t.Errorf("assistant messages = %+v", interrupted)
	}
}

func TestDeliverQueuesForBackedUpRecipient(t *testing.T) {
	o := newTestOrch(t, agent.NewScriptAdapter())
	devA, _ := pairTestDevice(t, o, "phone")
	devB, keyB := pairTestDevice(t, o, "tablet")

	connB := connect(t, o, keyB)
	expectMsg(t, connB, keyB, protocol.MsgAuthOK)

	// Wedge B's send queue so a live push cannot be accepted.
	for i := 0; i < outBufSize; i++ {
		connB.out <- []byte("filler")
	}

	o.deliver(partial.Key{DeviceID: devA.ID}, protocol.MsgText, protocol.WireText{Text: "missed"})

	// Both the offline originator and the backed-up broadcast recipient get
	// the frame queued in their own logs.
	for _, id := range []string{devA.ID, devB.ID} {
		if n, err := o.opts.Offline.Pending(id); err != nil || n != 1 {
			t.Errorf("pending(%s) = %d, %v", id, n, err)
		}
	}

	connB.Close()
	connB2 := connect(t, o, keyB)
	expectMsg(t, connB2, keyB, protocol.MsgAuthOK)
	msg := expectMsg(t, connB2, keyB, protocol.MsgText)
	data, err := protocol.DecodeData[protocol.WireText](msg)
	if err != nil {
		t.Fatal(err)
	}
	if data.Text != "missed" {
		t.Errorf("replayed text = %q", data.Text)
	}
	expectNothing(t, connB2)
}

func TestSoftErrors(t *testing.T) {
	o := newTestOrch(t, agent.NewScriptAdapter())
	_, keyA := pairTestDevice(t, o, "phone")
	conn := connect(t, o, keyA)
	expectMsg(t, conn, keyA, protocol.MsgAuthOK)

	sendMsg(t, conn, keyA, protocol.MsgCancel, protocol.WireCancel{})
	expectMsg(t, conn, keyA, protocol.MsgError)

	sendMsg(t, conn, keyA, protocol.MsgToolAnswer, protocol.WireToolAnswer{
		Answers: []protocol.ToolAnswerItem{{Answer: "x"}},
	})
	expectMsg(t, conn, keyA, protocol.MsgError)

	sendMsg(t, conn, keyA, protocol.MsgMessage, protocol.WireUserMessage{Text: "hi", ProjectID: "../escape"})
	expectMsg(t, conn, keyA, protocol.MsgError)

	// Soft errors leave the connection usable.
	select {
	case <-conn.Done():
		t.Fatal("connection closed by soft errors")
	default:
	}
}

func TestUnknownDeviceCloses(t *testing.T) {
	o := newTestOrch(t, agent.NewScriptAdapter())
	pairTestDevice(t, o, "phone")

	strangerKey, _ := securechannel.DeriveKey([]byte("never-paired"))
	conn := o.NewConn("127.0.0.1")
	plaintext, _ := protocol.Encode(protocol.MsgAuth, protocol.WireAuth{})
	frame, _ := securechannel.Seal(plaintext, strangerKey)
	conn.HandleFrame(frame)

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection still open after unknown-device auth")
	}
	code, _ := conn.CloseInfo()
	if code != CloseRepairRequired {
		t.Errorf("close code = %d, want %d", code, CloseRepairRequired)
	}
}

func TestMalformedFrameCloses(t *testing.T) {
	o := newTestOrch(t, agent.NewScriptAdapter())
	conn := o.NewConn("127.0.0.1")
	conn.HandleFrame([]byte("junk"))

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection still open after malformed frame")
	}
	code, _ := conn.CloseInfo()
	if code != CloseMalformed {
		t.Errorf("close code = %d, want %d", code, CloseMalformed)
	}
}

func TestAuthRateLimit(t *testing.T) {
	o := newTestOrch(t, agent.NewScriptAdapter())
	o.opts.AuthRate = rate.Limit(0.0001)
	o.opts.AuthBurst = 1
	pairTestDevice(t, o, "phone")

	strangerKey, _ := securechannel.DeriveKey([]byte("guess"))
	plaintext, _ := protocol.Encode(protocol.MsgAuth, protocol.WireAuth{})
	frame, _ := securechannel.Seal(plaintext, strangerKey)

	first := o.NewConn("10.0.0.9")
	first.HandleFrame(frame)

	second := o.NewConn("10.0.0.9")
	second.HandleFrame(frame)
	msg := readMsg(t, second, nil)
	if msg.Type != protocol.MsgAuthError {
		t.Fatalf("got %q, want auth_error", msg.Type)
	}
	data, err := protocol.DecodeData[protocol.WireAuthError](msg)
	if err != nil {
		t.Fatal(err)
	}
	if data.Reason != protocol.AuthRateLimited {
		t.Errorf("reason = %q", data.Reason)
	}
	code, _ := second.CloseInfo()
	if code != CloseRateLimited {
		t.Errorf("close code = %d", code)
	}
}
