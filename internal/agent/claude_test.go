package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func collectEvents(t *testing.T, ndjson string) []Event {
	t.Helper()
	sink := make(chan Event, 64)
	done := make(chan struct{})
	var events []Event
	go func() {
		defer close(done)
		for ev := range sink {
			events = append(events, ev)
		}
	}()
	parseStream(context.Background(), strings.NewReader(ndjson), sink)
	close(sink)
	<-done
	return events
}

func TestParseStreamFullTurn(t *testing.T) {
	ndjson := `{"type":"system","subtype":"init","session_id":"sess-1"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"planning"}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Reading the file."},{"type":"tool_use","name":"Read","id":"tu-1","input":{"path":"main.go"}}]}}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu-1","content":"package main"}]}}
{"type":"result","subtype":"success","is_error":false,"result":"All done."}
`
	events := collectEvents(t, ndjson)

	wantKinds := []string{EventThinking, EventText, EventToolUse, EventToolResult, EventDone}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantKinds), events)
	}
	for i, kind := range wantKinds {
		if events[i].Kind != kind {
			t.Errorf("event %d kind = %q, want %q", i, events[i].Kind, kind)
		}
		if events[i].SessionID != "sess-1" {
			t.Errorf("event %d session = %q", i, events[i].SessionID)
		}
	}
	if events[2].Tool != "Read" || events[2].ToolUseID != "tu-1" {
		t.Errorf("tool_use = %+v", events[2])
	}
	if events[3].Output != "package main" {
		t.Errorf("tool_result output = %q", events[3].Output)
	}
	if events[4].Text != "All done." {
		t.Errorf("done text = %q", events[4].Text)
	}
}

func TestParseStreamErrorResult(t *testing.T) {
	events := collectEvents(t, `{"type":"result","is_error":true,"result":"context limit"}`+"\n")
	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Text != "context limit" {
		t.Errorf("error text = %q", events[0].Text)
	}
}

func TestParseStreamSkipsMalformedLines(t *testing.T) {
	ndjson := "not json at all\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}` + "\n"
	events := collectEvents(t, ndjson)
	if len(events) != 1 || events[0].Kind != EventText || events[0].Text != "ok" {
		t.Fatalf("events = %+v", events)
	}
}

func TestFlattenContent(t *testing.T) {
	if got := flattenContent(json.RawMessage(`"plain"`)); got != "plain" {
		t.Errorf("string content = %q", got)
	}
	blocks := json.RawMessage(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`)
	if got := flattenContent(blocks); got != "ab" {
		t.Errorf("block content = %q", got)
	}
	if got := flattenContent(nil); got != "" {
		t.Errorf("empty content = %q", got)
	}
}

func TestParseQuestions(t *testing.T) {
	input := json.RawMessage(`{"questions":[{"question":"Which DB?","header":"Storage","options":[{"label":"sqlite"},{"label":"postgres"}]}]}`)
	qs, err := ParseQuestions(input)
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 1 || qs[0].Question != "Which DB?" || len(qs[0].Options) != 2 {
		t.Errorf("questions = %+v", qs)
	}

	if _, err := ParseQuestions(json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for empty question list")
	}
	if _, err := ParseQuestions(json.RawMessage(`garbage`)); err == nil {
		t.Error("expected error for malformed input")
	}
}

func TestScriptAdapter(t *testing.T) {
	adapter := NewScriptAdapter(
		[]Event{{Kind: EventText, Text: "hi"}, {Kind: EventDone, SessionID: "s1"}},
	)

	sink := make(chan Event, 8)
	if err := adapter.Spawn(context.Background(), Options{Prompt: "p"}, sink); err != nil {
		t.Fatal(err)
	}
	var events []Event
	for ev := range sink {
		events = append(events, ev)
	}
	if len(events) != 2 || events[1].Kind != EventDone {
		t.Fatalf("events = %+v", events)
	}

	// Scripts exhausted: second call emits nothing but still records Options.
	sink2 := make(chan Event, 8)
	if err := adapter.Spawn(context.Background(), Options{ResumeSessionID: "s1"}, sink2); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sink2; ok {
		t.Error("expected closed empty sink")
	}

	calls := adapter.Calls()
	if len(calls) != 2 || calls[0].Prompt != "p" || calls[1].ResumeSessionID != "s1" {
		t.Errorf("calls = %+v", calls)
	}
}
