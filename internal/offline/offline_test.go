package offline

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := Open(filepath.Join(t.TempDir(), "offline.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestReplayExactlyOnceOrdered(t *testing.T) {
	log := newTestLog(t)

	payloads := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for _, p := range payloads {
		if err := log.Append("dev-a", "text", json.RawMessage(p)); err != nil {
			t.Fatal(err)
		}
	}

	records, err := log.Replay("dev-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records", len(records))
	}
	for i, rec := range records {
		if string(rec.Payload) != payloads[i] {
			t.Errorf("record %d payload = %s", i, rec.Payload)
		}
		if i > 0 && rec.Seq <= records[i-1].Seq {
			t.Errorf("seq not increasing: %d then %d", records[i-1].Seq, rec.Seq)
		}
		if rec.Kind != "text" {
			t.Errorf("record %d kind = %q", i, rec.Kind)
		}
	}

	// The cursor does not move until delivery is acknowledged.
	again, err := log.Replay("dev-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 3 {
		t.Fatalf("replay before ack returned %d records", len(again))
	}

	if err := log.Advance("dev-a", records[2].Seq); err != nil {
		t.Fatal(err)
	}
	after, err := log.Replay("dev-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 0 {
		t.Errorf("replay after ack returned %d records", len(after))
	}
}

func TestAdvancePartialAcknowledgement(t *testing.T) {
	log := newTestLog(t)
	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := log.Append("dev-a", "text", json.RawMessage(p)); err != nil {
			t.Fatal(err)
		}
	}
	records, err := log.Replay("dev-a")
	if err != nil {
		t.Fatal(err)
	}

	// Only the first record reached the device before the connection died.
	if err := log.Advance("dev-a", records[0].Seq); err != nil {
		t.Fatal(err)
	}
	rest, err := log.Replay("dev-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || string(rest[0].Payload) != `{"n":2}` {
		t.Fatalf("records after partial ack = %+v", rest)
	}

	// A stale acknowledgement cannot rewind the cursor.
	if err := log.Advance("dev-a", records[2].Seq); err != nil {
		t.Fatal(err)
	}
	if err := log.Advance("dev-a", records[0].Seq); err != nil {
		t.Fatal(err)
	}
	n, err := log.Pending("dev-a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pending after full ack = %d", n)
	}
}

func TestReplayResumesAfterCursor(t *testing.T) {
	log := newTestLog(t)
	if err := log.Append("dev-a", "text", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}
	records, err := log.Replay("dev-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Advance("dev-a", records[0].Seq); err != nil {
		t.Fatal(err)
	}

	if err := log.Append("dev-a", "done", json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatal(err)
	}
	records, err = log.Replay("dev-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Kind != "done" {
		t.Fatalf("records = %+v", records)
	}
}

func TestDeviceIsolation(t *testing.T) {
	log := newTestLog(t)
	if err := log.Append("dev-a", "text", json.RawMessage(`{"for":"a"}`)); err != nil {
		t.Fatal(err)
	}
	if err := log.Append("dev-b", "text", json.RawMessage(`{"for":"b"}`)); err != nil {
		t.Fatal(err)
	}

	records, err := log.Replay("dev-b")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || string(records[0].Payload) != `{"for":"b"}` {
		t.Fatalf("records = %+v", records)
	}

	n, err := log.Pending("dev-a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("dev-a pending = %d", n)
	}
}

func TestPersistenceAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.db")
	log, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Append("dev-a", "text", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	records, err := reopened.Replay("dev-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %+v", records)
	}
}
