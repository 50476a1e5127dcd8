// Package offline stores events that could not be delivered to a device and
// replays them exactly once when the device reconnects.
//
// Events are appended to a SQLite table with a monotonically increasing seq;
// each device has a cursor recording the last seq it acknowledged. Replay
// only reads past the cursor; the caller calls Advance as it hands each
// record to the transport, so a record the transport never accepted stays
// queued and is re-delivered rather than dropped.
package offline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	payload   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_device_seq ON events(device_id, seq);
CREATE TABLE IF NOT EXISTS cursors (
	device_id TEXT PRIMARY KEY,
	last_seq  INTEGER NOT NULL
);
`

// Record is one queued event.
type Record struct {
	Seq       int64
	Timestamp time.Time
	Kind      string
	Payload   json.RawMessage
}

// Log is the persistent offline event log.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the log database at path.
func Open(path string) (*Log, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("offline: opening db: %w", err)
	}
	// modernc.org/sqlite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("offline: creating schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append queues one event for a device.
func (l *Log) Append(deviceID, kind string, payload json.RawMessage) error {
	_, err := l.db.Exec(
		`INSERT INTO events (device_id, ts, kind, payload) VALUES (?, ?, ?, ?)`,
		deviceID, time.Now().UnixMilli(), kind, []byte(payload),
	)
	if err != nil {
		return fmt.Errorf("offline: appending event: %w", err)
	}
	return nil
}

// Replay returns every event queued for a device past its cursor, oldest
// first. The cursor does not move; the caller acknowledges each record with
// Advance once the transport accepted it, so records dropped on the way out
// are replayed again on the next connection.
func (l *Log) Replay(deviceID string) ([]Record, error) {
	var cursor int64
	err := l.db.QueryRow(`SELECT last_seq FROM cursors WHERE device_id = ?`, deviceID).Scan(&cursor)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("offline: reading cursor: %w", err)
	}

	rows, err := l.db.Query(
		`SELECT seq, ts, kind, payload FROM events WHERE device_id = ? AND seq > ? ORDER BY seq`,
		deviceID, cursor,
	)
	if err != nil {
		return nil, fmt.Errorf("offline: querying events: %w", err)
	}
	var records []Record
	for rows.Next() {
		var rec Record
		var ts int64
		var payload []byte
		if err := rows.Scan(&rec.Seq, &ts, &rec.Kind, &payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("offline: scanning event: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		rec.Payload = payload
		records = append(records, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offline: reading events: %w", err)
	}
	return records, nil
}

// Advance acknowledges delivery of every event up to and including seq. The
// cursor only moves forward, so a late acknowledgement cannot rewind it.
func (l *Log) Advance(deviceID string, seq int64) error {
	_, err := l.db.Exec(
		`INSERT INTO cursors (device_id, last_seq) VALUES (?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET last_seq = max(last_seq, excluded.last_seq)`,
		deviceID, seq,
	)
	if err != nil {
		return fmt.Errorf("offline: advancing cursor: %w", err)
	}
	return nil
}

// Pending reports how many events are queued past a device's cursor.
func (l *Log) Pending(deviceID string) (int, error) {
	var cursor int64
	err := l.db.QueryRow(`SELECT last_seq FROM cursors WHERE device_id = ?`, deviceID).Scan(&cursor)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("offline: reading cursor: %w", err)
	}
	var n int
	err = l.db.QueryRow(
		`SELECT COUNT(*) FROM events WHERE device_id = ? AND seq > ?`, deviceID, cursor,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("offline: counting events: %w", err)
	}
	return n, nil
}
