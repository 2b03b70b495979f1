// Package testlog captures structured pslog output so tests can assert on
// emitted events and their fields.
package testlog

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

// Entry is one structured log line split into its envelope and fields.
type Entry struct {
	Timestamp time.Time
	Level     string
	Message   string
	Fields    map[string]any
	Raw       string
}

// Recorder collects every entry emitted through the logger returned by
// NewRecorder. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns a logger that records every structured log line and
// mirrors it to testing.TB when non-nil.
func NewRecorder(t testing.TB, level pslog.Level) (pslog.Logger, *Recorder) {
	rec := &Recorder{}
	writer := &recordingWriter{t: t, recorder: rec}
	logger := pslog.NewStructured(writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger, rec
}

// Events returns a copy of all recorded entries.
func (r *Recorder) Events() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// First returns the first entry that matches pred.
func (r *Recorder) First(pred func(Entry) bool) (Entry, bool) {
	for _, entry := range r.Events() {
		if pred(entry) {
			return entry, true
		}
	}
	return Entry{}, false
}

// StringField returns the string value for key if present.
func (e Entry) StringField(key string) string {
	if value, ok := e.Fields[key]; ok {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return ""
}

func (r *Recorder) add(entry Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

type recordingWriter struct {
	t        testing.TB
	recorder *Recorder
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.recorder.add(parseEntry(line))
		if w.t != nil {
			w.t.Helper()
			w.t.Log(string(line))
		}
	}
	return len(p), nil
}

// parseEntry splits a pslog structured line into the ts/lvl/msg envelope and
// the remaining fields. Unparsable lines are kept raw so tests still see them.
func parseEntry(line []byte) Entry {
	var payload map[string]any
	if err := json.Unmarshal(line, &payload); err != nil {
		return Entry{
			Timestamp: time.Now(),
			Level:     "unknown",
			Message:   "unparsed",
			Fields:    map[string]any{"error": err.Error()},
			Raw:       string(line),
		}
	}
	e := Entry{Fields: payload, Raw: string(line)}
	if ts, ok := payload["ts"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Level, _ = payload["lvl"].(string)
	e.Message, _ = payload["msg"].(string)
	delete(payload, "ts")
	delete(payload, "lvl")
	delete(payload, "msg")
	return e
}
