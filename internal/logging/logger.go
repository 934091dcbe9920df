// Package logging sets up anderson's slog output and the optional JSONL
// event log that records when runs and realizations start and finish.
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelTrace sits below Debug. The driver logs every sample at this level.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel accepts info, debug and trace in any case. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a text logger on w that prints LevelTrace as TRACE.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Event names written to events.jsonl.
const (
	EventRunStarted      = "run_started"
	EventRunCompleted    = "run_completed"
	EventRunCancelled    = "run_cancelled"
	EventRealizationDone = "realization_done"
)

// EventsFile is the name of the event log inside its directory.
const EventsFile = "events.jsonl"

// Fields is the payload of one event. The keys "event" and "time" are
// reserved and set by the logger.
type Fields map[string]any

// EventLogger appends one JSON object per line to events.jsonl. A nil
// *EventLogger discards everything, so callers never need to check.
type EventLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	now  func() time.Time
}

// NewEventLogger opens dir/events.jsonl for append when level is debug or
// trace. It returns nil at info level, or when the file cannot be opened:
// the event log is a diagnostic aid and never fails a run.
func NewEventLogger(dir string, level string) *EventLogger {
	if ParseLevel(level) >= slog.LevelInfo {
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, EventsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil
	}
	return &EventLogger{file: f, enc: json.NewEncoder(f), now: time.Now}
}

// Record writes event with fields and a UTC timestamp. fields is copied.
func (el *EventLogger) Record(event string, fields Fields) {
	if el == nil {
		return
	}

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file == nil {
		return
	}

	line := make(Fields, len(fields)+2)
	for k, v := range fields {
		line[k] = v
	}
	line["event"] = event
	line["time"] = el.now().UTC().Format(time.RFC3339Nano)

	// Unencodable values (NaN observables) drop the line, not the run.
	_ = el.enc.Encode(line)
}

// Close closes the file. Later Record calls are no-ops.
func (el *EventLogger) Close() {
	if el == nil {
		return
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file != nil {
		el.file.Close()
		el.file = nil
	}
}
