package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// LogEmitter implements Emitter by writing events to an io.Writer.
//
// Two output modes:
//   - text: one human-readable line per event, for development
//   - JSON: one JSON object per line (JSONL), for log aggregation
//
// Example text output:
//
//	[channel_state_change] channel=orders from=waiting to=processing
//	[handle_done] channel=orders msg_id=3f2a88 outcome=processed duration_ms=12
//
// A mutex serializes writes so concurrent channels produce whole lines.
type LogEmitter struct {
	mu     sync.Mutex
	writer io.Writer
	json   bool
}

// NewLogEmitter creates a LogEmitter writing to w (os.Stdout when w is nil).
// jsonMode selects JSONL output instead of text lines.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{writer: w, json: jsonMode}
}

// Emit writes the event as one line. Write errors are swallowed: observability
// must never fail the pipeline.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.json {
		enc := json.NewEncoder(l.writer)
		_ = enc.Encode(event)
		return
	}

	fmt.Fprintf(l.writer, "[%s] channel=%s", event.Msg, event.Channel)
	if event.Node != "" {
		fmt.Fprintf(l.writer, " node=%s", event.Node)
	}
	if event.MsgID != "" {
		fmt.Fprintf(l.writer, " msg_id=%s", event.MsgID)
	}
	for _, k := range sortedKeys(event.Meta) {
		fmt.Fprintf(l.writer, " %s=%v", k, event.Meta[k])
	}
	fmt.Fprintln(l.writer)
}

// sortedKeys keeps text output deterministic for tests and diffing.
func sortedKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
