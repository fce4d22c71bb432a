package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	em := NewLogEmitter(&buf, false)

	em.Emit(Event{
		Channel: "orders",
		Node:    "validate",
		MsgID:   "abc123",
		Msg:     HandleStart,
	})

	line := buf.String()
	if !strings.HasPrefix(line, "[handle_start] channel=orders") {
		t.Errorf("unexpected line prefix: %q", line)
	}
	if !strings.Contains(line, "node=validate") || !strings.Contains(line, "msg_id=abc123") {
		t.Errorf("expected node and msg_id in line, got %q", line)
	}
}

func TestLogEmitterTextMetaOrder(t *testing.T) {
	var buf bytes.Buffer
	em := NewLogEmitter(&buf, false)

	em.Emit(Event{
		Channel: "orders",
		Msg:     ChannelStateChange,
		Meta:    map[string]any{"to": "processing", "from": "waiting"},
	})

	want := "[channel_state_change] channel=orders from=waiting to=processing\n"
	if got := buf.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	em := NewLogEmitter(&buf, true)

	em.Emit(Event{Channel: "orders", Msg: HandleDone, Meta: map[string]any{"outcome": "processed"}})

	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", buf.String(), err)
	}
	if decoded.Channel != "orders" || decoded.Msg != HandleDone {
		t.Errorf("unexpected decoded event: %+v", decoded)
	}
	if decoded.Meta["outcome"] != "processed" {
		t.Errorf("expected meta round-trip, got %v", decoded.Meta)
	}
}

func TestNullEmitter(t *testing.T) {
	em := NewNullEmitter()
	// Must not panic, even with an empty event.
	em.Emit(Event{})
	em.Emit(Event{Channel: "x", Msg: HandleStart})
}

func TestBufferedEmitter(t *testing.T) {
	em := NewBufferedEmitter()

	em.Emit(Event{Channel: "a", Node: "n1", Msg: HandleStart})
	em.Emit(Event{Channel: "a", Node: "n1", Msg: HandleDone})
	em.Emit(Event{Channel: "b", Msg: HandleStart})

	t.Run("history per channel", func(t *testing.T) {
		if got := len(em.History("a")); got != 2 {
			t.Errorf("expected 2 events for channel a, got %d", got)
		}
		if got := len(em.History("b")); got != 1 {
			t.Errorf("expected 1 event for channel b, got %d", got)
		}
		if got := len(em.History("missing")); got != 0 {
			t.Errorf("expected empty history, got %d", got)
		}
	})

	t.Run("filter", func(t *testing.T) {
		done := em.HistoryWithFilter("a", Filter{Msg: HandleDone})
		if len(done) != 1 || done[0].Msg != HandleDone {
			t.Errorf("expected one handle_done event, got %+v", done)
		}
	})

	t.Run("history copy is isolated", func(t *testing.T) {
		h := em.History("a")
		h[0].Msg = "mutated"
		if em.History("a")[0].Msg != HandleStart {
			t.Error("expected internal events unaffected by mutation of returned slice")
		}
	})

	t.Run("clear one channel", func(t *testing.T) {
		em.Clear("a")
		if got := len(em.History("a")); got != 0 {
			t.Errorf("expected cleared history, got %d", got)
		}
		if got := len(em.History("b")); got != 1 {
			t.Errorf("expected channel b untouched, got %d", got)
		}
	})

	t.Run("clear all", func(t *testing.T) {
		em.Clear("")
		if got := len(em.History("b")); got != 0 {
			t.Errorf("expected all histories cleared, got %d", got)
		}
	})
}
