package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, organized
// per channel. It backs tests (assert on the exact event sequence a channel
// produced) and simple monitoring endpoints.
//
// All events are kept until cleared; for long-running deployments prefer a
// forwarding emitter and keep this one for diagnosis windows.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // channel name -> events in emission order
}

// Filter selects a subset of a channel's history. Empty fields match
// everything; set fields combine with AND.
type Filter struct {
	Node  string
	Msg   string
	MsgID string
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to the emitting channel's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.Channel] = append(b.events[event.Channel], event)
}

// History returns a copy of all events emitted by the named channel, in
// emission order.
func (b *BufferedEmitter) History(channel string) []Event {
	return b.HistoryWithFilter(channel, Filter{})
}

// HistoryWithFilter returns the named channel's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(channel string, f Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, ev := range b.events[channel] {
		if f.Node != "" && ev.Node != f.Node {
			continue
		}
		if f.Msg != "" && ev.Msg != f.Msg {
			continue
		}
		if f.MsgID != "" && ev.MsgID != f.MsgID {
			continue
		}
		result = append(result, ev)
	}
	return result
}

// Clear removes the named channel's history, or every channel's history when
// the name is empty.
func (b *BufferedEmitter) Clear(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, channel)
}
