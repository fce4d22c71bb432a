// Package message defines the value that travels through channels: an
// identified, timestamped payload with metadata and named context snapshots.
//
// Messages are immutable by convention. Processing steps receive a message,
// derive a new payload or metadata, and hand the result onward; whenever a
// message crosses into a concurrent branch it must be deep-copied first so
// branches cannot observe each other's mutations.
package message

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Context is a snapshot of another message's payload and metadata, stashed
// under a name for later recombination (for example joining an enrichment
// result back onto the original payload).
type Context struct {
	Payload any            `json:"payload"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Message is the unit of work flowing through a channel.
//
// ID is assigned once at construction and never mutated afterwards; a message
// that needs a fresh identity (replay, re-injection) goes through Renew.
// Payload may be any JSON-serializable value: persistence, deep copies and
// store round-trips all go through JSON, so values that cannot be marshaled
// cannot travel through a persisted channel.
//
// StoreID and StoreChannel are back-links to the stored entry that tracks this
// message. They are empty until a channel persists the message and are
// inherited by messages fanned out from it, so every derived message can be
// traced back to its original entry.
type Message struct {
	ID           string             `json:"id"`
	Timestamp    time.Time          `json:"timestamp"`
	ContentType  string             `json:"content_type,omitempty"`
	Payload      any                `json:"payload"`
	Meta         map[string]any     `json:"meta,omitempty"`
	Ctx          map[string]Context `json:"ctx,omitempty"`
	StoreID      string             `json:"store_id,omitempty"`
	StoreChannel string             `json:"store_channel,omitempty"`
}

// New creates a message carrying the given payload, with a fresh hex ID and
// the current UTC time truncated to microseconds. Microsecond precision keeps
// timestamps stable across store round-trips, where the filesystem backend
// encodes them into fixed-width file names.
func New(payload any) *Message {
	u := uuid.New()
	return &Message{
		ID:          hex.EncodeToString(u[:]),
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
		ContentType: "application/json",
		Payload:     payload,
		Meta:        map[string]any{},
	}
}

// Copy returns a deep copy of the message via a JSON round-trip. The copy
// shares nothing with the original; composite payloads come back as generic
// JSON values (maps, slices, float64), which is the same shape a store
// round-trip produces.
func (m *Message) Copy() (*Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to copy message %s: %w", m.ID, err)
	}
	var cp Message
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to copy message %s: %w", m.ID, err)
	}
	if cp.Meta == nil {
		cp.Meta = map[string]any{}
	}
	return &cp, nil
}

// Renew returns a deep copy carrying a fresh ID and timestamp. Used when a
// stored message re-enters a channel (replay, retry) so the new run is tracked
// as its own entry.
func (m *Message) Renew() (*Message, error) {
	cp, err := m.Copy()
	if err != nil {
		return nil, err
	}
	u := uuid.New()
	cp.ID = hex.EncodeToString(u[:])
	cp.Timestamp = time.Now().UTC().Truncate(time.Microsecond)
	return cp, nil
}

// AddContext stashes a snapshot of another message's payload and metadata
// under the given name. The snapshot is deep-copied so later mutations of
// either message leave it untouched.
func (m *Message) AddContext(name string, other *Message) error {
	cp, err := other.Copy()
	if err != nil {
		return err
	}
	if m.Ctx == nil {
		m.Ctx = map[string]Context{}
	}
	m.Ctx[name] = Context{Payload: cp.Payload, Meta: cp.Meta}
	return nil
}

// RestoreContext replaces the message's payload and metadata with the named
// stashed snapshot. The snapshot stays in place and is deep-copied out, so it
// can be restored again later.
func (m *Message) RestoreContext(name string) error {
	snap, ok := m.Ctx[name]
	if !ok {
		return fmt.Errorf("message %s has no context %q", m.ID, name)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to restore context %q: %w", name, err)
	}
	var cp Context
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("failed to restore context %q: %w", name, err)
	}
	m.Payload = cp.Payload
	m.Meta = cp.Meta
	if m.Meta == nil {
		m.Meta = map[string]any{}
	}
	return nil
}

// ToJSON serializes the message for persistence.
func (m *Message) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message %s: %w", m.ID, err)
	}
	return data, nil
}

// FromJSON deserializes a message produced by ToJSON. Meta comes back as an
// empty map rather than nil, so loaded messages take mutations like fresh
// ones.
func FromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to deserialize message: %w", err)
	}
	if m.Meta == nil {
		m.Meta = map[string]any{}
	}
	return &m, nil
}

// String identifies the message in logs without dumping the payload.
func (m *Message) String() string {
	return fmt.Sprintf("<message %s at %s>", m.ID, m.Timestamp.Format(time.RFC3339Nano))
}
