package flow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"time"

	"github.com/millrace/millrace/flow/message"
)

// DropNode unconditionally discards every message it receives. Place it
// behind a When branch to throw away a matched class of messages.
type DropNode struct {
	Base
}

// Drop creates a node that drops every message.
func Drop(name string) *DropNode {
	n := &DropNode{}
	n.NodeName = name
	return n
}

func (n *DropNode) Process(ctx context.Context, msg *message.Message) (*message.Message, error) {
	return nil, ErrDropped
}

// RejectNode unconditionally rejects every message it receives.
type RejectNode struct {
	Base
}

// Reject creates a node that rejects every message.
func Reject(name string) *RejectNode {
	n := &RejectNode{}
	n.NodeName = name
	return n
}

func (n *RejectNode) Process(ctx context.Context, msg *message.Message) (*message.Message, error) {
	return nil, ErrRejected
}

// LogNode logs each passing message and hands it on unchanged.
type LogNode struct {
	Base

	// Logger receives the records; nil falls back to slog.Default.
	Logger *slog.Logger

	// Level is the log level for the records, slog.LevelInfo by default.
	Level slog.Level

	// WithPayload includes the payload in the record.
	WithPayload bool
}

// Log creates a node that logs message IDs (and optionally payloads) at info
// level.
func Log(name string) *LogNode {
	n := &LogNode{}
	n.NodeName = name
	return n
}

func (n *LogNode) Process(ctx context.Context, msg *message.Message) (*message.Message, error) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"node", n.NodeName, "msg_id", msg.ID}
	if n.WithPayload {
		attrs = append(attrs, "payload", msg.Payload)
	}
	logger.Log(ctx, n.Level, "message passing", attrs...)
	return msg, nil
}

// EmptyNode replaces the message with a fresh empty one: new identity, nil
// payload, no metadata or context. Origin links are kept so downstream
// bookkeeping still reaches the stored entry.
type EmptyNode struct {
	Base
}

// Empty creates a node that blanks the message.
func Empty(name string) *EmptyNode {
	n := &EmptyNode{}
	n.NodeName = name
	return n
}

func (n *EmptyNode) Process(ctx context.Context, msg *message.Message) (*message.Message, error) {
	out := message.New(nil)
	out.StoreID = msg.StoreID
	out.StoreChannel = msg.StoreChannel
	return out, nil
}

// SleepNode delays the message for a fixed duration, honoring context
// cancellation.
type SleepNode struct {
	Base
	Duration time.Duration
}

// Sleep creates a node that holds each message for d.
func Sleep(name string, d time.Duration) *SleepNode {
	n := &SleepNode{Duration: d}
	n.NodeName = name
	return n
}

func (n *SleepNode) Process(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if n.Duration <= 0 {
		return msg, nil
	}
	timer := time.NewTimer(n.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetContextNode restores a context snapshot stashed earlier (via
// StoreInputAs, StoreOutputAs or Message.AddContext) as the message's payload
// and metadata.
type SetContextNode struct {
	Base
	ContextName string
}

// SetContext creates a node restoring the named context snapshot.
func SetContext(name, contextName string) *SetContextNode {
	n := &SetContextNode{ContextName: contextName}
	n.NodeName = name
	return n
}

func (n *SetContextNode) Process(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if err := msg.RestoreContext(n.ContextName); err != nil {
		return nil, err
	}
	return msg, nil
}

// YielderNode fans a slice payload out into one message per element. Each
// produced message is a fresh copy of the input carrying one element as its
// payload, so siblings share metadata and context but never storage.
type YielderNode struct {
	BaseNode
}

// Yielder creates a fan-out node over slice payloads.
func Yielder(name string) *YielderNode {
	n := &YielderNode{}
	n.NodeName = name
	return n
}

func (n *YielderNode) Stream(ctx context.Context, msg *message.Message) (Stream, error) {
	rv := reflect.ValueOf(msg.Payload)
	if msg.Payload == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("yielder %s needs a slice payload, got %T", n.NodeName, msg.Payload)
	}
	return &sliceStream{parent: msg, elems: rv}, nil
}

type sliceStream struct {
	parent *message.Message
	elems  reflect.Value
	next   int
}

func (s *sliceStream) Next(ctx context.Context) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= s.elems.Len() {
		return nil, io.EOF
	}
	elem := s.elems.Index(s.next).Interface()
	s.next++

	child, err := s.parent.Renew()
	if err != nil {
		return nil, err
	}
	child.Payload = elem
	return child, nil
}
