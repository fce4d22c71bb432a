package flow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/millrace/millrace/flow/message"
)

// Node is one step of a channel's pipeline. Process receives the current
// message and returns its successor; returning nil with a nil error passes
// the input through unchanged, which suits side-effect-only nodes.
//
// Failures are classified by the returned error: ErrDropped and ErrRejected
// request those outcomes, a *RetryError (or any error matched by the node's
// Retryable classifier) enrolls the message for automatic retry, and anything
// else fails the message.
//
// Implementations embed Base (or BaseNode) to get naming and the per-node
// settings the channel honors.
type Node interface {
	Name() string
	Process(ctx context.Context, msg *message.Message) (*message.Message, error)
}

// Stream is a lazy, finite, non-restartable message iterator. Next returns
// io.EOF after the last message.
type Stream interface {
	Next(ctx context.Context) (*message.Message, error)
}

// Streamer is the optional fan-out capability: a node that turns one message
// into several. The channel drives the rest of the chain once per produced
// message; every produced message inherits the input's origin links.
type Streamer interface {
	Node
	Stream(ctx context.Context, msg *message.Message) (Stream, error)
}

// Base carries a node's name and the per-node settings the channel applies
// around Process. Embed it in node implementations; the zero value is usable
// and the channel assigns a positional name if NodeName stays empty.
type Base struct {
	// NodeName identifies the node within its channel, including as the
	// resume point of retry records, so it must stay stable across restarts.
	NodeName string

	// Passthrough discards the node's output and continues with the input
	// message; the node runs for its side effects only.
	Passthrough bool

	// StoreInputAs stashes the incoming message as a named context snapshot
	// before processing; StoreOutputAs stashes the outgoing one after.
	StoreInputAs  string
	StoreOutputAs string

	// StoreMeta lists message-meta keys whose values are appended to the
	// origin stored entry's store-meta after processing.
	StoreMeta []string

	// LogOutput logs the node's output payload at debug level.
	LogOutput bool

	// Retryable classifies errors as transient. A matching failure enrolls
	// the message in the channel's retry store instead of failing it.
	Retryable func(error) bool

	// Timeout bounds one Process call. Zero means no per-node deadline.
	Timeout time.Duration

	processed atomic.Int64

	mu         sync.Mutex
	testing    bool
	lastInput  *message.Message
	mockInput  *message.Message
	mockOutput *message.Message
}

// base lets the channel reach the settings of any node that embeds Base.
func (b *Base) base() *Base { return b }

type baseProvider interface{ base() *Base }

// baseOf returns the embedded Base of a node, or nil for nodes that do not
// embed one.
func baseOf(n Node) *Base {
	if p, ok := n.(baseProvider); ok {
		return p.base()
	}
	return nil
}

// Name returns the node's name.
func (b *Base) Name() string { return b.NodeName }

// Processed returns how many messages the node has successfully processed.
func (b *Base) Processed() int64 { return b.processed.Load() }

// Mock puts the node in test mode. A non-nil input replaces the incoming
// message before processing; a non-nil output replaces the node's result
// without running Process. Test mode also records the last input for
// LastInput.
func (b *Base) Mock(input, output *message.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.testing = true
	b.mockInput = input
	b.mockOutput = output
}

// LastInput returns the most recent message the node received while in test
// mode, nil outside test mode.
func (b *Base) LastInput() *message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastInput
}

// ResetTest leaves test mode and clears mocks, the recorded input and the
// processed counter.
func (b *Base) ResetTest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.testing = false
	b.lastInput = nil
	b.mockInput = nil
	b.mockOutput = nil
	b.processed.Store(0)
}

// mocks returns the test-mode substitutions, recording the given message as
// the last input when test mode is on.
func (b *Base) mocks(in *message.Message) (input, output *message.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.testing {
		return nil, nil
	}
	b.lastInput = in
	return b.mockInput, b.mockOutput
}

// countProcessed increments the node's processed counter.
func (b *Base) countProcessed() { b.processed.Add(1) }

// BaseNode is Base plus a pass-through Process. Streamer implementations
// embed it so the fan-out capability alone completes the Node contract.
type BaseNode struct {
	Base
}

func (n *BaseNode) Process(ctx context.Context, msg *message.Message) (*message.Message, error) {
	return msg, nil
}

// FuncNode adapts a payload transform into a Node.
type FuncNode struct {
	Base
	fn func(ctx context.Context, payload any) (any, error)
}

// Func builds a node from a payload transform. The returned node can be
// configured further through its Base fields before assembly.
func Func(name string, fn func(ctx context.Context, payload any) (any, error)) *FuncNode {
	n := &FuncNode{fn: fn}
	n.NodeName = name
	return n
}

func (n *FuncNode) Process(ctx context.Context, msg *message.Message) (*message.Message, error) {
	payload, err := n.fn(ctx, msg.Payload)
	if err != nil {
		return nil, err
	}
	msg.Payload = payload
	return msg, nil
}

// MsgFuncNode adapts a whole-message transform into a Node, for steps that
// touch metadata or context in addition to the payload.
type MsgFuncNode struct {
	Base
	fn func(ctx context.Context, msg *message.Message) (*message.Message, error)
}

// MsgFunc builds a node from a whole-message transform.
func MsgFunc(name string, fn func(ctx context.Context, msg *message.Message) (*message.Message, error)) *MsgFuncNode {
	n := &MsgFuncNode{fn: fn}
	n.NodeName = name
	return n
}

func (n *MsgFuncNode) Process(ctx context.Context, msg *message.Message) (*message.Message, error) {
	return n.fn(ctx, msg)
}
