package flow

import (
	"errors"
	"fmt"
)

// ErrDropped signals that a node deliberately discarded the message. The
// channel treats a drop as a successful outcome: the stored entry becomes
// PROCESSED and the drop end-nodes fire. Nodes request it by returning this
// sentinel, directly or wrapped.
var ErrDropped = errors.New("flow: message dropped")

// ErrRejected signals that a node refused the message as invalid. The stored
// entry becomes REJECTED and the reject end-nodes fire.
var ErrRejected = errors.New("flow: message rejected")

// ErrChannelStopped is returned by Handle when the channel is stopping or
// stopped. The message was persisted and its entry stays PENDING.
var ErrChannelStopped = errors.New("flow: channel stopped")

// ErrPaused is returned by Handle when the message was parked for automatic
// retry, either because the channel is paused or because a transient failure
// just paused it. The stored entry is WAIT_RETRY; the retry loop will finish
// the work.
var ErrPaused = errors.New("flow: channel paused, message parked for retry")

// RetryError marks a failure as transient regardless of the node's Retryable
// classifier. Nodes return it to request enrollment in the retry store.
type RetryError struct {
	Err error
}

func (e *RetryError) Error() string {
	if e.Err == nil {
		return "flow: transient failure"
	}
	return fmt.Sprintf("flow: transient failure: %v", e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// NodeError wraps an unclassified failure with the channel and node it came
// from.
type NodeError struct {
	Channel string
	Node    string
	Err     error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("flow: node %s/%s: %v", e.Channel, e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// ConfigError reports a channel assembly mistake, such as a duplicate node
// name or an end-node group set twice. Assembly methods record these and
// Start surfaces them, so channel construction stays chainable.
type ConfigError struct {
	Channel string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("flow: channel %s: %s", e.Channel, e.Reason)
}

// errFailureHandled marks a successfully replayed failure path: the message
// itself failed earlier, and retrying its failure handlers succeeded. The
// retry loop records it as an error outcome for the origin entry.
var errFailureHandled = errors.New("flow: message failed, failure handlers completed")
