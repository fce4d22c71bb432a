// Package emit provides observability events for channel execution.
package emit

// Common event names emitted by the engine. Emitters may receive other names;
// these constants cover the engine's own lifecycle signals.
const (
	// ChannelStateChange is emitted on every channel state transition.
	// Meta carries "from" and "to" state names.
	ChannelStateChange = "channel_state_change"

	// HandleStart and HandleDone bracket the processing of one message.
	// HandleDone meta carries "outcome" and "duration_ms".
	HandleStart = "handle_start"
	HandleDone  = "handle_done"

	// RetryEnrolled is emitted when a message is parked for later retry.
	// Meta carries "nodename" (the resume point).
	RetryEnrolled = "retry_enrolled"

	// RetryDrainStart and RetryDrainDone bracket one pass of the retry
	// drain loop. RetryDrainDone meta carries "remaining".
	RetryDrainStart = "retry_drain_start"
	RetryDrainDone  = "retry_drain_done"
)

// Event is a single observability record from channel execution.
//
// Channel names the emitting channel. Node is set when the event concerns a
// specific pipeline node, MsgID when it concerns a specific message; both may
// be empty. Msg is the event name (see the constants above) and Meta carries
// event-specific details.
type Event struct {
	Channel string         `json:"channel"`
	Node    string         `json:"node,omitempty"`
	MsgID   string         `json:"msg_id,omitempty"`
	Msg     string         `json:"msg"`
	Meta    map[string]any `json:"meta,omitempty"`
}
