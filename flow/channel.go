// Package flow implements the message-routing engine core. A Channel owns an
// ordered pipeline of nodes, a message store tracking every admitted message,
// and a state machine that serializes processing; on transient failures it
// parks messages in a retry store, pauses itself, and drains the backlog in
// the background. Channels are assembled through a Registry, started once,
// and fed through Handle.
//
// See the message, store and emit sub-packages for the message value, the
// persistence backends and the event emitters.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/millrace/millrace/flow/emit"
	"github.com/millrace/millrace/flow/message"
	"github.com/millrace/millrace/flow/store"
)

// State is the lifecycle state of a channel.
type State string

const (
	// Stopped means the channel is not accepting messages. Initial state,
	// re-entered after Stop.
	Stopped State = "stopped"
	// Starting covers store and retry-store initialization.
	Starting State = "starting"
	// Waiting means the channel is idle and ready for the next message.
	Waiting State = "waiting"
	// Processing means a message is being walked through the pipeline.
	Processing State = "processing"
	// Stopping means Stop was called and in-flight work is finishing.
	Stopping State = "stopping"
	// Paused means the retry store holds a backlog; admitted messages are
	// parked instead of processed until the backlog drains.
	Paused State = "paused"
)

// Channel walks messages through its node pipeline, one at a time.
//
// A channel is assembled by appending nodes (and optionally setting end-node
// groups), then started. Assembly methods are chainable and never fail
// immediately; mistakes such as duplicate node names are collected and
// surfaced by Start as a ConfigError.
type Channel struct {
	name   string
	reg    *Registry
	parent *Channel

	logBase *slog.Logger
	log     *slog.Logger
	emitter emit.Emitter
	spawner Spawner
	metrics *Metrics

	storeFactory store.Factory
	retryBase    string
	retryDelay   time.Duration
	retryMax     time.Duration

	store *store.Store
	retry *RetryStore

	lock fifoLock

	stateMu sync.Mutex
	state   State

	nodes       []Node
	initNodes   []Node
	joinNodes   []Node
	dropNodes   []Node
	rejectNodes []Node
	failNodes   []Node
	finalNodes  []Node
	groupsSet   map[string]bool

	subs []*Channel

	confErrs  []error
	frozen    bool
	topChain  []Node
	locations map[string]nodeLoc

	processed atomic.Int64
}

// NewChannel creates a channel, registers it, and prepares its store through
// the configured factory. The name must be non-empty and free of dots, which
// separate sub-channel name segments.
func NewChannel(reg *Registry, name string, opts ...Option) (*Channel, error) {
	if name == "" || strings.Contains(name, ".") {
		return nil, &ConfigError{Channel: name, Reason: "channel name must be non-empty and must not contain dots"}
	}
	c, err := newChannelCore(reg, name, opts...)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// newChannelCore builds an unregistered channel with defaults applied.
func newChannelCore(reg *Registry, name string, opts ...Option) (*Channel, error) {
	c := &Channel{
		name:       name,
		reg:        reg,
		state:      Stopped,
		groupsSet:  map[string]bool{},
		retryDelay: time.Second,
		retryMax:   time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logBase == nil {
		c.logBase = slog.Default()
	}
	c.log = c.logBase.With("channel", name)
	if c.emitter == nil {
		c.emitter = emit.NewNullEmitter()
	}
	if c.spawner == nil {
		c.spawner = GoSpawner{}
	}
	if c.storeFactory == nil {
		c.storeFactory = store.NewNullFactory()
	}
	s, err := c.storeFactory.Get(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create store for channel %s: %w", name, err)
	}
	c.store = s
	return c, nil
}

// Name returns the channel's registry-unique name. Sub-channels are named
// <parent>.<own>.
func (c *Channel) Name() string { return c.name }

// Store returns the channel's message store.
func (c *Channel) Store() *store.Store { return c.store }

// Retry returns the channel's retry store. It is nil until the first Start
// of a channel configured with WithRetryDir, and always nil without one.
func (c *Channel) Retry() *RetryStore { return c.retry }

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Channel) setState(next State) {
	c.stateMu.Lock()
	prev := c.state
	c.state = next
	c.stateMu.Unlock()
	if prev == next {
		return
	}
	c.log.Debug("state change", "from", string(prev), "to", string(next))
	c.emitter.Emit(emit.Event{
		Msg:     emit.ChannelStateChange,
		Channel: c.name,
		Meta:    map[string]any{"from": string(prev), "to": string(next)},
	})
}

func (c *Channel) addConfErr(reason string) {
	c.confErrs = append(c.confErrs, &ConfigError{Channel: c.name, Reason: reason})
}

// Append adds nodes to the end of the main chain.
func (c *Channel) Append(nodes ...Node) *Channel {
	if c.frozen {
		c.addConfErr("cannot append nodes to a started channel")
		return c
	}
	c.nodes = append(c.nodes, nodes...)
	return c
}

// SetInitNodes sets the nodes run before the main chain for every message.
// Each end-node group can be set once.
func (c *Channel) SetInitNodes(nodes ...Node) *Channel {
	c.setGroup("init", &c.initNodes, nodes)
	return c
}

// SetJoinNodes sets the nodes run with a copy of the result after a message
// completes successfully.
func (c *Channel) SetJoinNodes(nodes ...Node) *Channel {
	c.setGroup("join", &c.joinNodes, nodes)
	return c
}

// SetDropNodes sets the nodes run when a message is dropped.
func (c *Channel) SetDropNodes(nodes ...Node) *Channel {
	c.setGroup("drop", &c.dropNodes, nodes)
	return c
}

// SetRejectNodes sets the nodes run when a message is rejected.
func (c *Channel) SetRejectNodes(nodes ...Node) *Channel {
	c.setGroup("reject", &c.rejectNodes, nodes)
	return c
}

// SetFailNodes sets the nodes run when a message fails with an unclassified
// error.
func (c *Channel) SetFailNodes(nodes ...Node) *Channel {
	c.setGroup("fail", &c.failNodes, nodes)
	return c
}

// SetFinalNodes sets the nodes run after every completed outcome, success or
// not. They do not run when a message is parked for retry; they run once its
// retry concludes.
func (c *Channel) SetFinalNodes(nodes ...Node) *Channel {
	c.setGroup("final", &c.finalNodes, nodes)
	return c
}

func (c *Channel) setGroup(kind string, dst *[]Node, nodes []Node) {
	if c.frozen {
		c.addConfErr(fmt.Sprintf("cannot set %s nodes on a started channel", kind))
		return
	}
	if c.groupsSet[kind] {
		c.addConfErr(fmt.Sprintf("%s nodes already set", kind))
		return
	}
	c.groupsSet[kind] = true
	*dst = nodes
}

// Start freezes the assembly, starts the store, the sub-channels and the
// retry store, and makes the channel ready for Handle. A non-empty retry
// backlog puts the channel straight into Paused and begins draining.
func (c *Channel) Start(ctx context.Context) error {
	if err := c.freeze(); err != nil {
		return err
	}
	if c.State() != Stopped {
		return nil
	}
	c.setState(Starting)
	if err := c.store.Start(ctx); err != nil {
		c.setState(Stopped)
		return fmt.Errorf("failed to start store of channel %s: %w", c.name, err)
	}
	for _, sub := range c.subs {
		if err := sub.Start(ctx); err != nil {
			c.setState(Stopped)
			return err
		}
	}
	if c.retryBase != "" {
		if c.retry == nil {
			c.retry = newRetryStore(c)
		}
		if err := c.retry.Start(ctx); err != nil {
			c.setState(Stopped)
			return fmt.Errorf("failed to start retry store of channel %s: %w", c.name, err)
		}
	}
	if c.State() == Starting {
		c.setState(Waiting)
	}
	c.log.Info("channel started", "state", string(c.State()))
	return nil
}

// Stop waits for in-flight work, stops the retry loop, the sub-channels and
// the store. Retry records stay on disk; the next Start resumes draining
// them.
func (c *Channel) Stop(ctx context.Context) error {
	if c.State() == Stopped {
		return nil
	}
	c.setState(Stopping)
	if c.retry != nil {
		c.retry.shutdown(ctx)
	}
	if err := c.lock.Lock(ctx); err != nil {
		return err
	}
	c.lock.Unlock()

	var errs []error
	for _, sub := range c.subs {
		errs = append(errs, sub.Stop(ctx))
	}
	if c.retry != nil {
		errs = append(errs, c.retry.stop(ctx))
	}
	errs = append(errs, c.store.Stop(ctx))
	c.setState(Stopped)
	c.log.Info("channel stopped")
	return errors.Join(errs...)
}

// freeze validates the assembly once: default names are assigned, names must
// be unique across the chain and end-node groups, and collected assembly
// errors surface here.
func (c *Channel) freeze() error {
	if !c.frozen {
		c.frozen = true
		c.locations = map[string]nodeLoc{}

		c.topChain = make([]Node, 0, len(c.initNodes)+len(c.nodes))
		c.topChain = append(c.topChain, c.initNodes...)
		c.topChain = append(c.topChain, c.nodes...)

		serial := 0
		index := func(sec section, nodes []Node, base int) {
			for i, n := range nodes {
				name := n.Name()
				if name == "" {
					if b := baseOf(n); b != nil {
						b.NodeName = fmt.Sprintf("node-%d", serial)
						name = b.NodeName
					} else {
						c.addConfErr(fmt.Sprintf("node at position %d has no name", serial))
						serial++
						continue
					}
				}
				if _, dup := c.locations[name]; dup {
					c.addConfErr(fmt.Sprintf("duplicate node name %q", name))
				} else {
					c.locations[name] = nodeLoc{sec: sec, idx: base + i}
				}
				serial++
			}
		}
		index(secTop, c.initNodes, 0)
		index(secTop, c.nodes, len(c.initNodes))
		index(secJoin, c.joinNodes, 0)
		index(secDrop, c.dropNodes, 0)
		index(secReject, c.rejectNodes, 0)
		index(secFail, c.failNodes, 0)
		index(secFinal, c.finalNodes, 0)
	}
	return errors.Join(c.confErrs...)
}

// Handle admits one message: persist it, serialize behind earlier messages,
// walk the pipeline and track the outcome on the stored entry.
//
// The returned error classifies every non-success outcome: ErrDropped and
// ErrRejected for deliberate node decisions, ErrPaused when the message was
// parked for retry, ErrChannelStopped when the channel no longer accepts
// work, and the processing error itself otherwise.
func (c *Channel) Handle(ctx context.Context, msg *message.Message) (*message.Message, error) {
	start := time.Now()
	label := "error"
	defer func() {
		c.metrics.observeHandled(c.name, label, time.Since(start))
	}()

	entryID, err := c.store.Store(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to store message on channel %s: %w", c.name, err)
	}
	if entryID != "" {
		msg.StoreID = entryID
		msg.StoreChannel = c.name
	}
	c.emitter.Emit(emit.Event{Msg: emit.HandleStart, Channel: c.name, MsgID: msg.ID})

	switch c.State() {
	case Stopped, Stopping:
		label = "stopped"
		return nil, ErrChannelStopped
	case Paused:
		label = "paused"
		return c.park(ctx, entryID, msg)
	}

	if err := c.lock.Lock(ctx); err != nil {
		return nil, err
	}
	// The channel may have been stopped or paused while this message waited
	// its turn.
	switch c.State() {
	case Stopped, Stopping:
		c.lock.Unlock()
		label = "stopped"
		return nil, ErrChannelStopped
	case Paused:
		c.lock.Unlock()
		label = "paused"
		return c.park(ctx, entryID, msg)
	}

	c.metrics.adjustInFlight(c.name, 1)
	c.setState(Processing)

	result, out := c.processAdmitted(ctx, entryID, msg)

	if c.State() == Processing {
		c.setState(Waiting)
	}
	c.processed.Add(1)
	c.metrics.adjustInFlight(c.name, -1)
	c.lock.Unlock()

	label = outcomeLabel(out.kind)
	c.emitter.Emit(emit.Event{
		Msg:     emit.HandleDone,
		Channel: c.name,
		MsgID:   msg.ID,
		Meta:    map[string]any{"outcome": label, "duration_ms": time.Since(start).Milliseconds()},
	})
	return result, out.err
}

// park records an admitted message as WAIT_RETRY and enrolls it whole in the
// retry store, to be re-run from the top once the backlog drains.
func (c *Channel) park(ctx context.Context, entryID string, msg *message.Message) (*message.Message, error) {
	if c.retry == nil {
		return nil, fmt.Errorf("flow: channel %s paused without a retry store", c.name)
	}
	if err := c.store.SetState(ctx, entryID, store.StateWaitRetry); err != nil {
		return nil, fmt.Errorf("failed to park message on channel %s: %w", c.name, err)
	}
	if err := c.retry.StoreUntilRetry(ctx, msg, ""); err != nil {
		return nil, err
	}
	return nil, ErrPaused
}

// processAdmitted walks one admitted message while the lock is held and maps
// the outcome onto the stored entry.
func (c *Channel) processAdmitted(ctx context.Context, entryID string, msg *message.Message) (*message.Message, outcome) {
	work, err := msg.Copy()
	if err != nil {
		c.entryState(ctx, entryID, store.StateError)
		return nil, outcome{kind: outcomeErrored, err: err}
	}

	out := c.execute(ctx, msg, work, "", true)

	switch out.kind {
	case outcomeCompleted, outcomeDropped:
		c.entryState(ctx, entryID, store.StateProcessed)
	case outcomeRejected:
		c.entryState(ctx, entryID, store.StateRejected)
	case outcomePaused:
		c.entryState(ctx, entryID, store.StateWaitRetry)
	case outcomeErrored:
		c.entryState(ctx, entryID, store.StateError)
		c.log.Error("message failed", "msg_id", msg.ID, "error", out.err)
	}

	result, err := mapOutcome(out)
	out.err = err
	return result, out
}

func (c *Channel) entryState(ctx context.Context, entryID string, st store.State) {
	if err := c.store.SetState(ctx, entryID, st); err != nil {
		c.log.Warn("failed to update entry state", "entry", entryID, "state", string(st), "error", err)
	}
}

// Inject re-enters the pipeline at the named node; an empty name means a full
// run including end-node groups. The message's terminal state is appended to
// its origin entry's sub-message history, but no new entry is created.
func (c *Channel) Inject(ctx context.Context, msg *message.Message, startNode string, callEndnodes bool) (*message.Message, error) {
	if err := c.lock.Lock(ctx); err != nil {
		return nil, err
	}
	defer c.lock.Unlock()
	if st := c.State(); st != Waiting {
		return nil, fmt.Errorf("flow: channel %s not ready for injection (state %s)", c.name, st)
	}
	c.setState(Processing)
	result, err := c.injectLocked(ctx, msg, startNode, callEndnodes)
	if c.State() == Processing {
		c.setState(Waiting)
	}
	return result, err
}

// injectLocked runs an injection with the channel lock already held. The
// retry drain calls it directly while the channel stays Paused.
func (c *Channel) injectLocked(ctx context.Context, msg *message.Message, startNode string, callEndnodes bool) (*message.Message, error) {
	work, err := msg.Copy()
	if err != nil {
		return nil, err
	}
	out := c.execute(ctx, msg, work, startNode, callEndnodes)
	c.recordSubState(ctx, msg, out)
	return mapOutcome(out)
}

// recordSubState appends the terminal state of an injected message to its
// origin entry. Parked outcomes are not terminal and record nothing.
func (c *Channel) recordSubState(ctx context.Context, msg *message.Message, out outcome) {
	if msg.StoreID == "" {
		return
	}
	var st store.State
	switch out.kind {
	case outcomeCompleted, outcomeDropped:
		st = store.StateProcessed
	case outcomeRejected:
		st = store.StateRejected
	case outcomeErrored:
		st = store.StateError
	default:
		return
	}
	origin := c.originStore(msg)
	if origin == nil {
		return
	}
	if err := origin.AddSubState(ctx, msg.StoreID, msg.ID, st); err != nil {
		c.log.Warn("failed to record sub-message state", "entry", msg.StoreID, "error", err)
	}
}

// originStore resolves the store holding a message's origin entry, following
// the StoreChannel back-link through the registry.
func (c *Channel) originStore(msg *message.Message) *store.Store {
	switch msg.StoreChannel {
	case "":
		return nil
	case c.name:
		return c.store
	}
	if ch, ok := c.reg.Channel(msg.StoreChannel); ok {
		return ch.store
	}
	return nil
}

// Replay re-runs a stored message as a fresh one. The original entry is left
// untouched; the new run is tracked as its own entry.
func (c *Channel) Replay(ctx context.Context, entryID string) (*message.Message, error) {
	e, err := c.store.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	renewed, err := e.Message.Renew()
	if err != nil {
		return nil, err
	}
	return c.Handle(ctx, renewed)
}

// Summary is a point-in-time description of a channel and its sub-channels.
type Summary struct {
	Name      string
	Status    State
	HasStore  bool
	Processed int64
	Subs      []Summary
}

// Summary reports the channel's name, state, persistence and processed count,
// recursively including sub-channels.
func (c *Channel) Summary() Summary {
	s := Summary{
		Name:      c.name,
		Status:    c.State(),
		HasStore:  c.store.Persisted(),
		Processed: c.processed.Load(),
	}
	for _, sub := range c.subs {
		s.Subs = append(s.Subs, sub.Summary())
	}
	return s
}

// ResetTest clears test mocks and counters on every node of the channel and
// its sub-channels.
func (c *Channel) ResetTest() {
	for _, group := range [][]Node{
		c.initNodes, c.nodes, c.joinNodes, c.dropNodes, c.rejectNodes, c.failNodes, c.finalNodes,
	} {
		for _, n := range group {
			if b := baseOf(n); b != nil {
				b.ResetTest()
			}
		}
	}
	for _, sub := range c.subs {
		sub.ResetTest()
	}
}
