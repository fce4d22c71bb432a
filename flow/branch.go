package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/millrace/millrace/flow/message"
)

// Predicate decides whether a message takes a conditional route. Predicates
// must not mutate the message.
type Predicate func(*message.Message) bool

// forkNode hands a copy of the message to a sub-channel running detached
// from the main walk.
type forkNode struct {
	Base
	sub *Channel
}

func (n *forkNode) Process(_ context.Context, msg *message.Message) (*message.Message, error) {
	return msg, nil
}

// whenNode hands the message to its sub-channel when the predicate matches;
// the sub-channel then replaces the rest of the chain.
type whenNode struct {
	Base
	pred Predicate
	sub  *Channel
}

func (n *whenNode) Process(_ context.Context, msg *message.Message) (*message.Message, error) {
	return msg, nil
}

// caseNode routes the message through the first sub-channel whose predicate
// matches, then continues the chain with that sub-channel's result.
type caseNode struct {
	Base
	preds []Predicate
	subs  []*Channel
}

func (n *caseNode) Process(_ context.Context, msg *message.Message) (*message.Message, error) {
	return msg, nil
}

// Fork inserts a branch point: every message passing it continues unchanged
// while a copy runs through the returned sub-channel in the background.
// Assemble the sub-channel before starting the parent.
func (c *Channel) Fork(name string, opts ...Option) *Channel {
	sub := c.newSubChannel(name, opts...)
	n := &forkNode{sub: sub}
	n.NodeName = name
	c.Append(n)
	return sub
}

// When inserts a conditional route: messages matching the predicate are
// diverted into the returned sub-channel and skip the rest of the parent
// chain; all others continue unchanged.
func (c *Channel) When(name string, pred Predicate, opts ...Option) *Channel {
	sub := c.newSubChannel(name, opts...)
	n := &whenNode{pred: pred, sub: sub}
	n.NodeName = name
	c.Append(n)
	return sub
}

// Case inserts a multi-way route with one sub-channel per predicate, named
// <name>-0, <name>-1 and so on. The first matching predicate wins; the
// sub-channel's result continues down the parent chain. A message matching
// no predicate continues unchanged.
func (c *Channel) Case(name string, preds ...Predicate) []*Channel {
	subs := make([]*Channel, len(preds))
	for i := range preds {
		subs[i] = c.newSubChannel(fmt.Sprintf("%s-%d", name, i))
	}
	n := &caseNode{preds: preds, subs: subs}
	n.NodeName = name
	c.Append(n)
	return subs
}

// newSubChannel builds and registers a child channel named <parent>.<short>.
// Children inherit the parent's logger, emitter, spawner, metrics and retry
// settings; their store defaults to the null store so injected messages keep
// pointing at the entry that admitted them on the parent.
func (c *Channel) newSubChannel(short string, opts ...Option) *Channel {
	if short == "" || strings.Contains(short, ".") {
		c.addConfErr(fmt.Sprintf("sub-channel name %q must be non-empty and must not contain dots", short))
	}
	full := c.name + "." + short
	inherited := []Option{
		WithLogger(c.logBase),
		WithEmitter(c.emitter),
		WithSpawner(c.spawner),
		WithMetrics(c.metrics),
		WithRetryDelays(c.retryDelay, c.retryMax),
	}
	if c.retryBase != "" {
		inherited = append(inherited, WithRetryDir(c.retryBase))
	}
	sub, err := newChannelCore(c.reg, full, append(inherited, opts...)...)
	if err != nil {
		c.addConfErr(fmt.Sprintf("sub-channel %q: %v", short, err))
		sub, _ = newChannelCore(c.reg, full, WithLogger(c.logBase), WithEmitter(c.emitter), WithSpawner(c.spawner))
	}
	if err := c.reg.Register(sub); err != nil {
		c.addConfErr(fmt.Sprintf("sub-channel %q: %v", short, err))
	}
	sub.parent = c
	c.subs = append(c.subs, sub)
	return sub
}

// launchFork starts a detached handle of a message copy on the fork's
// sub-channel. The copy is cut loose from the walk's cancellation; failures
// surface in the sub-channel's log only.
func (c *Channel) launchFork(ctx context.Context, n *forkNode, msg *message.Message) {
	n.countProcessed()
	cp, err := msg.Copy()
	if err != nil {
		c.log.Error("failed to copy message for fork", "node", n.NodeName, "error", err)
		return
	}
	sub := n.sub
	dctx := context.WithoutCancel(ctx)
	c.spawner.Spawn(func() error {
		_, err := sub.Handle(dctx, cp)
		return err
	}, func(err error) {
		switch {
		case err == nil:
		case errors.Is(err, ErrDropped), errors.Is(err, ErrRejected):
			sub.log.Debug("forked message discarded", "error", err)
		default:
			sub.log.Error("forked message failed", "error", err)
		}
	})
}

func (c *Channel) routeWhen(ctx context.Context, n *whenNode, msg *message.Message) (bool, outcome) {
	if !n.pred(msg) {
		return false, outcome{}
	}
	n.countProcessed()
	res, err := n.sub.Handle(ctx, msg)
	if err != nil {
		return true, c.classifyNodeErr(ctx, n, &n.Base, msg, err)
	}
	return true, completed(res)
}

func (c *Channel) routeCase(ctx context.Context, n *caseNode, msg *message.Message) outcome {
	for i, pred := range n.preds {
		if !pred(msg) {
			continue
		}
		n.countProcessed()
		res, err := n.subs[i].Handle(ctx, msg)
		if err != nil {
			return c.classifyNodeErr(ctx, n, &n.Base, msg, err)
		}
		return completed(res)
	}
	n.countProcessed()
	return completed(msg)
}

var (
	_ Node = (*forkNode)(nil)
	_ Node = (*whenNode)(nil)
	_ Node = (*caseNode)(nil)
)
