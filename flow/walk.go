package flow

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/millrace/millrace/flow/message"
)

// section identifies which part of the assembly a node belongs to. Init and
// main nodes form one combined top chain; each end-node group is its own
// section so retries can resume inside it.
type section int

const (
	secTop section = iota
	secJoin
	secDrop
	secReject
	secFail
	secFinal
)

type nodeLoc struct {
	sec section
	idx int
}

// outcomeKind is the terminal classification of one pipeline walk.
type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeDropped
	outcomeRejected
	outcomePaused
	outcomeErrored
)

type outcome struct {
	kind outcomeKind
	msg  *message.Message
	err  error
}

func completed(msg *message.Message) outcome {
	return outcome{kind: outcomeCompleted, msg: msg}
}

func errored(err error) outcome {
	return outcome{kind: outcomeErrored, err: err}
}

func outcomeLabel(k outcomeKind) string {
	switch k {
	case outcomeCompleted:
		return "processed"
	case outcomeDropped:
		return "dropped"
	case outcomeRejected:
		return "rejected"
	case outcomePaused:
		return "paused"
	default:
		return "error"
	}
}

// mapOutcome converts a walk outcome to the Handle result contract.
func mapOutcome(out outcome) (*message.Message, error) {
	switch out.kind {
	case outcomeCompleted:
		return out.msg, nil
	case outcomeDropped:
		return nil, ErrDropped
	case outcomeRejected:
		return nil, ErrRejected
	case outcomePaused:
		return nil, ErrPaused
	default:
		return nil, out.err
	}
}

// execute runs one message through the pipeline beginning at resume ("" for
// the top). entry is the admitted message whose copies feed the end-node
// groups; work is the message actually walked. When resume names a node
// inside an end-node group, only the rest of that group and then the final
// group run, and the outcome is the one that group handles.
func (c *Channel) execute(ctx context.Context, entry, work *message.Message, resume string, callEndnodes bool) outcome {
	loc, ok := c.locate(resume)
	if !ok {
		return errored(fmt.Errorf("flow: channel %s has no node %q", c.name, resume))
	}

	if loc.sec == secTop {
		out := c.walkChain(ctx, c.topChain[loc.idx:], work)
		if callEndnodes && out.kind != outcomePaused {
			out = c.runEndGroups(ctx, entry, out)
		}
		return out
	}

	group := c.groupNodes(loc.sec)
	out := c.walkChain(ctx, group[loc.idx:], work)
	if out.kind != outcomeCompleted {
		return out
	}
	out = groupOutcome(loc.sec, work)
	if loc.sec != secFinal {
		if f := c.runGroup(ctx, c.finalNodes, entry); f.kind != outcomeCompleted {
			out = f
		}
	}
	return out
}

func (c *Channel) locate(resume string) (nodeLoc, bool) {
	if resume == "" {
		return nodeLoc{sec: secTop, idx: 0}, true
	}
	loc, ok := c.locations[resume]
	return loc, ok
}

func (c *Channel) groupNodes(sec section) []Node {
	switch sec {
	case secJoin:
		return c.joinNodes
	case secDrop:
		return c.dropNodes
	case secReject:
		return c.rejectNodes
	case secFail:
		return c.failNodes
	case secFinal:
		return c.finalNodes
	}
	return nil
}

// groupOutcome maps a completed end-node group back to the outcome that
// group handles. A resumed fail group reports errFailureHandled so the
// original failure stays visible without re-running fail nodes.
func groupOutcome(sec section, msg *message.Message) outcome {
	switch sec {
	case secDrop:
		return outcome{kind: outcomeDropped, err: ErrDropped}
	case secReject:
		return outcome{kind: outcomeRejected, err: ErrRejected}
	case secFail:
		return errored(errFailureHandled)
	default:
		return completed(msg)
	}
}

// runEndGroups runs the end-node group matching the outcome, then the final
// group. Each group receives its own copy: join gets the result, the others
// get the admitted message. A failing group reclassifies the outcome, and a
// group error routes through the fail group once.
func (c *Channel) runEndGroups(ctx context.Context, entry *message.Message, out outcome) outcome {
	ranFail := false
	switch out.kind {
	case outcomeCompleted:
		if g := c.runGroup(ctx, c.joinNodes, out.msg); g.kind != outcomeCompleted {
			out = g
		}
	case outcomeDropped:
		if g := c.runGroup(ctx, c.dropNodes, entry); g.kind != outcomeCompleted {
			out = g
		}
	case outcomeRejected:
		if g := c.runGroup(ctx, c.rejectNodes, entry); g.kind != outcomeCompleted {
			out = g
		}
	case outcomeErrored:
		ranFail = true
		if g := c.runGroup(ctx, c.failNodes, entry); g.kind != outcomeCompleted {
			out = g
		}
	}
	if out.kind == outcomeErrored && !ranFail {
		if g := c.runGroup(ctx, c.failNodes, entry); g.kind != outcomeCompleted {
			out = g
		}
	}
	if out.kind != outcomePaused {
		if g := c.runGroup(ctx, c.finalNodes, entry); g.kind != outcomeCompleted {
			out = g
		}
	}
	return out
}

// runGroup walks an end-node group over a copy of src. The group's result is
// discarded; only failures matter.
func (c *Channel) runGroup(ctx context.Context, group []Node, src *message.Message) outcome {
	if len(group) == 0 {
		return completed(src)
	}
	cp, err := src.Copy()
	if err != nil {
		return errored(fmt.Errorf("failed to copy message for end nodes: %w", err))
	}
	return c.walkChain(ctx, group, cp)
}

// walkChain runs a message through consecutive nodes. Routing nodes are
// handled inline: a fork launches a detached copy and continues, a matching
// condition hands the message to its sub-channel and replaces the rest of the
// chain, a case routes through the first matching sub-channel and continues,
// and a streaming node fans the rest of the chain out over every yielded
// message.
func (c *Channel) walkChain(ctx context.Context, chain []Node, msg *message.Message) outcome {
	cur := msg
	for i := 0; i < len(chain); i++ {
		n := chain[i]
		switch rn := n.(type) {
		case *forkNode:
			c.launchFork(ctx, rn, cur)
			continue
		case *whenNode:
			matched, out := c.routeWhen(ctx, rn, cur)
			if matched {
				return out
			}
			continue
		case *caseNode:
			out := c.routeCase(ctx, rn, cur)
			if out.kind != outcomeCompleted {
				return out
			}
			cur = out.msg
			continue
		}
		if s, ok := n.(Streamer); ok {
			return c.fanOut(ctx, s, chain[i+1:], cur)
		}
		out := c.applyNode(ctx, n, cur)
		if out.kind != outcomeCompleted {
			return out
		}
		cur = out.msg
	}
	return completed(cur)
}

// fanOut drives a streaming node: each yielded message runs the rest of the
// chain on its own. Dropped children are ignored, a parked child parks the
// whole walk, a rejected or failed child aborts it, and the last completed
// child's result is the walk's result. A stream that yields nothing
// completes with the node's input.
func (c *Channel) fanOut(ctx context.Context, s Streamer, rest []Node, msg *message.Message) outcome {
	b := baseOf(s)
	stream, err := s.Stream(ctx, msg)
	if err != nil {
		return c.classifyNodeErr(ctx, s, b, msg, err)
	}
	if b != nil {
		b.countProcessed()
	}

	var last *message.Message
	produced := false
	sawPaused := false
	for {
		child, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return c.classifyNodeErr(ctx, s, b, msg, err)
		}
		child.StoreID = msg.StoreID
		child.StoreChannel = msg.StoreChannel
		out := c.walkChain(ctx, rest, child)
		switch out.kind {
		case outcomeCompleted:
			last = out.msg
			produced = true
		case outcomeDropped:
		case outcomePaused:
			sawPaused = true
		default:
			return out
		}
	}
	if sawPaused {
		return outcome{kind: outcomePaused, err: ErrPaused}
	}
	if !produced {
		return completed(msg)
	}
	return completed(last)
}

// applyNode runs one regular node with its Base settings applied: mocks,
// passthrough, context snapshots, timeout and meta forwarding.
func (c *Channel) applyNode(ctx context.Context, n Node, in *message.Message) outcome {
	b := baseOf(n)
	cur := in
	var restore *message.Message

	if b != nil {
		mockIn, mockOut := b.mocks(cur)
		if mockIn != nil {
			cp, err := mockIn.Copy()
			if err != nil {
				return errored(fmt.Errorf("failed to copy mock input: %w", err))
			}
			cur = cp
		}
		if mockOut != nil {
			cp, err := mockOut.Copy()
			if err != nil {
				return errored(fmt.Errorf("failed to copy mock output: %w", err))
			}
			b.countProcessed()
			return completed(cp)
		}
		if b.Passthrough {
			cp, err := cur.Copy()
			if err != nil {
				return errored(fmt.Errorf("failed to copy message for passthrough: %w", err))
			}
			restore = cp
		}
		if b.StoreInputAs != "" {
			if err := cur.AddContext(b.StoreInputAs, cur); err != nil {
				return errored(err)
			}
		}
	}

	pctx := ctx
	if b != nil && b.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	result, err := n.Process(pctx, cur)
	if err != nil {
		return c.classifyNodeErr(ctx, n, b, cur, err)
	}
	if result == nil {
		result = cur
	}

	if b != nil {
		b.countProcessed()
		if b.StoreOutputAs != "" {
			if err := result.AddContext(b.StoreOutputAs, result); err != nil {
				return errored(err)
			}
		}
		c.appendStoreMeta(ctx, b, result)
		if b.LogOutput {
			c.log.Debug("node output", "node", n.Name(), "payload", result.Payload)
		}
		if restore != nil {
			result = restore
		}
	}
	return completed(result)
}

// appendStoreMeta forwards selected meta keys of a node's output onto the
// message's origin entry, accumulating values across nodes. Store trouble is
// logged, not fatal.
func (c *Channel) appendStoreMeta(ctx context.Context, b *Base, msg *message.Message) {
	if len(b.StoreMeta) == 0 || msg.StoreID == "" {
		return
	}
	origin := c.originStore(msg)
	if origin == nil {
		return
	}
	for _, key := range b.StoreMeta {
		v, ok := msg.Meta[key]
		if !ok {
			continue
		}
		if err := origin.AppendMetaInfo(ctx, msg.StoreID, key, v); err != nil {
			c.log.Warn("failed to append meta to entry", "entry", msg.StoreID, "key", key, "error", err)
		}
	}
}

// classifyNodeErr turns a node error into an outcome. Drop, reject and pause
// sentinels pass through; transient failures enroll the node's input in the
// retry store and park the walk; everything else fails the message wrapped in
// a NodeError.
func (c *Channel) classifyNodeErr(ctx context.Context, n Node, b *Base, cur *message.Message, err error) outcome {
	switch {
	case errors.Is(err, ErrDropped):
		return outcome{kind: outcomeDropped, err: ErrDropped}
	case errors.Is(err, ErrRejected):
		return outcome{kind: outcomeRejected, err: ErrRejected}
	case errors.Is(err, ErrPaused):
		return outcome{kind: outcomePaused, err: ErrPaused}
	}
	if c.retryEligible(b, err) {
		return c.enroll(ctx, cur, n.Name(), err)
	}
	return errored(&NodeError{Channel: c.name, Node: n.Name(), Err: err})
}

// retryEligible reports whether an error should park the message instead of
// failing it. RetryError always qualifies; a node's Retryable predicate can
// widen that. Without a retry store nothing is eligible.
func (c *Channel) retryEligible(b *Base, err error) bool {
	if c.retry == nil {
		return false
	}
	var rerr *RetryError
	if errors.As(err, &rerr) {
		return true
	}
	return b != nil && b.Retryable != nil && b.Retryable(err)
}

// enroll parks a node's input in the retry store with the node name as
// resume point and pauses the channel.
func (c *Channel) enroll(ctx context.Context, msg *message.Message, node string, cause error) outcome {
	if err := c.retry.StoreUntilRetry(ctx, msg, node); err != nil {
		return errored(fmt.Errorf("failed to park message at node %s: %w", node, err))
	}
	c.log.Warn("transient failure, message parked for retry",
		"node", node, "msg_id", msg.ID, "error", cause)
	return outcome{kind: outcomePaused, err: ErrPaused}
}
