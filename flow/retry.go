package flow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/millrace/millrace/flow/emit"
	"github.com/millrace/millrace/flow/message"
	"github.com/millrace/millrace/flow/store"
)

// Meta keys on retry records. nodename is the resume point ("" for a full
// re-run); store_id and store_chan_name link back to the origin entry so a
// drained group can fold its states onto it.
const (
	retryMetaNode        = "nodename"
	retryMetaStoreID     = "store_id"
	retryMetaStoreChanel = "store_chan_name"
)

// retryStoreID names the file store directory backing a channel's retry
// records.
const retryStoreID = "retry_store"

type retryState string

const (
	retryIdle     retryState = "stopped"
	retryDraining retryState = "retry_mode"
)

// RetryStore parks messages that hit transient failures and replays them in
// the background. Records live in a file store under
// <dir>/<channel>/retry_store, so a backlog survives restarts: Start finds
// it, pauses the channel again and resumes draining.
//
// While a backlog exists the owning channel stays Paused and every message
// admitted by Handle is parked whole rather than processed, preserving
// arrival order across the outage.
type RetryStore struct {
	ch        *Channel
	store     *store.Store
	baseDelay time.Duration
	maxDelay  time.Duration

	mu     sync.Mutex
	state  retryState
	gen    uint64
	stopCh chan struct{}
	done   chan struct{}
}

func newRetryStore(c *Channel) *RetryStore {
	backend := store.NewFileBackend(filepath.Join(c.retryBase, c.name), retryStoreID)
	return &RetryStore{
		ch:        c,
		store:     store.New(backend),
		baseDelay: c.retryDelay,
		maxDelay:  c.retryMax,
		state:     retryIdle,
	}
}

// Start opens the record store and, if records survived a previous run,
// pauses the channel and begins draining them.
func (rs *RetryStore) Start(ctx context.Context) error {
	if err := rs.store.Start(ctx); err != nil {
		return fmt.Errorf("failed to open retry store: %w", err)
	}
	backlog, err := rs.store.Total(ctx)
	if err != nil {
		return fmt.Errorf("failed to count retry backlog: %w", err)
	}
	rs.ch.metrics.setRetryBacklog(rs.ch.name, backlog)
	if backlog > 0 {
		rs.ch.log.Info("retry backlog found", "backlog", backlog)
		rs.enterDrainMode()
	}
	return nil
}

// StoreUntilRetry persists a message for later replay from the given node
// and puts the channel into retry mode. The origin links are copied onto the
// record's meta so the drain can group siblings of one fan-out.
func (rs *RetryStore) StoreUntilRetry(ctx context.Context, msg *message.Message, resumeNode string) error {
	id, err := rs.store.Store(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to store retry record: %w", err)
	}
	for key, value := range map[string]any{
		retryMetaNode:        resumeNode,
		retryMetaStoreID:     msg.StoreID,
		retryMetaStoreChanel: msg.StoreChannel,
	} {
		if err := rs.store.AddMetaInfo(ctx, id, key, value); err != nil {
			return fmt.Errorf("failed to annotate retry record: %w", err)
		}
	}
	rs.mu.Lock()
	rs.gen++
	rs.mu.Unlock()
	rs.ch.emitter.Emit(emit.Event{
		Msg:     emit.RetryEnrolled,
		Channel: rs.ch.name,
		MsgID:   msg.ID,
		Meta:    map[string]any{"nodename": resumeNode},
	})
	if total, err := rs.store.Total(ctx); err == nil {
		rs.ch.metrics.setRetryBacklog(rs.ch.name, total)
	}
	rs.enterDrainMode()
	return nil
}

// enterDrainMode pauses the channel and launches the drain loop. A second
// enrollment while draining is a no-op; the running loop picks the record up.
func (rs *RetryStore) enterDrainMode() {
	rs.mu.Lock()
	if rs.state == retryDraining {
		rs.mu.Unlock()
		return
	}
	rs.state = retryDraining
	rs.stopCh = make(chan struct{})
	rs.done = make(chan struct{})
	stopCh, done := rs.stopCh, rs.done
	if st := rs.ch.State(); st != Stopping && st != Stopped {
		rs.ch.setState(Paused)
	}
	rs.mu.Unlock()
	go rs.loop(stopCh, done)
}

// loop runs drain passes until the backlog empties or the channel stops.
// Passes that make no progress back off exponentially with jitter; any
// progress resets the delay. Every exit path leaves retry mode so the next
// Start or enrollment can re-enter it; surviving records are picked up then.
func (rs *RetryStore) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()
	attempt := 0
	for {
		progressed, finished := rs.pass(ctx)
		if finished {
			return
		}
		if st := rs.ch.State(); st == Stopping || st == Stopped {
			rs.leaveDrain(done)
			return
		}
		if progressed {
			attempt = 0
		} else {
			attempt++
		}
		select {
		case <-time.After(computeBackoff(attempt, rs.baseDelay, rs.maxDelay, nil)):
		case <-stop:
			rs.leaveDrain(done)
			return
		}
	}
}

// leaveDrain resets the retry state to idle on a stop-triggered loop exit.
// The done guard keeps a superseded loop from clobbering a newer drain cycle.
func (rs *RetryStore) leaveDrain(done chan<- struct{}) {
	rs.mu.Lock()
	if rs.done == done {
		rs.state = retryIdle
	}
	rs.mu.Unlock()
}

// pass drains record groups under the channel lock until the store is empty
// or a record fails transiently again. An empty store ends retry mode and
// returns the channel to Waiting.
func (rs *RetryStore) pass(ctx context.Context) (progressed, finished bool) {
	if err := rs.ch.lock.Lock(ctx); err != nil {
		return false, false
	}
	defer rs.ch.lock.Unlock()

	backlog, _ := rs.store.Total(ctx)
	rs.ch.emitter.Emit(emit.Event{
		Msg:     emit.RetryDrainStart,
		Channel: rs.ch.name,
		Meta:    map[string]any{"backlog": backlog},
	})
	defer func() {
		remaining, _ := rs.store.Total(ctx)
		rs.ch.metrics.setRetryBacklog(rs.ch.name, remaining)
		rs.ch.emitter.Emit(emit.Event{
			Msg:     emit.RetryDrainDone,
			Channel: rs.ch.name,
			Meta:    map[string]any{"remaining": remaining},
		})
	}()

	for {
		if st := rs.ch.State(); st == Stopping || st == Stopped {
			return progressed, false
		}
		rs.mu.Lock()
		startGen := rs.gen
		rs.mu.Unlock()
		group, ok, err := rs.oldestGroup(ctx)
		if err != nil {
			rs.ch.log.Error("retry drain pass failed", "error", err)
			return progressed, false
		}
		if !ok {
			if rs.finish(startGen) {
				return progressed, true
			}
			// A message was parked between the emptiness check and now;
			// keep draining.
			continue
		}
		if aborted := rs.drainGroup(ctx, group); aborted {
			return progressed, false
		}
		progressed = true
		rs.foldOrigin(ctx, group)
	}
}

// oldestGroup returns the oldest record together with every record sharing
// its origin entry, in enrollment order. Records without an origin form a
// group of one.
func (rs *RetryStore) oldestGroup(ctx context.Context) ([]store.Entry, bool, error) {
	oldest, err := rs.store.Search(ctx, store.SearchQuery{Count: 1})
	if err != nil {
		return nil, false, err
	}
	if len(oldest) == 0 {
		return nil, false, nil
	}
	originID, _ := oldest[0].Meta[retryMetaStoreID].(string)
	if originID == "" {
		return oldest, true, nil
	}
	group, err := rs.store.Search(ctx, store.SearchQuery{
		Count: -1,
		Meta:  map[string]string{"exact_" + retryMetaStoreID: originID},
	})
	if err != nil {
		return nil, false, err
	}
	return group, true, nil
}

// drainGroup replays each record of one group. A record is deleted before
// injection, so a second transient failure re-enrolls it cleanly at its new
// resume point and aborts the pass; siblings keep their positions. Other
// failures are final for the record and its siblings continue.
func (rs *RetryStore) drainGroup(ctx context.Context, group []store.Entry) (aborted bool) {
	for _, rec := range group {
		resume, _ := rec.Meta[retryMetaNode].(string)
		if err := rs.store.Delete(ctx, rec.ID); err != nil {
			rs.ch.log.Error("failed to remove retry record", "record", rec.ID, "error", err)
			return true
		}
		rs.ch.metrics.countRetry(rs.ch.name)
		_, err := rs.ch.injectLocked(ctx, rec.Message, resume, resume == "")
		switch {
		case err == nil,
			errors.Is(err, ErrDropped),
			errors.Is(err, ErrRejected),
			errors.Is(err, errFailureHandled):
		case errors.Is(err, ErrPaused):
			return true
		default:
			rs.ch.log.Error("retry attempt failed", "msg_id", rec.Message.ID, "error", err)
		}
	}
	return false
}

// foldOrigin folds the replayed group's sub-message states onto the origin
// entry so its state reflects the worst retry result.
func (rs *RetryStore) foldOrigin(ctx context.Context, group []store.Entry) {
	originID, _ := group[0].Meta[retryMetaStoreID].(string)
	originChan, _ := group[0].Meta[retryMetaStoreChanel].(string)
	if originID == "" || originChan == "" {
		return
	}
	ch, ok := rs.ch.reg.Channel(originChan)
	if !ok {
		rs.ch.log.Warn("origin channel of retry record not registered", "origin", originChan)
		return
	}
	if err := ch.Store().SetWorstSubState(ctx, originID); err != nil && !errors.Is(err, store.ErrNoSubStates) {
		rs.ch.log.Warn("failed to fold retry results onto origin entry", "entry", originID, "error", err)
	}
}

// finish leaves retry mode once the backlog is empty. It refuses when a
// message was enrolled after the emptiness check began, so the caller keeps
// draining instead of stranding the new record.
func (rs *RetryStore) finish(startGen uint64) bool {
	rs.mu.Lock()
	if rs.gen != startGen {
		rs.mu.Unlock()
		return false
	}
	rs.state = retryIdle
	if rs.ch.State() == Paused {
		rs.ch.setState(Waiting)
	}
	rs.mu.Unlock()
	rs.ch.log.Info("retry backlog drained")
	return true
}

// shutdown signals the drain loop and waits for it to exit. Records stay
// stored for the next Start.
func (rs *RetryStore) shutdown(ctx context.Context) {
	rs.mu.Lock()
	stopCh, done := rs.stopCh, rs.done
	rs.stopCh = nil
	rs.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (rs *RetryStore) stop(ctx context.Context) error {
	return rs.store.Stop(ctx)
}

// Backlog returns the number of parked records.
func (rs *RetryStore) Backlog(ctx context.Context) (int, error) {
	return rs.store.Total(ctx)
}

// computeBackoff returns the delay before the next drain pass: exponential
// in the attempt number, capped at maxDelay, plus up to one base interval of
// jitter. A nil rng falls back to the global source.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	backoff := maxDelay
	if attempt < 16 {
		backoff = base * (1 << attempt)
		if backoff <= 0 || backoff > maxDelay {
			backoff = maxDelay
		}
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base)))
	}
	return backoff + jitter
}
