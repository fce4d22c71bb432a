package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Registry holds every channel of an engine under a unique name and starts
// and stops them as a group. Sub-channels register automatically under their
// parent and follow its lifecycle, so StartAll and StopAll touch top-level
// channels only.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: map[string]*Channel{}}
}

// Register adds a channel under its name. NewChannel and the sub-channel
// builders call it; custom callers only need it for channels built by hand.
func (r *Registry) Register(c *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[c.name]; exists {
		return &ConfigError{Channel: c.name, Reason: "channel name already registered"}
	}
	r.channels[c.name] = c
	r.order = append(r.order, c.name)
	return nil
}

// Channel looks up a channel by name, sub-channels included.
func (r *Registry) Channel(name string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[name]
	return c, ok
}

// Channels returns every registered channel in registration order,
// sub-channels included.
func (r *Registry) Channels() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.channels[name])
	}
	return out
}

// StartAll starts every top-level channel in registration order. The first
// failure aborts the sequence; already-started channels keep running so the
// caller can StopAll.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, c := range r.Channels() {
		if c.parent != nil {
			continue
		}
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("failed to start channel %s: %w", c.name, err)
		}
	}
	return nil
}

// StopAll stops every top-level channel in reverse registration order. All
// channels are attempted; errors are joined.
func (r *Registry) StopAll(ctx context.Context) error {
	channels := r.Channels()
	var errs []error
	for i := len(channels) - 1; i >= 0; i-- {
		c := channels[i]
		if c.parent != nil {
			continue
		}
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop channel %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// Summaries reports a Summary per top-level channel in registration order.
func (r *Registry) Summaries() []Summary {
	var out []Summary
	for _, c := range r.Channels() {
		if c.parent != nil {
			continue
		}
		out = append(out, c.Summary())
	}
	return out
}

// Reset drops every registration. Meant for tests that rebuild pipelines;
// it does not stop running channels.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = map[string]*Channel{}
	r.order = nil
}
