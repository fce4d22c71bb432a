package flow

import (
	"log/slog"
	"time"

	"github.com/millrace/millrace/flow/emit"
	"github.com/millrace/millrace/flow/store"
)

// Option configures a channel at construction.
type Option func(*Channel)

// WithLogger sets the base logger. The channel scopes it with a "channel"
// attribute; sub-channels inherit the base. Default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logBase = l
		}
	}
}

// WithEmitter sets the event emitter. Sub-channels inherit it. Default is
// the null emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(c *Channel) {
		if e != nil {
			c.emitter = e
		}
	}
}

// WithStoreFactory sets the factory building the channel's message store.
// The store is keyed by the channel name. Default is the null factory, which
// tracks nothing; sub-channels default to null regardless of their parent so
// injected messages keep their origin links.
func WithStoreFactory(f store.Factory) Option {
	return func(c *Channel) {
		if f != nil {
			c.storeFactory = f
		}
	}
}

// WithRetryDir enables automatic retries, parking transiently failed
// messages under <dir>/<channel>/retry_store. Without it, transient
// failures are ordinary failures.
func WithRetryDir(dir string) Option {
	return func(c *Channel) {
		c.retryBase = dir
	}
}

// WithRetryDelays tunes the drain loop backoff: base is the first delay and
// the jitter interval, max caps the exponential growth. Defaults are one
// second and one minute.
func WithRetryDelays(base, max time.Duration) Option {
	return func(c *Channel) {
		if base > 0 {
			c.retryDelay = base
		}
		if max > 0 {
			c.retryMax = max
		}
	}
}

// WithSpawner sets how forked sub-channel handles run. Default is GoSpawner;
// tests use InlineSpawner for deterministic forks, servers may use
// NewPoolSpawner for backpressure.
func WithSpawner(s Spawner) Option {
	return func(c *Channel) {
		if s != nil {
			c.spawner = s
		}
	}
}

// WithMetrics attaches Prometheus metrics. Sub-channels inherit them; nil
// leaves metrics off.
func WithMetrics(m *Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}
