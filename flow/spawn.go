package flow

// Spawner runs detached tasks. Fork sub-channels are submitted through this
// seam so deployments can bound fork concurrency and tests can force
// synchronous execution. The done callback receives the task's error and must
// not block; the engine only logs from it.
type Spawner interface {
	Spawn(task func() error, done func(error))
}

// GoSpawner runs every task on its own goroutine. This is the default.
type GoSpawner struct{}

func (GoSpawner) Spawn(task func() error, done func(error)) {
	go func() {
		done(task())
	}()
}

// InlineSpawner runs tasks synchronously on the caller's goroutine, which
// makes forked work deterministic in tests.
type InlineSpawner struct{}

func (InlineSpawner) Spawn(task func() error, done func(error)) {
	done(task())
}

// PoolSpawner bounds the number of concurrently running tasks. Spawn blocks
// while the pool is full, applying backpressure to the submitting channel.
type PoolSpawner struct {
	slots chan struct{}
}

// NewPoolSpawner creates a spawner allowing at most size concurrent tasks.
func NewPoolSpawner(size int) *PoolSpawner {
	if size < 1 {
		size = 1
	}
	return &PoolSpawner{slots: make(chan struct{}, size)}
}

func (p *PoolSpawner) Spawn(task func() error, done func(error)) {
	p.slots <- struct{}{}
	go func() {
		defer func() { <-p.slots }()
		done(task())
	}()
}
