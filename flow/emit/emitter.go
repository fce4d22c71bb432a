package emit

// Emitter receives observability events from channel execution.
//
// Emitters enable pluggable observability backends: logging, distributed
// tracing, in-memory capture for tests and dashboards. Implementations must
// be safe for concurrent use (forked sub-channels emit from their own
// goroutines), must not block message processing, and must not panic; backend
// failures are logged internally and never surface into the pipeline.
type Emitter interface {
	Emit(event Event)
}
