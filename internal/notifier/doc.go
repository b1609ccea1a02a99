// Package notifier delivers short operator messages (schedule execution
// reports, failures) to chat without blocking the caller.
//
// Notify enqueues and returns. Worker goroutines drain the queue under a
// shared rate limit and retry failed sends with jittered backoff. A full
// queue drops the message; delivery is best-effort by contract.
package notifier
