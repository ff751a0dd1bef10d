// Package constants holds sizing and timing defaults shared by the
// scheduler core and both backends.
package constants

import "time"

// Scheduler defaults.
const (
	// AntiStarvationSwitches is the number of fiber switches after which
	// the switcher forces a non-blocking poll even though the runqueue
	// is non-empty, so pending completions are never starved out by a
	// write-heavy workload. See spec.md 4.3.
	AntiStarvationSwitches = 64

	// DefaultIdleGCPeriod bounds how often idle-pass GC runs while the
	// runqueue is empty. Zero disables periodic GC.
	DefaultIdleGCPeriod = 5 * time.Second
)

// Completion-backend defaults (io_uring submission queue sizing).
const (
	// DefaultPreparedLimit is the initial cap on pending (deferred but
	// not yet submitted) SQEs before a flush is forced.
	DefaultPreparedLimit = 1024

	// MinPreparedLimit is the floor the prepared limit halves down to
	// on ENOMEM from io_uring_setup/io_uring_enter.
	MinPreparedLimit = 64
)

// Readiness-backend defaults.
const (
	// DefaultMaxEvents bounds how many epoll_wait results are drained
	// per poll call.
	DefaultMaxEvents = 256
)
