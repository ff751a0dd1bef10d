package fiberrt

import "github.com/fiberrt/fiberrt/internal/interfaces"

// Stats is a snapshot of one thread's scheduler counters (spec.md 6).
// Reading it via Thread.Stats resets the cumulative counters, the same
// reset-on-read convention ehrlich-b-go-ublk's Metrics uses for its
// latency histogram.
type Stats struct {
	RunqueueSize   int
	RunqueueLength int
	RunqueueMaxLen int
	OpCount        uint64
	SwitchCount    uint64
	PollCount      uint64
	PendingOps     int
}

// fromInternal converts the internal scheduler snapshot; kept as a
// named conversion (rather than a straight type assertion) so the two
// struct definitions are free to diverge later without a compile error
// silently doing the wrong thing.
func fromInternal(s interfaces.Stats) Stats {
	return Stats{
		RunqueueSize:   s.RunqueueSize,
		RunqueueLength: s.RunqueueLength,
		RunqueueMaxLen: s.RunqueueMaxLen,
		OpCount:        s.OpCount,
		SwitchCount:    s.SwitchCount,
		PollCount:      s.PollCount,
		PendingOps:     s.PendingOps,
	}
}
