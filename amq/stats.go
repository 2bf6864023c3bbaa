package amq

import "sync/atomic"

// Stats is a point-in-time snapshot of an inbox's observational counters.
// None of these gate protocol behavior; they exist purely so a host can log
// or export them, the way the original active-message queue kept
// sent/retried/delivered/try_again counters for tracing.
type Stats struct {
	Sent      int64
	TryAgain  int64
	Retried   int64
	Delivered int64
}

type statCounters struct {
	sent      atomic.Int64
	tryAgain  atomic.Int64
	retried   atomic.Int64
	delivered atomic.Int64
}

func (c *statCounters) snapshot() Stats {
	return Stats{
		Sent:      c.sent.Load(),
		TryAgain:  c.tryAgain.Load(),
		Retried:   c.retried.Load(),
		Delivered: c.delivered.Load(),
	}
}
