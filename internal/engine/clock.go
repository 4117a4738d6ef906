package engine

import "sync/atomic"

// Clock hands out the seq stamped on every node event. One clock is
// shared by all executions of a runner, so seqs are unique across the
// event log and increase within each execution even when runs overlap.
// A single execution's seqs are therefore not contiguous.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock for an empty event log.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose first seq is last+1. Pass the highest
// seq already stored so a restarted process never reuses one.
func NewClockAt(last int64) *Clock {
	c := &Clock{}
	c.seq.Store(last)
	return c
}

// Next returns the next seq.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}
