// Package core implements the bounded submission queue, unbounded event
// queue, and protocol bridge that tie the agent runtime to its callers.
package core

import (
	"fmt"
	"sync/atomic"
)

// Counter issues strictly increasing IDs, safe under concurrent callers.
type Counter struct {
	n      atomic.Uint64
	prefix string
}

// NewCounter creates a counter that formats IDs as "<prefix>-<n>".
func NewCounter(prefix string) *Counter {
	return &Counter{prefix: prefix}
}

// NewCounterFrom creates a counter whose first Next() call returns
// start+1 — used to reset an ID allocator to max(existing_id)+1 after
// importing externally persisted state (spec §4.8 markdown round-trip).
func NewCounterFrom(prefix string, start uint64) *Counter {
	c := &Counter{prefix: prefix}
	c.n.Store(start)
	return c
}

// Next returns the next monotonic value.
func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

// NextID returns the next value formatted with the counter's prefix.
func (c *Counter) NextID() string {
	return fmt.Sprintf("%s-%d", c.prefix, c.Next())
}
