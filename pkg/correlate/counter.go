package correlate

import "sync/atomic"

// Counter allocates identifiers that are unique and strictly increasing for
// the lifetime of one bridge component. Allocation order defines a total
// order independent of eventual completion order; values are never reused.
type Counter struct {
	n atomic.Int64
}

// Next returns the next identifier.
func (c *Counter) Next() int64 { return c.n.Add(1) }

// Current returns the last allocated identifier (0 if none).
func (c *Counter) Current() int64 { return c.n.Load() }
