package dose

// container buffers finished operator columns and hands them to the flush
// function in batches of the configured size. Batching bounds the append
// pressure on the sparse accumulators; it never changes the accumulated
// numbers, only when they are written.
type container struct {
	size  int
	buf   []columnContrib
	flush func([]columnContrib)
}

func newContainer(size int, flush func([]columnContrib)) *container {
	if size < 1 {
		size = 1
	}
	return &container{
		size:  size,
		buf:   make([]columnContrib, 0, size),
		flush: flush,
	}
}

// add appends one finished column and flushes when the buffer is full.
func (c *container) add(col columnContrib) {
	c.buf = append(c.buf, col)
	if len(c.buf) >= c.size {
		c.flushNow()
	}
}

// flushNow drains the buffer regardless of fill level.
func (c *container) flushNow() {
	if len(c.buf) == 0 {
		return
	}
	c.flush(c.buf)
	c.buf = c.buf[:0]
}
