package transfer

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// progressTracker forwards byte counts to a callback, never going backwards
// across retries.
type progressTracker struct {
	mu       sync.Mutex
	highest  int64
	callback func(int64)
}

func (p *progressTracker) report(sent int64) {
	if p == nil || p.callback == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if sent > p.highest {
		p.highest = sent
	}
	p.callback(p.highest)
}

type countingReader struct {
	r        io.Reader
	tracker  *progressTracker
	sent     atomic.Int64
	lastMove atomic.Int64
}

func newCountingReader(r io.Reader, tracker *progressTracker) *countingReader {
	c := &countingReader{r: r, tracker: tracker}
	c.lastMove.Store(time.Now().UnixNano())
	return c
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		total := c.sent.Add(int64(n))
		c.lastMove.Store(time.Now().UnixNano())
		c.tracker.report(total)
	}
	return n, err
}

// Sent is the number of bytes handed to the driver so far
func (c *countingReader) Sent() int64 {
	return c.sent.Load()
}

// LastMove is when bytes last moved
func (c *countingReader) LastMove() time.Time {
	return time.Unix(0, c.lastMove.Load())
}
