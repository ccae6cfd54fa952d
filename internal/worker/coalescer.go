package worker

import (
	"context"
	"sync"
	"time"

	"github.com/taskrelay/taskrelay/internal/log"
	"github.com/taskrelay/taskrelay/internal/store"
)

const (
	// DefaultCoalesceBatch is the buffer size that triggers an
	// immediate flush.
	DefaultCoalesceBatch = 3
	// DefaultCoalesceDelay bounds how long a record may sit buffered.
	DefaultCoalesceDelay = time.Second
)

// BulkRecorder is the single write surface the coalescer flushes to.
type BulkRecorder interface {
	RecordEventsBulk(ctx context.Context, recs []store.EventRecord) error
}

// Coalescer batches event records into bulk writes. One instance is
// shared by every task the worker processes. A flush failure drops the
// affected records; they are logged, never retried.
type Coalescer struct {
	sink BulkRecorder

	mu    sync.Mutex
	buf   []store.EventRecord
	timer *time.Timer
	batch int
	delay time.Duration

	// OnFlushed and OnDropped observe flush outcomes. Both may be nil.
	OnFlushed func(count int)
	OnDropped func(count int)
}

func NewCoalescer(sink BulkRecorder, batch int, delay time.Duration) *Coalescer {
	if batch <= 0 {
		batch = DefaultCoalesceBatch
	}
	if delay <= 0 {
		delay = DefaultCoalesceDelay
	}
	return &Coalescer{sink: sink, batch: batch, delay: delay}
}

// SetTuning adjusts the batch size and delay. Applies to subsequent
// enqueues; an armed timer keeps its original deadline.
func (c *Coalescer) SetTuning(batch int, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if batch > 0 {
		c.batch = batch
	}
	if delay > 0 {
		c.delay = delay
	}
}

// Enqueue appends a record to the buffer. Reaching the batch size
// flushes immediately; otherwise a delay timer is armed if none is
// pending.
func (c *Coalescer) Enqueue(rec store.EventRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, rec)
	if len(c.buf) >= c.batch {
		c.flushLocked("batch")
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.delay, c.flushOnTimer)
	}
}

func (c *Coalescer) flushOnTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked("timer")
}

// Flush drains the buffer now. Called on shutdown and after each task.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked("explicit")
}

// flushLocked snapshots and clears the buffer, then issues one bulk
// write. The caller holds c.mu, which serialises flushes.
func (c *Coalescer) flushLocked(reason string) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.buf) == 0 {
		return
	}
	recs := c.buf
	c.buf = nil

	if err := c.sink.RecordEventsBulk(context.Background(), recs); err != nil {
		log.ErrorErr(log.CatFlush, "bulk event write failed, records dropped", err,
			"count", len(recs), "reason", reason)
		if c.OnDropped != nil {
			c.OnDropped(len(recs))
		}
		return
	}
	log.Debug(log.CatFlush, "flushed event records", "count", len(recs), "reason", reason)
	if c.OnFlushed != nil {
		c.OnFlushed(len(recs))
	}
}
