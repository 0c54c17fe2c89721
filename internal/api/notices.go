package api

import (
	"sync"

	"github.com/soulsig/twinhub/internal/progress"
	"github.com/soulsig/twinhub/internal/reconcile"
)

// maxBufferedNotices caps the transient notice backlog.
const maxBufferedNotices = 32

// NoticeBuffer collects transient completion notices until a client drains
// them. Draining is destructive so each notice is acted upon at most once.
type NoticeBuffer struct {
	mu      sync.Mutex
	notices []reconcile.Notice
}

// Add appends a notice, dropping the oldest past the cap.
func (b *NoticeBuffer) Add(n reconcile.Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, n)
	if len(b.notices) > maxBufferedNotices {
		b.notices = b.notices[len(b.notices)-maxBufferedNotices:]
	}
}

// Drain returns all buffered notices and clears the buffer.
func (b *NoticeBuffer) Drain() []reconcile.Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.notices
	b.notices = nil
	return out
}

// CompletionSignal holds the terminal snapshot of a progress run until a
// client consumes it. Consuming is destructive, so the run's completion is
// delivered at most once; a later run's terminal snapshot replaces an
// unconsumed one.
type CompletionSignal struct {
	mu       sync.Mutex
	snapshot progress.Snapshot
	pending  bool
}

// Publish records terminal snapshots and ignores everything else, making it
// suitable as a tracker onUpdate callback.
func (c *CompletionSignal) Publish(s progress.Snapshot) {
	if !s.Terminal() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = s
	c.pending = true
}

// Consume returns the pending terminal snapshot, if any, and clears it.
func (c *CompletionSignal) Consume() (progress.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending {
		return progress.Snapshot{}, false
	}
	c.pending = false
	out := c.snapshot
	c.snapshot = progress.Snapshot{}
	return out, true
}
