// Package collector implements the reply collector of §4.4: a barrier
// that waits for replies until a deadline or quorum, backed by a sharded
// concurrent map the way ZhangZihao270-swiftpaxos's curp-ho.go backs its
// per-command reply bookkeeping with cmap.ConcurrentMap.
package collector

import (
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"

	"distmaster/internal/wire"
)

// SlaveID identifies a connected slave session.
type SlaveID string

// Collector is a sparse reply buffer indexed by slave id, holding the
// most recent reply payload per §3. Only replies keyed to the current
// command id count for aggregated operations — the caller is
// responsible for discarding replies to stale ids before Publish.
type Collector struct {
	buf cmap.ConcurrentMap

	mu        sync.Mutex
	notify    chan struct{}
	connected map[SlaveID]struct{}
}

// New creates an empty collector.
func New() *Collector {
	return &Collector{
		buf:       cmap.New(),
		notify:    make(chan struct{}),
		connected: make(map[SlaveID]struct{}),
	}
}

// SetConnected marks a slave as currently connected (present) or
// disconnected (absent), used to compute reply quorum — a disconnected
// slave must never block wait_until.
func (c *Collector) SetConnected(id SlaveID, connected bool) {
	c.mu.Lock()
	if connected {
		c.connected[id] = struct{}{}
	} else {
		delete(c.connected, id)
	}
	c.mu.Unlock()
}

// Publish records slave id's reply to the current command and wakes any
// waiter. Stale replies (to an id other than the outstanding command)
// must be filtered by the caller before calling Publish.
func (c *Collector) Publish(id SlaveID, reply wire.Reply) {
	c.buf.Set(string(id), reply)
	c.mu.Lock()
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// Snapshot copies the reply buffer into a stable map the caller can
// read without locks, per §4.4.
func (c *Collector) Snapshot() map[SlaveID]wire.Reply {
	out := make(map[SlaveID]wire.Reply, c.buf.Count())
	for item := range c.buf.IterBuffered() {
		out[SlaveID(item.Key)] = item.Val.(wire.Reply)
	}
	return out
}

// Reset clears all buffered replies, called before a new command id is
// issued so stale per-id replies from a previous command never leak into
// the next aggregation round. Entries are removed in place rather than
// by reassigning buf, which would race with concurrent Publish/Snapshot
// reads of the field.
func (c *Collector) Reset() {
	for item := range c.buf.IterBuffered() {
		c.buf.Remove(item.Key)
	}
}

// connectedCount returns the number of slaves currently marked connected.
func (c *Collector) connectedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connected)
}

// ConnectedCount is the public form of connectedCount, used by callers
// such as the genmoves loop that need to special-case zero connected
// slaves per §9's open question (return pass with zero-playout stats
// rather than waiting on a barrier no one can satisfy).
func (c *Collector) ConnectedCount() int {
	return c.connectedCount()
}

// WaitUntil blocks until either the deadline elapses, every connected
// slave has replied, or done is closed, then returns a stable snapshot
// of the reply buffer. This is the sole operation §4.4 exposes.
func (c *Collector) WaitUntil(deadline time.Time, done <-chan struct{}) map[SlaveID]wire.Reply {
	for {
		if c.buf.Count() >= c.connectedCount() && c.connectedCount() > 0 {
			return c.Snapshot()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return c.Snapshot()
		}

		c.mu.Lock()
		ch := c.notify
		c.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
		case <-timer.C:
			timer.Stop()
			return c.Snapshot()
		case <-done:
			timer.Stop()
			return c.Snapshot()
		}
		timer.Stop()
	}
}
