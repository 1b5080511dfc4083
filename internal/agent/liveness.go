package agent

import (
	"sync/atomic"
	"time"
)

// Heartbeat is how workers detect an orphaned state. A dedicated
// supervisor goroutine beats once per supervision interval, so blocking
// work on the supervision loop never stops the beacon; a worker that
// sees a stale beat (or an explicit stop) self-terminates cleanly
// instead of sampling forever without a parent.
type Heartbeat struct {
	interval time.Duration
	last     atomic.Int64
	stopped  atomic.Bool
}

func NewHeartbeat(interval time.Duration) *Heartbeat {
	h := &Heartbeat{interval: interval}
	h.Beat()
	return h
}

func (h *Heartbeat) Beat() {
	h.last.Store(time.Now().UnixNano())
}

// Stop marks the parent as gone deliberately (shutdown path).
func (h *Heartbeat) Stop() {
	h.stopped.Store(true)
}

// ParentAlive reports whether the supervisor has beaten recently. The
// staleness bound is generous (five intervals) so a busy supervisor
// cycle never reads as a death.
func (h *Heartbeat) ParentAlive() bool {
	if h.stopped.Load() {
		return false
	}
	age := time.Since(time.Unix(0, h.last.Load()))
	return age < 5*h.interval
}
