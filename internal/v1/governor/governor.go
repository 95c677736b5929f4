// Package governor tracks connection-level abuse state: concurrent
// connection caps per principal, reconnection backoff, and the global
// admission queue that bounds active membership system-wide.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/studyhive/studyhive/backend/go/internal/v1/logging"
	"github.com/studyhive/studyhive/backend/go/internal/v1/metrics"
	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

const (
	// rapidCloseWindow is the rolling window for reconnect accounting.
	rapidCloseWindow = 10 * time.Second
	// rapidCloseThreshold closes within the window trigger backoff.
	rapidCloseThreshold = 3
	// maxBackoff caps the exponential reconnect delay.
	maxBackoff = 60 * time.Second
	// sweepInterval is how often stale per-principal records are pruned.
	sweepInterval = time.Minute
)

// principalState is the per-principal connection record, keyed by
// hashed address.
type principalState struct {
	conns        int
	recentCloses []time.Time
	backoffUntil time.Time
}

func (s *principalState) idle(now time.Time) bool {
	return s.conns == 0 && now.After(s.backoffUntil) &&
		(len(s.recentCloses) == 0 || now.Sub(s.recentCloses[len(s.recentCloses)-1]) > rapidCloseWindow)
}

// Ticket represents one principal's place in the admission queue.
// Admitted closes when the slot is granted; Position receives queue
// position updates (1-based) while waiting.
type Ticket struct {
	UserID   string
	Admitted chan struct{}
	Position chan int
}

// Governor owns the connection table and the admission set. All state
// is in-memory; connections cannot outlive the process, so neither
// should this.
type Governor struct {
	mu         sync.Mutex
	principals map[string]*principalState // hashed address -> record
	active     map[string]struct{}        // public user ids holding a slot
	queue      []*Ticket                  // FIFO waiters
	capacity   int
	maxConns   int
	clock      clock.WithTicker
	stop       chan struct{}
	stopOnce   sync.Once
}

// New builds a Governor bounded by systemCapacity active principals and
// maxConns concurrent connections per principal.
func New(systemCapacity, maxConns int, clk clock.WithTicker) *Governor {
	return &Governor{
		principals: make(map[string]*principalState),
		active:     make(map[string]struct{}),
		capacity:   systemCapacity,
		maxConns:   maxConns,
		clock:      clk,
		stop:       make(chan struct{}),
	}
}

// --- Connection cap and reconnection backoff ---

// Handshake gates a new connection for the hashed principal. It rejects
// when the principal already holds the maximum number of connections or
// is sitting out a reconnect backoff; on success the connection is
// counted until ConnectionClosed.
func (g *Governor) Handshake(hashedAddr string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	st := g.principals[hashedAddr]
	if st == nil {
		st = &principalState{}
		g.principals[hashedAddr] = st
	}

	if wait := st.backoffUntil.Sub(now); wait > 0 {
		metrics.ReconnectsThrottled.Inc()
		return &types.ThrottledError{RetryAfter: wait}
	}
	if st.conns >= g.maxConns {
		return fmt.Errorf("%w: limit is %d", types.ErrTooManyConnections, g.maxConns)
	}

	st.conns++
	return nil
}

// ConnectionClosed records a teardown for backoff accounting. Three or
// more closes inside a rolling 10 s window impose an exponential delay,
// min(2^n, 60) s with n counting closes beyond the threshold, before
// the next handshake succeeds.
func (g *Governor) ConnectionClosed(hashedAddr string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// A close without a tracked record still counts: abrupt transport
	// failures can land before any successful handshake.
	st := g.principals[hashedAddr]
	if st == nil {
		st = &principalState{}
		g.principals[hashedAddr] = st
	}
	if st.conns > 0 {
		st.conns--
	}

	now := g.clock.Now()
	st.recentCloses = append(st.recentCloses, now)
	cutoff := now.Add(-rapidCloseWindow)
	kept := st.recentCloses[:0]
	for _, ts := range st.recentCloses {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.recentCloses = kept

	if len(st.recentCloses) >= rapidCloseThreshold {
		n := len(st.recentCloses) - rapidCloseThreshold
		delay := maxBackoff
		if n < 6 { // 2^6 s already exceeds the cap
			delay = time.Second << n
		}
		st.backoffUntil = now.Add(delay)
		logging.Warn(context.Background(), "rapid reconnects, imposing backoff",
			zap.Duration("delay", delay), zap.Int("recent_closes", len(st.recentCloses)))
	}
}

// --- Global admission ---

// TryAcquire claims an active-membership slot for the user without
// queueing. Already-active users keep their slot (idempotent). Returns
// ErrSystemAtCapacity when no slot is free; HTTP joins surface that as
// 503 and do not wait.
func (g *Governor) TryAcquire(userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.active[userID]; ok {
		return nil
	}
	if len(g.active) >= g.capacity {
		metrics.AdmissionRejections.Inc()
		return types.ErrSystemAtCapacity
	}
	g.active[userID] = struct{}{}
	return nil
}

// Enqueue claims a slot or joins the FIFO admission queue. The returned
// ticket's Admitted channel is already closed when the slot was granted
// immediately; otherwise the caller waits on it (and forwards Position
// updates) until admission, or calls Abandon to give up.
func (g *Governor) Enqueue(userID string) *Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := &Ticket{
		UserID:   userID,
		Admitted: make(chan struct{}),
		Position: make(chan int, 8),
	}

	_, alreadyActive := g.active[userID]
	if alreadyActive || len(g.active) < g.capacity {
		g.active[userID] = struct{}{}
		close(t.Admitted)
		return t
	}

	g.queue = append(g.queue, t)
	metrics.AdmissionQueueDepth.Set(float64(len(g.queue)))
	g.notifyPositionsLocked()
	return t
}

// Abandon removes a waiting ticket from the queue (socket closed before
// admission). A ticket that was already admitted keeps its slot; the
// caller releases it through Release as usual.
func (g *Governor) Abandon(t *Ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, queued := range g.queue {
		if queued == t {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			metrics.AdmissionQueueDepth.Set(float64(len(g.queue)))
			g.notifyPositionsLocked()
			return
		}
	}
}

// Release frees the user's slot and admits the earliest waiter, if any.
// Idempotent: releasing a user without a slot is a no-op.
func (g *Governor) Release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.active[userID]; !ok {
		return
	}
	delete(g.active, userID)

	for len(g.queue) > 0 && len(g.active) < g.capacity {
		next := g.queue[0]
		g.queue = g.queue[1:]
		g.active[next.UserID] = struct{}{}
		close(next.Admitted)
	}
	metrics.AdmissionQueueDepth.Set(float64(len(g.queue)))
	g.notifyPositionsLocked()
}

// ActiveCount reports how many principals currently hold a slot.
func (g *Governor) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// QueueDepth reports how many principals are waiting.
func (g *Governor) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// notifyPositionsLocked pushes each waiter's current 1-based position.
// Sends are non-blocking; a waiter that has not drained older updates
// just sees the freshest one later.
func (g *Governor) notifyPositionsLocked() {
	for i, t := range g.queue {
		select {
		case t.Position <- i + 1:
		default:
		}
	}
}

// --- Housekeeping ---

// Run sweeps idle principal records until ctx is done. Without it the
// connection table grows one entry per address ever seen.
func (g *Governor) Run(ctx context.Context) {
	ticker := g.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-ticker.C():
			g.sweep()
		}
	}
}

// Stop terminates the sweeper started by Run.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *Governor) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	for addr, st := range g.principals {
		if st.idle(now) {
			delete(g.principals, addr)
		}
	}
}
