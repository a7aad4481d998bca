// Package scheduler decides when each account syncs. Accounts sit in a
// priority queue keyed by next-due time; a tick pops every due account
// and launches its sync up to a global concurrency cap. Transient
// failures push the account's next run out with exponential backoff,
// independently per account.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/modernmail/engine/internal/client"
)

const (
	backoffBase = 30 * time.Second
	backoffCap  = 30 * time.Minute
)

// backoffDelay returns the wait before retry n (1-based): base 30s
// doubling per retry, capped at 30 minutes, with ±20% jitter so
// accounts that failed together do not retry together.
func backoffDelay(retries int) time.Duration {
	d := backoffBase
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// RunFunc executes one sync pass for an account. The scheduler
// inspects the returned error only to decide between the regular
// interval and backoff.
type RunFunc func(ctx context.Context, accountID string) error

// entry is one account's position in the due queue.
type entry struct {
	accountID string
	due       time.Time
	index     int
	removed   bool
}

type dueQueue []*entry

func (q dueQueue) Len() int            { return len(q) }
func (q dueQueue) Less(i, j int) bool  { return q[i].due.Before(q[j].due) }
func (q dueQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *dueQueue) Push(x interface{}) { e := x.(*entry); e.index = len(*q); *q = append(*q, e) }
func (q *dueQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Scheduler drives periodic syncs across accounts.
type Scheduler struct {
	run           RunFunc
	maxConcurrent int
	log           *slog.Logger

	mu            sync.Mutex
	queue         dueQueue
	entries       map[string]*entry
	intervals     map[string]time.Duration
	retries       map[string]int
	running       map[string]bool
	manualPending map[string]bool

	slots chan struct{}
	wake  chan struct{}
}

// New creates a scheduler executing run for each due account, with at
// most maxConcurrent syncs in flight.
func New(run RunFunc, maxConcurrent int, log *slog.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Scheduler{
		run:           run,
		maxConcurrent: maxConcurrent,
		log:           log,
		entries:       make(map[string]*entry),
		intervals:     make(map[string]time.Duration),
		retries:       make(map[string]int),
		running:       make(map[string]bool),
		manualPending: make(map[string]bool),
		slots:         make(chan struct{}, maxConcurrent),
		wake:          make(chan struct{}, 1),
	}
}

// Add schedules the account for an immediate first sync and then every
// interval. Adding an already-scheduled account updates its interval.
func (s *Scheduler) Add(accountID string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.intervals[accountID] = interval
	if e, ok := s.entries[accountID]; ok {
		e.due = time.Now()
		heap.Fix(&s.queue, e.index)
	} else if !s.running[accountID] {
		e := &entry{accountID: accountID, due: time.Now()}
		s.entries[accountID] = e
		heap.Push(&s.queue, e)
	}
	s.wakeLoop()
}

// Remove takes the account out of the schedule. An in-flight sync is
// not interrupted but will not be re-queued.
func (s *Scheduler) Remove(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.intervals, accountID)
	delete(s.retries, accountID)
	delete(s.manualPending, accountID)
	if e, ok := s.entries[accountID]; ok {
		// Popped lazily; the loop skips removed entries.
		e.removed = true
		delete(s.entries, accountID)
	}
}

// RefreshNow moves the account to the front of the queue. The
// concurrency cap still applies; if the account is mid-sync, another
// pass runs right after the current one.
func (s *Scheduler) RefreshNow(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.intervals[accountID]; !ok {
		return
	}
	if s.running[accountID] {
		s.manualPending[accountID] = true
		return
	}
	if e, ok := s.entries[accountID]; ok {
		e.due = time.Now()
		s.retries[accountID] = 0
		heap.Fix(&s.queue, e.index)
		s.wakeLoop()
	}
}

// Retries returns the account's consecutive transient-failure count.
func (s *Scheduler) Retries(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[accountID]
}

// NextDue returns when the account will next sync, if scheduled.
func (s *Scheduler) NextDue(accountID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[accountID]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

func (s *Scheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run processes the queue until ctx is cancelled. In-flight syncs are
// cancelled through the same context.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.dispatch(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatch launches every due account that can get a slot and returns
// how long to sleep until the next one is due.
func (s *Scheduler) dispatch(ctx context.Context) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for s.queue.Len() > 0 {
		head := s.queue[0]
		if head.removed {
			heap.Pop(&s.queue)
			continue
		}
		if head.due.After(now) {
			return time.Until(head.due)
		}

		select {
		case s.slots <- struct{}{}:
		default:
			// All slots busy. The account stays queued; a finishing
			// sync wakes the loop.
			return time.Minute
		}

		heap.Pop(&s.queue)
		delete(s.entries, head.accountID)
		s.running[head.accountID] = true

		go s.runOne(ctx, head.accountID)
	}

	return time.Minute
}

func (s *Scheduler) runOne(ctx context.Context, accountID string) {
	err := s.run(ctx, accountID)
	if err != nil {
		s.log.Debug("sync pass failed", "account", accountID, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	<-s.slots
	delete(s.running, accountID)

	interval, ok := s.intervals[accountID]
	if !ok {
		// Removed while syncing.
		s.wakeLoop()
		return
	}

	var due time.Time
	switch {
	case s.manualPending[accountID]:
		delete(s.manualPending, accountID)
		s.retries[accountID] = 0
		due = time.Now()
	case err != nil && client.IsTransient(err):
		s.retries[accountID]++
		due = time.Now().Add(backoffDelay(s.retries[accountID]))
	default:
		s.retries[accountID] = 0
		due = time.Now().Add(interval)
	}

	e := &entry{accountID: accountID, due: due}
	s.entries[accountID] = e
	heap.Push(&s.queue, e)
	s.wakeLoop()
}
