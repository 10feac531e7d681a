package jobs

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/akmatori/riskwatch/internal/metrics"
	"github.com/akmatori/riskwatch/internal/services"
	"go.uber.org/zap"
)

const (
	defaultResyncInterval = 30 * time.Second
	retryAfterStoreError  = 15 * time.Second
)

type deadlineItem struct {
	id    uint
	due   time.Time
	index int
}

// deadlineHeap is a min-heap of deadlines ordered by due time
type deadlineHeap []*deadlineItem

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].id < h[j].id
	}
	return h[i].due.Before(h[j].due)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x interface{}) {
	item := x.(*deadlineItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// EscalationScheduler holds one pending deadline per active execution and
// advances executions as their deadlines pass. The engine reports every
// recomputed deadline through Schedule and Remove; a periodic resync from
// the store repairs anything missed, including deadlines written by other
// processes.
type EscalationScheduler struct {
	engine *services.EscalationEngine
	log    *zap.SugaredLogger
	resync time.Duration
	now    func() time.Time

	// resyncSource, when set, is consulted after every resync
	resyncSource func(ctx context.Context) (time.Duration, error)

	mu    sync.Mutex
	queue deadlineHeap
	items map[uint]*deadlineItem
	wake  chan struct{}
}

// NewEscalationScheduler creates a scheduler and registers it with the engine
func NewEscalationScheduler(engine *services.EscalationEngine, resync time.Duration, log *zap.SugaredLogger) *EscalationScheduler {
	if resync <= 0 {
		resync = defaultResyncInterval
	}
	s := &EscalationScheduler{
		engine: engine,
		log:    log,
		resync: resync,
		now:    func() time.Time { return time.Now().UTC() },
		items:  make(map[uint]*deadlineItem),
		wake:   make(chan struct{}, 1),
	}
	engine.SetDeadlineSink(s)
	return s
}

// SetResyncSource makes Run re-read its resync interval after every resync
func (s *EscalationScheduler) SetResyncSource(fn func(ctx context.Context) (time.Duration, error)) {
	s.resyncSource = fn
}

// refreshResync returns the resync interval to use from now on and whether it changed
func (s *EscalationScheduler) refreshResync(ctx context.Context) (time.Duration, bool) {
	if s.resyncSource == nil {
		return s.resync, false
	}
	next, err := s.resyncSource(ctx)
	if err != nil {
		s.log.Warnw("Could not load scheduler resync interval", "error", err)
		return s.resync, false
	}
	if next <= 0 || next == s.resync {
		return s.resync, false
	}
	s.resync = next
	return next, true
}

// Schedule sets the deadline of an execution, replacing any previous one
func (s *EscalationScheduler) Schedule(id uint, due time.Time) {
	s.mu.Lock()
	if item, ok := s.items[id]; ok {
		item.due = due
		heap.Fix(&s.queue, item.index)
	} else {
		item := &deadlineItem{id: id, due: due}
		heap.Push(&s.queue, item)
		s.items[id] = item
	}
	metrics.SchedulerPending.Set(float64(len(s.queue)))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Remove drops the deadline of an execution
func (s *EscalationScheduler) Remove(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok {
		heap.Remove(&s.queue, item.index)
		delete(s.items, id)
	}
	metrics.SchedulerPending.Set(float64(len(s.queue)))
}

// Len returns the number of pending deadlines
func (s *EscalationScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next returns the earliest pending deadline
func (s *EscalationScheduler) Next() (uint, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, time.Time{}, false
	}
	return s.queue[0].id, s.queue[0].due, true
}

// Resync rebuilds the queue from the deadlines persisted in the store
func (s *EscalationScheduler) Resync(ctx context.Context) error {
	deadlines, err := s.engine.PendingDeadlines(ctx)
	if err != nil {
		return err
	}

	queue := make(deadlineHeap, 0, len(deadlines))
	items := make(map[uint]*deadlineItem, len(deadlines))
	for _, d := range deadlines {
		item := &deadlineItem{id: d.ID, due: d.Due, index: len(queue)}
		queue = append(queue, item)
		items[d.ID] = item
	}
	heap.Init(&queue)

	s.mu.Lock()
	s.queue = queue
	s.items = items
	metrics.SchedulerPending.Set(float64(len(queue)))
	s.mu.Unlock()
	return nil
}

// popDue removes and returns every execution due at or before now
func (s *EscalationScheduler) popDue(now time.Time) []uint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uint
	for len(s.queue) > 0 && !s.queue[0].due.After(now) {
		item := heap.Pop(&s.queue).(*deadlineItem)
		delete(s.items, item.id)
		ids = append(ids, item.id)
	}
	metrics.SchedulerPending.Set(float64(len(s.queue)))
	return ids
}

// RunDue advances every execution due at now and returns the number of
// transitions applied. The engine reschedules each execution it touches.
func (s *EscalationScheduler) RunDue(ctx context.Context, now time.Time) int {
	total := 0
	for _, id := range s.popDue(now) {
		_, steps, err := s.engine.Advance(ctx, id, now)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				continue
			}
			var store *services.StoreUnavailableError
			if errors.As(err, &store) {
				s.Schedule(id, now.Add(retryAfterStoreError))
			}
			s.log.Errorw("Failed to advance escalation", "id", id, "error", err)
			continue
		}
		total += steps
	}
	return total
}

// Run drives the scheduler until ctx is cancelled
func (s *EscalationScheduler) Run(ctx context.Context) {
	if err := s.Resync(ctx); err != nil {
		s.log.Errorw("Initial scheduler resync failed", "error", err)
	}
	s.log.Infow("Escalation scheduler started", "pending", s.Len(), "resync", s.resync)

	resync := time.NewTicker(s.resync)
	defer resync.Stop()
	timer := time.NewTimer(s.resync)
	defer timer.Stop()

	for {
		wait := s.resync
		if _, due, ok := s.Next(); ok {
			wait = due.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.log.Info("Escalation scheduler stopped")
			return
		case <-s.wake:
		case <-resync.C:
			if err := s.Resync(ctx); err != nil {
				s.log.Errorw("Scheduler resync failed", "error", err)
			}
			if next, changed := s.refreshResync(ctx); changed {
				s.log.Infow("Scheduler resync interval changed", "resync", next)
				resync.Reset(next)
			}
		case <-timer.C:
			if n := s.RunDue(ctx, s.now()); n > 0 {
				s.log.Debugw("Escalations advanced", "transitions", n)
			}
		}
	}
}
