package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/akmatori/riskwatch/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Enqueue when the dispatcher cannot accept more work
	ErrQueueFull = errors.New("notification queue is full")
	// ErrQueueClosed is returned by Enqueue after Stop
	ErrQueueClosed = errors.New("notification queue is shutting down")
)

// DispatcherConfig tunes the Dispatcher
type DispatcherConfig struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SendTimeout    time.Duration
}

func (c *DispatcherConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
}

type queueItem struct {
	msg       Message
	attempt   int
	createdAt time.Time
}

// Dispatcher sends messages asynchronously on a pool of workers. Failed sends
// are retried with exponential backoff; retries wait on timers, not on workers.
// When the sender reports which recipients failed, only those are retried.
type Dispatcher struct {
	sender Sender
	cfg    DispatcherConfig
	queue  chan *queueItem
	log    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[*queueItem]*time.Timer
}

// NewDispatcher creates a dispatcher. Call Start before enqueueing.
func NewDispatcher(sender Sender, cfg DispatcherConfig, log *zap.SugaredLogger) *Dispatcher {
	cfg.setDefaults()
	log.Infow("Initializing notification dispatcher",
		"workers", cfg.Workers,
		"queueSize", cfg.QueueSize,
		"maxAttempts", cfg.MaxAttempts,
		"initialBackoff", cfg.InitialBackoff)

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender: sender,
		cfg:    cfg,
		queue:  make(chan *queueItem, cfg.QueueSize),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[*queueItem]*time.Timer),
	}
}

// Start launches the worker pool
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.log.Infow("Notification dispatcher started", "workers", d.cfg.Workers)
}

// Enqueue hands a message to the dispatcher without blocking
func (d *Dispatcher) Enqueue(msg Message) error {
	if len(msg.Recipients) == 0 {
		metrics.NotificationsDropped.WithLabelValues("no_recipients").Inc()
		return ErrNoRecipients
	}

	select {
	case <-d.ctx.Done():
		metrics.NotificationsDropped.WithLabelValues("shutdown").Inc()
		return ErrQueueClosed
	default:
	}

	item := &queueItem{msg: msg, createdAt: time.Now()}
	select {
	case d.queue <- item:
		metrics.NotificationsQueued.WithLabelValues(msg.Kind).Inc()
		d.log.Debugw("Notification queued", "id", msg.ID, "recipients", len(msg.Recipients))
		return nil
	default:
		metrics.NotificationsDropped.WithLabelValues("queue_full").Inc()
		d.log.Errorw("Notification queue is full, dropping message",
			"id", msg.ID,
			"queueSize", d.cfg.QueueSize)
		return fmt.Errorf("%w (capacity: %d)", ErrQueueFull, d.cfg.QueueSize)
	}
}

// Length returns the number of messages waiting for a worker
func (d *Dispatcher) Length() int {
	return len(d.queue)
}

// Pending returns the number of messages waiting for a retry timer
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case item := <-d.queue:
			d.process(item)
		}
	}
}

func (d *Dispatcher) process(item *queueItem) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("panic while sending notification recovered", "id", item.msg.ID, "panic", r)
			d.finish(item, fmt.Errorf("sender panic: %v", r))
		}
	}()

	item.attempt++
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SendTimeout)
	err := d.sender.Send(ctx, item.msg)
	cancel()

	if err == nil {
		d.log.Infow("Notification sent",
			"id", item.msg.ID,
			"attempt", item.attempt,
			"recipients", len(item.msg.Recipients))
		d.finish(item, nil)
		return
	}

	if item.attempt >= d.cfg.MaxAttempts || errors.Is(err, ErrNoRecipients) {
		d.log.Errorw("Notification failed after all retries",
			"id", item.msg.ID,
			"attempts", item.attempt,
			"error", err)
		d.finish(item, err)
		return
	}

	if failed, ok := FailedRecipients(err); ok && len(failed) > 0 && len(failed) < len(item.msg.Recipients) {
		d.log.Infow("Retrying failed recipients only",
			"id", item.msg.ID,
			"failed", len(failed),
			"delivered", len(item.msg.Recipients)-len(failed))
		item.msg = item.msg.WithRecipients(failed)
	}

	backoff := d.backoff(item.attempt)
	d.log.Warnw("Notification send failed, scheduling retry",
		"id", item.msg.ID,
		"attempt", item.attempt,
		"error", err,
		"retryIn", backoff.String())
	metrics.NotificationRetries.Inc()
	d.scheduleRetry(item, backoff)
}

func (d *Dispatcher) scheduleRetry(item *queueItem, backoff time.Duration) {
	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		d.finish(item, ErrQueueClosed)
		return
	}
	d.timers[item] = time.AfterFunc(backoff, func() {
		d.mu.Lock()
		delete(d.timers, item)
		d.mu.Unlock()

		if d.ctx.Err() != nil {
			d.finish(item, ErrQueueClosed)
			return
		}
		select {
		case d.queue <- item:
		default:
			metrics.NotificationsDropped.WithLabelValues("queue_full").Inc()
			d.finish(item, ErrQueueFull)
		}
	})
	d.mu.Unlock()
}

// backoff grows 2^(attempt-1) from the initial backoff, capped at MaxBackoff
func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := float64(d.cfg.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if b > float64(d.cfg.MaxBackoff) {
		return d.cfg.MaxBackoff
	}
	return time.Duration(b)
}

func (d *Dispatcher) finish(item *queueItem, err error) {
	if item.msg.OnResult != nil {
		item.msg.OnResult(err)
	}
}

// Stop stops accepting work, cancels pending retries and waits for workers
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.log.Info("Stopping notification dispatcher")
	d.cancel()

	var cancelled []*queueItem
	d.mu.Lock()
	for item, timer := range d.timers {
		if timer.Stop() {
			cancelled = append(cancelled, item)
		}
		delete(d.timers, item)
	}
	d.mu.Unlock()
	for _, item := range cancelled {
		d.finish(item, ErrQueueClosed)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("Notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.log.Warn("Notification dispatcher shutdown timed out")
		return ctx.Err()
	}
}
