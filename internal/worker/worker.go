package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/completion-gateway/internal/usage"
)

var ErrShutdownTimeout = errors.New("stats aggregator shutdown timed out")

// Queue is an unbounded multi-producer queue of usage records. Push never
// blocks on the consumer.
type Queue struct {
	mu    sync.Mutex
	items []*usage.Record
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(r *usage.Record) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
}

// Requeue puts rs back at the front, ahead of anything pushed since they
// were drained.
func (q *Queue) Requeue(rs []*usage.Record) {
	q.mu.Lock()
	items := make([]*usage.Record, 0, len(rs)+len(q.items))
	items = append(items, rs...)
	q.items = append(items, q.items...)
	q.mu.Unlock()
}

// Drain takes everything currently queued. It returns nil when empty.
func (q *Queue) Drain() []*usage.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type BatchWriter interface {
	InsertBatch(ctx context.Context, records []*usage.Record) error
}

// Aggregator is the single consumer of a Queue. It persists whatever has
// accumulated once per interval; failed batches go back on the queue.
type Aggregator struct {
	queue          *Queue
	store          BatchWriter
	tracer         trace.Tracer
	interval       time.Duration
	persistTimeout time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewAggregator(queue *Queue, store BatchWriter, tracer trace.Tracer, interval, persistTimeout time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Second
	}
	if persistTimeout <= 0 {
		persistTimeout = 10 * time.Second
	}
	return &Aggregator{
		queue:          queue,
		store:          store,
		tracer:         tracer,
		interval:       interval,
		persistTimeout: persistTimeout,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (a *Aggregator) Start() {
	a.startOnce.Do(func() {
		go a.run()
	})
}

// Stop signals the loop and waits up to timeout for the final flush.
// Records still queued when the bound is hit may be lost.
func (a *Aggregator) Stop(timeout time.Duration) error {
	a.stopOnce.Do(func() { close(a.stop) })
	a.Start()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-a.done:
		return nil
	case <-timer.C:
		return ErrShutdownTimeout
	}
}

func (a *Aggregator) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		a.flush()

		select {
		case <-a.stop:
			a.finalDrain(ticker)
			return
		case <-ticker.C:
		}
	}
}

// finalDrain keeps flushing until the queue is empty, including records
// pushed after the stop signal.
func (a *Aggregator) finalDrain(ticker *time.Ticker) {
	for a.queue.Len() > 0 {
		if a.flush() {
			continue
		}
		<-ticker.C
	}
	log.Info("stats aggregator drained")
}

// flush persists one batch. It reports false when the batch was requeued.
func (a *Aggregator) flush() bool {
	batch := a.queue.Drain()
	if len(batch) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.persistTimeout)
	defer cancel()

	ctx, span := a.tracer.Start(ctx, "stats.flush")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	if err := a.store.InsertBatch(ctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		log.WithFields(log.Fields{"event": "stats_flush", "records": len(batch)}).
			WithError(err).Warn("failed to persist usage batch, requeueing")
		a.queue.Requeue(batch)
		return false
	}

	log.WithFields(log.Fields{"event": "stats_flush", "records": len(batch)}).Debug("usage batch persisted")
	return true
}
