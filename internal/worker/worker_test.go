package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/completion-gateway/internal/usage"
)

type mockStore struct {
	mu         sync.Mutex
	insertFunc func(ctx context.Context, records []*usage.Record) error
	saved      []*usage.Record
	calls      int
}

func (m *mockStore) InsertBatch(ctx context.Context, records []*usage.Record) error {
	m.mu.Lock()
	m.calls++
	fn := m.insertFunc
	m.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, records); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.saved = append(m.saved, records...)
	m.mu.Unlock()
	return nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func newTestAggregator(q *Queue, s BatchWriter) *Aggregator {
	return NewAggregator(q, s, noop.NewTracerProvider().Tracer("test"), 10*time.Millisecond, time.Second)
}

func TestQueue_ConcurrentPush(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				q.Push(&usage.Record{UserID: int64(id)})
			}
		}(i)
	}
	wg.Wait()

	if q.Len() != 1000 {
		t.Fatalf("Expected 1000 items, got %d", q.Len())
	}
	if got := q.Drain(); len(got) != 1000 {
		t.Errorf("Expected to drain 1000, got %d", len(got))
	}
	if q.Drain() != nil {
		t.Error("Expected empty drain")
	}
}

func TestQueue_RequeueKeepsOrder(t *testing.T) {
	q := NewQueue()
	q.Push(&usage.Record{UserID: 1})
	q.Push(&usage.Record{UserID: 2})
	batch := q.Drain()
	q.Push(&usage.Record{UserID: 3})

	q.Requeue(batch)

	got := q.Drain()
	if len(got) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(got))
	}
	for i, r := range got {
		if r.UserID != int64(i+1) {
			t.Errorf("Position %d: expected user %d, got %d", i, i+1, r.UserID)
		}
	}
}

func TestAggregator_PersistsBeforeStop(t *testing.T) {
	q := NewQueue()
	store := &mockStore{}
	agg := newTestAggregator(q, store)
	agg.Start()

	for i := 0; i < 5; i++ {
		q.Push(&usage.Record{UserID: int64(i)})
	}

	if err := agg.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if store.count() != 5 {
		t.Errorf("Expected 5 persisted records, got %d", store.count())
	}
	if q.Len() != 0 {
		t.Errorf("Queue not empty after stop: %d", q.Len())
	}
}

func TestAggregator_StopWithoutStartStillFlushes(t *testing.T) {
	q := NewQueue()
	store := &mockStore{}
	q.Push(&usage.Record{UserID: 1})

	agg := newTestAggregator(q, store)
	if err := agg.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if store.count() != 1 {
		t.Errorf("Expected 1 persisted record, got %d", store.count())
	}
}

func TestAggregator_RequeuesFailedBatch(t *testing.T) {
	q := NewQueue()
	failures := 2
	store := &mockStore{}
	store.insertFunc = func(ctx context.Context, records []*usage.Record) error {
		if failures > 0 {
			failures--
			return errors.New("database unavailable")
		}
		return nil
	}

	for i := 0; i < 3; i++ {
		q.Push(&usage.Record{UserID: int64(i)})
	}

	agg := newTestAggregator(q, store)
	agg.Start()
	if err := agg.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if store.count() != 3 {
		t.Errorf("Expected 3 persisted records after retries, got %d", store.count())
	}
	if store.calls < 3 {
		t.Errorf("Expected at least 3 insert attempts, got %d", store.calls)
	}
}

func TestAggregator_FlushesRecordsPushedAfterStop(t *testing.T) {
	q := NewQueue()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store := &mockStore{}
	store.insertFunc = func(ctx context.Context, records []*usage.Record) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}

	agg := newTestAggregator(q, store)
	agg.Start()
	q.Push(&usage.Record{UserID: 1})
	<-entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- agg.Stop(2 * time.Second) }()
	<-agg.stop

	// a request finishing after shutdown began
	q.Push(&usage.Record{UserID: 2})
	close(release)

	if err := <-stopErr; err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if store.count() != 2 {
		t.Errorf("Expected 2 persisted records, got %d", store.count())
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
}

func TestAggregator_StopTimeout(t *testing.T) {
	q := NewQueue()
	release := make(chan struct{})
	store := &mockStore{insertFunc: func(ctx context.Context, records []*usage.Record) error {
		<-release
		return nil
	}}
	q.Push(&usage.Record{UserID: 1})

	agg := newTestAggregator(q, store)
	agg.Start()

	err := agg.Stop(20 * time.Millisecond)
	close(release)

	if !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Expected ErrShutdownTimeout, got %v", err)
	}
}

func TestAggregator_StopIsIdempotent(t *testing.T) {
	agg := newTestAggregator(NewQueue(), &mockStore{})
	agg.Start()
	if err := agg.Stop(time.Second); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := agg.Stop(time.Second); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
