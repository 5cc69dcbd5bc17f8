package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memQueue struct {
	mu        sync.Mutex
	items     map[string]*Delivery
	removed   []string
	removeErr error
}

func newMemQueue(ds ...*Delivery) *memQueue {
	q := &memQueue{items: make(map[string]*Delivery)}
	for _, d := range ds {
		q.items[d.ID] = d
	}
	return q
}

func (q *memQueue) DueDeliveries(_ context.Context, now time.Time, limit int) ([]*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Delivery
	for _, d := range q.items {
		if !d.DueAt.After(now) && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (q *memQueue) RemoveDelivery(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, id)
	if q.removeErr != nil {
		return q.removeErr
	}
	delete(q.items, id)
	return nil
}

type recordingSender struct {
	mu     sync.Mutex
	sent   []Message
	failTo map[string]bool
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTo[msg.To] {
		return errors.New("mailbox unavailable")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func mustDelivery(t *testing.T, due time.Time, recipients ...string) *Delivery {
	t.Helper()
	d, err := New("uid-1", due, "Weekly insights", "Revenue is up.", recipients,
		[]Attachment{{Name: "report.csv", ContentType: "text/csv", Data: []byte("a,b\n")}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestRunOnceSendsDueDeliveries(t *testing.T) {
	now := time.Now()
	due := mustDelivery(t, now.Add(-time.Minute), "a@example.com", "b@example.com")
	later := mustDelivery(t, now.Add(time.Hour), "c@example.com")
	q := newMemQueue(due, later)
	s := &recordingSender{}

	w := NewWorker(q, s, WorkerConfig{From: "reports@example.com"})
	w.now = func() time.Time { return now }

	stats, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Deliveries != 1 || stats.Sent != 2 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(s.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(s.sent))
	}
	for _, m := range s.sent {
		if m.From != "reports@example.com" || m.Subject != "Weekly insights" || len(m.Attachments) != 1 {
			t.Errorf("unexpected message %+v", m)
		}
	}
	if _, ok := q.items[due.ID]; ok {
		t.Error("sent delivery should be removed")
	}
	if _, ok := q.items[later.ID]; !ok {
		t.Error("future delivery must stay queued")
	}
}

func TestRunOnceRemovesAfterFailedSend(t *testing.T) {
	now := time.Now()
	d := mustDelivery(t, now.Add(-time.Second), "ok@example.com", "bounce@example.com")
	q := newMemQueue(d)
	s := &recordingSender{failTo: map[string]bool{"bounce@example.com": true}}

	w := NewWorker(q, s, WorkerConfig{Concurrency: 1})
	w.now = func() time.Time { return now }

	stats, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Sent != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(q.items) != 0 {
		t.Fatal("delivery must be removed even when a send fails")
	}
}

func TestRunOnceRemoveFailureDoesNotAbortCycle(t *testing.T) {
	now := time.Now()
	q := newMemQueue(
		mustDelivery(t, now.Add(-time.Second), "a@example.com"),
		mustDelivery(t, now.Add(-2*time.Second), "b@example.com"),
	)
	q.removeErr = errors.New("queue offline")
	s := &recordingSender{}

	w := NewWorker(q, s, WorkerConfig{})
	w.now = func() time.Time { return now }

	stats, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Deliveries != 2 || len(q.removed) != 2 {
		t.Fatalf("stats = %+v removed = %v", stats, q.removed)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := newMemQueue()
	w := NewWorker(q, &recordingSender{}, WorkerConfig{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
