package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSubmissionQueue_FIFO(t *testing.T) {
	q := NewSubmissionQueue(64)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Submit(ctx, Operation{Kind: "user_turn", Content: "x"}, "", 0)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	for i := 0; i < 5; i++ {
		sub, ok := q.Take(ctx)
		if !ok {
			t.Fatalf("take %d: queue closed unexpectedly", i)
		}
		if sub.ID != ids[i] {
			t.Fatalf("FIFO violated: want %s got %s", ids[i], sub.ID)
		}
	}
}

func TestSubmissionQueue_BackpressureSuspendsProducer(t *testing.T) {
	q := NewSubmissionQueue(1)
	ctx := context.Background()

	if _, err := q.Submit(ctx, Operation{Kind: "user_turn"}, "", 0); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := q.Submit(ctx, Operation{Kind: "user_turn"}, "", 0); err != nil {
			t.Errorf("second submit: %v", err)
		}
	}()

	select {
	case <-done:
		t.Fatal("second submit should have blocked while queue is full")
	case <-time.After(30 * time.Millisecond):
	}

	if _, ok := q.Take(ctx); !ok {
		t.Fatal("take should free a slot")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second submit never unblocked after a slot freed")
	}
}

func TestSubmissionQueue_SubmitTimeout(t *testing.T) {
	q := NewSubmissionQueue(1)
	ctx := context.Background()

	if _, err := q.Submit(ctx, Operation{Kind: "user_turn"}, "", 0); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := q.Submit(ctx, Operation{Kind: "user_turn"}, "", 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	rerr, ok := err.(*RuntimeError)
	if !ok || rerr.Code != CodeQueueTimeout {
		t.Fatalf("expected CodeQueueTimeout, got %#v", err)
	}

	// A producer that timed out must not leave the queue degraded: a
	// subsequent successful submit should still work.
	if _, ok := q.TryTake(); !ok {
		t.Fatal("expected the first submission to still be queued")
	}
	if _, err := q.Submit(ctx, Operation{Kind: "user_turn"}, "", 10*time.Millisecond); err != nil {
		t.Fatalf("expected submit to succeed once a slot is free, got %#v", err)
	}
}

func TestSubmissionQueue_CloseWakesConsumers(t *testing.T) {
	q := NewSubmissionQueue(4)
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Take(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Take to return ok=false on close")
		}
	case <-time.After(time.Second):
		t.Fatal("Take never woke up after Close")
	}
}

func TestSubmissionQueue_CloseIsIdempotent(t *testing.T) {
	q := NewSubmissionQueue(4)
	q.Close()
	q.Close() // must not panic
}

func TestSubmissionQueue_SubmitAfterCloseFails(t *testing.T) {
	q := NewSubmissionQueue(4)
	q.Close()
	_, err := q.Submit(context.Background(), Operation{Kind: "user_turn"}, "", 0)
	rerr, ok := err.(*RuntimeError)
	if !ok || rerr.Code != CodeQueueClosed {
		t.Fatalf("expected CodeQueueClosed, got %#v", err)
	}
}

func TestSubmissionQueue_TryTakeNonBlocking(t *testing.T) {
	q := NewSubmissionQueue(4)
	if _, ok := q.TryTake(); ok {
		t.Fatal("expected no item on empty queue")
	}
	_, _ = q.Submit(context.Background(), Operation{Kind: "user_turn"}, "", 0)
	if _, ok := q.TryTake(); !ok {
		t.Fatal("expected an item after submit")
	}
}

func TestSubmissionQueue_IterateDrainsThenCloses(t *testing.T) {
	q := NewSubmissionQueue(4)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = q.Submit(ctx, Operation{Kind: "user_turn"}, "", 0)
	}
	q.Close()

	var got []Submission
	for sub := range q.Iterate(ctx) {
		got = append(got, sub)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 drained submissions, got %d", len(got))
	}
}

func TestSubmissionQueue_ConcurrentProducersLoseNothing(t *testing.T) {
	// With many concurrent producers interleaving isn't globally
	// deterministic, but no submission should be lost or duplicated.
	q := NewSubmissionQueue(8)
	ctx := context.Background()
	const n = 200

	// The consumer runs alongside the producers: with capacity 8, most
	// producers stay suspended until it frees a slot.
	counted := make(chan int, 1)
	go func() {
		count := 0
		for {
			_, ok := q.Take(ctx)
			if !ok {
				break
			}
			count++
		}
		counted <- count
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Submit(ctx, Operation{Kind: "user_turn"}, "", 0)
		}()
	}
	wg.Wait()
	q.Close()

	if count := <-counted; count != n {
		t.Fatalf("expected %d submissions drained, got %d", n, count)
	}
}
