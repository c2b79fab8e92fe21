package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestPool(maxConc int) *Pool {
	return NewPool(PoolConfig{MaxConcurrency: maxConc}, zap.NewNop())
}

func TestDispatchFailsWithoutFreeSlot(t *testing.T) {
	p := newTestPool(1)
	block := make(chan struct{})
	_, err := p.Dispatch(context.Background(), PoolTask{
		Description: "first",
		Run: func(ctx context.Context) (string, error) {
			<-block
			return "ok", nil
		},
	})
	if err != nil {
		t.Fatalf("expected first dispatch to succeed: %v", err)
	}

	_, err = p.Dispatch(context.Background(), PoolTask{
		Description: "second",
		Run:         func(ctx context.Context) (string, error) { return "ok", nil },
	})
	if err == nil {
		t.Fatalf("expected dispatch to fail with no free slot")
	}
	close(block)
}

func TestWaitForAnyNeverRejectsOnFailure(t *testing.T) {
	p := newTestPool(2)
	_, err := p.Dispatch(context.Background(), PoolTask{
		Description: "fails",
		Run: func(ctx context.Context) (string, error) {
			return "", errors.New("boom")
		},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	completed, ok := p.WaitForAny(ctx)
	if !ok {
		t.Fatalf("expected a completion")
	}
	if completed.Err == nil {
		t.Fatalf("expected the failure to surface in CompletedWorker.Err")
	}
}

func TestWaitForAllDrainsMultiple(t *testing.T) {
	p := newTestPool(3)
	for i := 0; i < 3; i++ {
		_, err := p.Dispatch(context.Background(), PoolTask{
			Description: "task",
			Run:         func(ctx context.Context) (string, error) { return "done", nil },
		})
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	results := p.WaitForAll(ctx, 3)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
}

func TestPanicInTaskBecomesFailedResult(t *testing.T) {
	p := newTestPool(1)
	_, err := p.Dispatch(context.Background(), PoolTask{
		Description: "panics",
		Run: func(ctx context.Context) (string, error) {
			panic("kaboom")
		},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	completed, ok := p.WaitForAny(ctx)
	if !ok {
		t.Fatalf("expected completion")
	}
	if completed.Err == nil {
		t.Fatalf("expected panic to be converted into an error result")
	}
}

func TestCancelAllStopsInflightWorkers(t *testing.T) {
	p := newTestPool(2)
	started := make(chan struct{})
	_, err := p.Dispatch(context.Background(), PoolTask{
		Description: "long",
		Run: func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	<-started

	p.CancelAll(10 * time.Millisecond)

	if len(p.Status()) != 0 {
		t.Fatalf("expected no inflight workers after CancelAll")
	}
	if p.AvailableSlots() != 2 {
		t.Fatalf("expected all slots free after CancelAll, got %d", p.AvailableSlots())
	}
}

func TestStatusReportsDescriptionAndModel(t *testing.T) {
	p := NewPool(PoolConfig{
		MaxConcurrency: 1,
		Specs:          []WorkerSpec{{Name: "fast", Model: "gpt-4o-mini", Capabilities: []string{"code"}}},
	}, zap.NewNop())

	block := make(chan struct{})
	_, err := p.Dispatch(context.Background(), PoolTask{
		Description: "write the parser",
		Capability:  "code",
		Run: func(ctx context.Context) (string, error) {
			<-block
			return "", nil
		},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	status := p.Status()
	if len(status) != 1 {
		t.Fatalf("expected 1 inflight status entry, got %d", len(status))
	}
	if status[0].Description != "write the parser" || status[0].Model != "gpt-4o-mini" {
		t.Fatalf("unexpected status: %+v", status[0])
	}
	close(block)
	p.WaitForAny(context.Background())
}

func TestSelectSpecFallsBackWhenNoCapabilityMatches(t *testing.T) {
	p := NewPool(PoolConfig{
		MaxConcurrency: 1,
		Specs:          []WorkerSpec{{Name: "only", Model: "m1", Capabilities: []string{"other"}}},
	}, zap.NewNop())
	spec := p.selectSpec("code")
	if spec.Name != "only" {
		t.Fatalf("expected fallback to the sole configured spec, got %+v", spec)
	}
}
