package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBridge(handler Handler) (*Bridge, *SubmissionQueue, *EventQueue) {
	in := NewSubmissionQueue(8)
	out := NewEventQueue(64, zap.NewNop())
	return NewBridge(in, out, handler, zap.NewNop()), in, out
}

func TestBridge_DispatchesSubmissionsToHandler(t *testing.T) {
	var mu sync.Mutex
	var handled []string

	b, in, _ := newTestBridge(func(ctx context.Context, sub Submission) {
		mu.Lock()
		handled = append(handled, sub.ID)
		mu.Unlock()
	})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	id, _ := in.Submit(context.Background(), Operation{Kind: "user_turn"}, "", 0)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(handled)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0] != id {
		t.Fatalf("expected handler invoked once with %s, got %#v", id, handled)
	}
}

func TestBridge_DoubleStartFails(t *testing.T) {
	b, _, _ := newTestBridge(func(ctx context.Context, sub Submission) {})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer b.Stop()

	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail while running")
	}
}

func TestBridge_HandlerPanicEmitsErrorEventAndKeepsConsumerAlive(t *testing.T) {
	calls := 0
	b, in, out := newTestBridge(func(ctx context.Context, sub Submission) {
		calls++
		if sub.Op.Content == "boom" {
			panic("handler exploded")
		}
	})

	var mu sync.Mutex
	var events []EventEnvelope
	out.Subscribe(func(e EventEnvelope) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	badID, _ := in.Submit(context.Background(), Operation{Kind: "user_turn", Content: "boom"}, "", 0)
	_, _ = in.Submit(context.Background(), Operation{Kind: "user_turn", Content: "fine"}, "", 0)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := calls == 2
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected consumer to survive the panic and process both submissions, got %d calls", calls)
	}

	found := false
	for _, e := range events {
		if e.SubmissionID == badID && e.Event.Kind == EventError && e.Event.ErrorCode == CodeOperationHandlerError {
			found = true
			if !e.Event.ErrorRecoverable {
				t.Fatal("expected OperationHandlerError to be recoverable")
			}
		}
	}
	if !found {
		t.Fatal("expected an OperationHandlerError event correlated to the failing submission")
	}
}

func TestBridge_StopThenWaitForStop(t *testing.T) {
	b, _, _ := newTestBridge(func(ctx context.Context, sub Submission) {})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	b.Stop()
	b.WaitForStop() // must return promptly, not hang
}
