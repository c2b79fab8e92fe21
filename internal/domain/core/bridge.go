package core

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/pkg/safego"
)

// Handler processes one Submission. It is expected to emit its own
// events via the bridge's EventQueue as it makes progress.
type Handler func(ctx context.Context, sub Submission)

// Bridge binds a SubmissionQueue and an EventQueue together with a
// registered Handler, running a single consumer goroutine that take()s
// submissions and invokes the handler. Handler panics/errors never kill
// the consumer — they are converted into an OperationHandlerError event
// correlated to the failing submission.
type Bridge struct {
	in      *SubmissionQueue
	out     *EventQueue
	handler Handler
	logger  *zap.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopped  chan struct{}
}

// NewBridge creates an unstarted bridge over the given queues.
func NewBridge(in *SubmissionQueue, out *EventQueue, handler Handler, logger *zap.Logger) *Bridge {
	return &Bridge{in: in, out: out, handler: handler, logger: logger}
}

// Start spawns the consumer goroutine. It fails if already running.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bridge already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.stopped = make(chan struct{})

	safego.Go(b.logger, "protocol-bridge", func() {
		defer close(b.stopped)
		b.consume(runCtx)
	})
	return nil
}

func (b *Bridge) consume(ctx context.Context) {
	for {
		sub, ok := b.in.Take(ctx)
		if !ok {
			return
		}
		b.invoke(ctx, sub)
		if ctx.Err() != nil {
			return
		}
	}
}

// invoke calls the handler, converting any panic into an
// OperationHandlerError event rather than letting it kill the consumer.
func (b *Bridge) invoke(ctx context.Context, sub Submission) {
	defer func() {
		if r := recover(); r != nil {
			b.Emit(sub.ID, errorEvent(ErrOperationHandler(fmt.Errorf("panic: %v", r))))
		}
	}()
	b.handler(ctx, sub)
}

// Emit is the only externally-supported way to publish events; it fails
// (is a no-op, logged) if the bridge has not been started.
func (b *Bridge) Emit(submissionID string, event AgentEvent) {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		if b.logger != nil {
			b.logger.Warn("bridge emit before start; event dropped", zap.String("submission_id", submissionID))
		}
		return
	}
	b.out.Emit(submissionID, event)
}

func errorEvent(e *RuntimeError) AgentEvent {
	return AgentEvent{
		Kind:             EventError,
		ErrorCode:        e.Code,
		ErrorMessage:     e.Message,
		ErrorRecoverable: e.Recoverable,
	}
}

// Stop asks the consumer to exit after its current handler invocation
// completes, then blocks until it has. A stopped bridge may be
// restarted with fresh queues via a new Bridge instance.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	cancel := b.cancel
	stopped := b.stopped
	b.running = false
	b.mu.Unlock()

	cancel()
	<-stopped
}

// WaitForStop blocks until a Stop()-initiated shutdown has completed. It
// is a no-op if the bridge was never started.
func (b *Bridge) WaitForStop() {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped != nil {
		<-stopped
	}
}
