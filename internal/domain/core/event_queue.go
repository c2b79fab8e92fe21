package core

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// AgentEventKind is the tagged-variant discriminator for AgentEvent.
type AgentEventKind string

const (
	EventAgentMessage      AgentEventKind = "agent_message"
	EventToolStarted       AgentEventKind = "tool_started"
	EventToolFinished      AgentEventKind = "tool_finished"
	EventBudgetWarning     AgentEventKind = "budget_warning"
	EventError             AgentEventKind = "error"
	EventSubagentSpawned   AgentEventKind = "subagent_spawned"
	EventSubagentCompleted AgentEventKind = "subagent_completed"
	EventDoomLoopDetected  AgentEventKind = "doom_loop.detected"
	EventTaskRecovered     AgentEventKind = "task.recovered"
)

// AgentEvent is the payload carried by an EventEnvelope.
type AgentEvent struct {
	Kind    AgentEventKind
	Content string
	Done    bool
	Tool    string
	Args    map[string]interface{}
	Success bool

	ErrorCode        ErrorCode
	ErrorMessage     string
	ErrorRecoverable bool
	ErrorStack       string

	Extra map[string]interface{}
}

// EventEnvelope wraps an AgentEvent with delivery/correlation metadata.
type EventEnvelope struct {
	EventID      string
	SubmissionID string
	Timestamp    time.Time
	Event        AgentEvent
}

// Listener receives envelopes; it must not block for long and must never
// panic — panics are recovered and logged, never propagated to emit().
type Listener func(EventEnvelope)

// Unsubscribe removes a previously registered listener.
type Unsubscribe func()

// EventQueue is an unbounded pub/sub of EventEnvelope with a bounded
// replay ring. Delivery to listeners is synchronous-at-dispatch: emit
// calls each listener directly on the caller's goroutine after releasing
// the queue's lock, so a slow listener delays the emit call that is
// delivering to it, and concurrent emits may deliver concurrently.
type EventQueue struct {
	ids *Counter

	mu        sync.RWMutex
	listeners map[int]Listener
	nextSubID int

	ring     []EventEnvelope
	ringHead int
	ringSize int
	ringCap  int

	logger *zap.Logger
}

// NewEventQueue creates a queue with the given replay-ring capacity
// (default 1024).
func NewEventQueue(ringCapacity int, logger *zap.Logger) *EventQueue {
	if ringCapacity <= 0 {
		ringCapacity = 1024
	}
	return &EventQueue{
		ids:       NewCounter("evt"),
		listeners: make(map[int]Listener),
		ring:      make([]EventEnvelope, ringCapacity),
		ringCap:   ringCapacity,
		logger:    logger,
	}
}

// Emit assigns an event ID, appends to the replay ring, and delivers to
// every listener registered before this call. Listener panics are
// isolated and logged; they never propagate to the caller.
func (q *EventQueue) Emit(submissionID string, event AgentEvent) EventEnvelope {
	env := EventEnvelope{
		EventID:      q.ids.NextID(),
		SubmissionID: submissionID,
		Timestamp:    time.Now(),
		Event:        event,
	}

	q.mu.Lock()
	q.ring[q.ringHead] = env
	q.ringHead = (q.ringHead + 1) % q.ringCap
	if q.ringSize < q.ringCap {
		q.ringSize++
	}
	snapshot := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		snapshot = append(snapshot, l)
	}
	q.mu.Unlock()

	for _, l := range snapshot {
		q.deliver(l, env)
	}
	return env
}

func (q *EventQueue) deliver(l Listener, env EventEnvelope) {
	defer func() {
		if r := recover(); r != nil && q.logger != nil {
			q.logger.Error("event listener panicked",
				zap.Any("panic", r),
				zap.String("event_id", env.EventID),
			)
		}
	}()
	l(env)
}

// Subscribe registers a listener for every envelope.
func (q *EventQueue) Subscribe(listener Listener) Unsubscribe {
	return q.subscribeFiltered(func(EventEnvelope) bool { return true }, listener)
}

// SubscribeTyped registers a listener that only receives matching kinds.
func (q *EventQueue) SubscribeTyped(kind AgentEventKind, listener Listener) Unsubscribe {
	return q.subscribeFiltered(func(e EventEnvelope) bool { return e.Event.Kind == kind }, listener)
}

// SubscribeCorrelated registers a listener that only receives envelopes
// for the given submission ID.
func (q *EventQueue) SubscribeCorrelated(submissionID string, listener Listener) Unsubscribe {
	return q.subscribeFiltered(func(e EventEnvelope) bool { return e.SubmissionID == submissionID }, listener)
}

func (q *EventQueue) subscribeFiltered(match func(EventEnvelope) bool, listener Listener) Unsubscribe {
	wrapped := func(env EventEnvelope) {
		if match(env) {
			listener(env)
		}
	}

	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.listeners[id] = wrapped
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// GetRecent returns up to the last n envelopes from the replay ring, in
// emit order.
func (q *EventQueue) GetRecent(n int) []EventEnvelope {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if n <= 0 || q.ringSize == 0 {
		return nil
	}
	if n > q.ringSize {
		n = q.ringSize
	}

	out := make([]EventEnvelope, n)
	// oldest-of-the-requested-window index
	start := (q.ringHead - n + q.ringCap) % q.ringCap
	for i := 0; i < n; i++ {
		out[i] = q.ring[(start+i)%q.ringCap]
	}
	return out
}
