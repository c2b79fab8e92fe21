// Package blackboard implements the shared coordination surface subagents
// use to post findings and claim file-level resources, grounded on the
// same subscribe/handler-map/panic-isolated-dispatch shape as
// infrastructure/eventbus.Bus.
package blackboard

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/core"
)

// ClaimMode is the access mode of a resource claim.
type ClaimMode string

const (
	ClaimRead      ClaimMode = "read"
	ClaimWrite     ClaimMode = "write"
	ClaimExclusive ClaimMode = "exclusive"
)

// Finding is one entry posted to the blackboard by an agent.
type Finding struct {
	ID            string
	AgentID       string
	Topic         string
	Content       string
	Type          string // "discovery" | "analysis" | "progress" | "blocker" | ...
	Confidence    float64
	RelatedFiles  []string
	Timestamp     time.Time
	SupersedesID  string
}

// Claim is an (resource, agent, mode) tuple.
type Claim struct {
	Resource string
	AgentID  string
	Mode     ClaimMode
}

// FindingListener receives findings matching a subscription's topic
// pattern.
type FindingListener func(Finding)

// Unsubscribe removes a previously registered listener.
type Unsubscribe func()

// Blackboard is the collaborator interface C11 depends on.
type Blackboard interface {
	Post(f Finding) Finding
	Query(topic string, limit int) []Finding
	Subscribe(topicPattern string, listener FindingListener) Unsubscribe
	Unsubscribe(u Unsubscribe)
	Claim(resource, agentID string, mode ClaimMode) bool
	Release(resource, agentID string)
	IsClaimed(resource string) bool
}

// InMemory is the default Blackboard implementation: a mutex-guarded
// findings log plus a single-writer-exclusive claim map, one mutex per
// concern (matching the task manager's "single mutex around the map"
// discipline from the spec's locking section).
type InMemory struct {
	ids *core.Counter

	findingsMu sync.RWMutex
	findings   []Finding

	listenersMu sync.RWMutex
	listeners   map[int]subscription
	nextSubID   int

	claimsMu sync.Mutex
	claims   map[string]Claim // resource -> active claim; reads can stack, tracked separately
	readers  map[string]map[string]bool

	logger *zap.Logger
}

type subscription struct {
	pattern  string
	listener FindingListener
}

// NewInMemory creates an empty blackboard.
func NewInMemory(logger *zap.Logger) *InMemory {
	return &InMemory{
		ids:       core.NewCounter("find"),
		listeners: make(map[int]subscription),
		claims:    make(map[string]Claim),
		readers:   make(map[string]map[string]bool),
		logger:    logger,
	}
}

// Post records a finding and notifies matching subscribers. Listener
// panics are recovered and logged, never propagated.
func (b *InMemory) Post(f Finding) Finding {
	if f.ID == "" {
		f.ID = b.ids.NextID()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	b.findingsMu.Lock()
	b.findings = append(b.findings, f)
	b.findingsMu.Unlock()

	b.listenersMu.RLock()
	subs := make([]subscription, 0, len(b.listeners))
	for _, s := range b.listeners {
		subs = append(subs, s)
	}
	b.listenersMu.RUnlock()

	for _, s := range subs {
		if matchTopic(s.pattern, f.Topic) {
			b.deliver(s.listener, f)
		}
	}
	return f
}

func (b *InMemory) deliver(l FindingListener, f Finding) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("blackboard listener panicked", zap.Any("panic", r), zap.String("finding_id", f.ID))
		}
	}()
	l(f)
}

// Query returns up to limit findings matching topic, most recent first.
// limit<=0 means unbounded.
func (b *InMemory) Query(topic string, limit int) []Finding {
	b.findingsMu.RLock()
	defer b.findingsMu.RUnlock()

	var out []Finding
	for i := len(b.findings) - 1; i >= 0; i-- {
		if topic == "" || matchTopic(topic, b.findings[i].Topic) {
			out = append(out, b.findings[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Subscribe registers a listener for findings whose topic matches
// pattern ("*" matches everything; otherwise an exact or prefix-"foo.*"
// match).
func (b *InMemory) Subscribe(topicPattern string, listener FindingListener) Unsubscribe {
	b.listenersMu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.listeners[id] = subscription{pattern: topicPattern, listener: listener}
	b.listenersMu.Unlock()

	return func() {
		b.listenersMu.Lock()
		delete(b.listeners, id)
		b.listenersMu.Unlock()
	}
}

// Unsubscribe is a convenience wrapper so callers can pass the Unsubscribe
// value through an interface-typed field without a type assertion.
func (b *InMemory) Unsubscribe(u Unsubscribe) {
	if u != nil {
		u()
	}
}

// Claim attempts to acquire mode on resource for agentID. Non-blocking:
// returns false on conflict. Writer/exclusive claims are mutually
// exclusive with every other claim on the same resource; read claims may
// coexist with other reads.
func (b *InMemory) Claim(resource, agentID string, mode ClaimMode) bool {
	b.claimsMu.Lock()
	defer b.claimsMu.Unlock()

	if existing, ok := b.claims[resource]; ok && existing.Mode != ClaimRead {
		return existing.AgentID == agentID && existing.Mode == mode
	}

	switch mode {
	case ClaimRead:
		if _, ok := b.claims[resource]; ok {
			// a write/exclusive claim is present (checked above) -> unreachable,
			// but a read-only entry means reads already coexist.
			return false
		}
		if b.readers[resource] == nil {
			b.readers[resource] = make(map[string]bool)
		}
		b.readers[resource][agentID] = true
		return true
	case ClaimWrite, ClaimExclusive:
		if len(b.readers[resource]) > 0 {
			return false
		}
		b.claims[resource] = Claim{Resource: resource, AgentID: agentID, Mode: mode}
		return true
	default:
		return false
	}
}

// Release drops agentID's claim on resource, if any.
func (b *InMemory) Release(resource, agentID string) {
	b.claimsMu.Lock()
	defer b.claimsMu.Unlock()

	if c, ok := b.claims[resource]; ok && c.AgentID == agentID {
		delete(b.claims, resource)
	}
	if readers, ok := b.readers[resource]; ok {
		delete(readers, agentID)
		if len(readers) == 0 {
			delete(b.readers, resource)
		}
	}
}

// IsClaimed reports whether any write/exclusive claim is outstanding on
// resource.
func (b *InMemory) IsClaimed(resource string) bool {
	b.claimsMu.Lock()
	defer b.claimsMu.Unlock()
	_, ok := b.claims[resource]
	return ok
}

// matchTopic implements "*" wildcard and "prefix.*" glob matching; exact
// string match otherwise.
func matchTopic(pattern, topic string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return pattern == topic
}

var _ Blackboard = (*InMemory)(nil)
