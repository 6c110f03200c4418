// Package eventbus fans out newly appended run events to live subscribers
// (e.g. the HTTP API's SSE tail endpoint) without making them poll the
// database. It is adapted from the teacher's internal/stream.Manager, which
// did the same job for accumulated CLI text; here it carries ordered
// store.Event values instead.
package eventbus

import (
	"sync"

	"github.com/taskhub/taskhub/internal/store"
)

const clientBufferSize = 256

// Subscriber receives events for one run as they are published.
type Subscriber struct {
	id     string
	Events chan store.Event
	Done   chan struct{}
}

type runTopic struct {
	mu      sync.RWMutex
	clients map[string]*Subscriber
}

// Bus fans out events per run id.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*runTopic
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*runTopic)}
}

func (b *Bus) topic(runID string) *runTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[runID]
	if !ok {
		t = &runTopic{clients: make(map[string]*Subscriber)}
		b.topics[runID] = t
	}
	return t
}

// Subscribe registers a new subscriber for a run's event stream.
func (b *Bus) Subscribe(runID, clientID string) *Subscriber {
	t := b.topic(runID)
	sub := &Subscriber{
		id:     clientID,
		Events: make(chan store.Event, clientBufferSize),
		Done:   make(chan struct{}),
	}
	t.mu.Lock()
	t.clients[clientID] = sub
	t.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber, closing its Done channel, and drops the
// topic entirely once no one is left listening.
func (b *Bus) Unsubscribe(runID, clientID string) {
	b.mu.RLock()
	t, ok := b.topics[runID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if sub, ok := t.clients[clientID]; ok {
		close(sub.Done)
		delete(t.clients, clientID)
	}
	remaining := len(t.clients)
	t.mu.Unlock()

	if remaining == 0 {
		b.mu.Lock()
		delete(b.topics, runID)
		b.mu.Unlock()
	}
}

// Publish delivers an event to every current subscriber of its run. A
// subscriber whose buffer is full is skipped rather than blocked — the bus
// is a best-effort live tail; ListEvents against the Store remains the
// durable, gap-free source of truth (spec.md §4.3 point 5's bounded buffer
// and backpressure contract applies to the Supervisor's write path into the
// Store, not to this read-side fan-out).
func (b *Bus) Publish(e store.Event) {
	b.mu.RLock()
	t, ok := b.topics[e.RunID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.clients {
		select {
		case sub.Events <- e:
		default:
		}
	}
}
