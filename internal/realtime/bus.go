package realtime

import (
	"context"
	"log"
	"strconv"
	"sync"
)

// Publisher is the producer side of the bus. Publish never blocks on delivery
// and never reports delivery failures.
type Publisher interface {
	Publish(ctx context.Context, m Message)
}

// Dispatcher is the consumer side, implemented by the live connection registry
type Dispatcher interface {
	DispatchGlobal(e Event)
	DispatchToFlagSubscribers(flagID string, e Event)
	DispatchToUser(userID int, e Event)
	DispatchToTeam(teamID int, e Event)
}

// Route delivers m to the matching Dispatcher method
func Route(d Dispatcher, m Message) {
	switch m.Scope {
	case ScopeGlobal:
		d.DispatchGlobal(m.Event)
	case ScopeFlag:
		d.DispatchToFlagSubscribers(m.Key, m.Event)
	case ScopeUser:
		id, err := strconv.Atoi(m.Key)
		if err != nil {
			log.Printf("[Bus] Dropping direct message with bad user key %q", m.Key)
			return
		}
		d.DispatchToUser(id, m.Event)
	case ScopeTeam:
		id, err := strconv.Atoi(m.Key)
		if err != nil {
			log.Printf("[Bus] Dropping team message with bad team key %q", m.Key)
			return
		}
		d.DispatchToTeam(id, m.Event)
	}
}

// LocalBus is an in-process bus with a single dispatch goroutine. Messages
// published while the queue is full are dropped.
type LocalBus struct {
	queue chan Message

	mu          sync.RWMutex
	dispatchers []Dispatcher
}

// NewLocalBus creates a bus with the given queue capacity
func NewLocalBus(capacity int) *LocalBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &LocalBus{queue: make(chan Message, capacity)}
}

// Subscribe adds a dispatcher that receives every routed message
func (b *LocalBus) Subscribe(d Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchers = append(b.dispatchers, d)
}

// Publish implements Publisher
func (b *LocalBus) Publish(_ context.Context, m Message) {
	select {
	case b.queue <- m:
	default:
		log.Printf("[Bus] Queue full, dropping %s event %q", m.Scope, m.Event.Event)
	}
}

// Run dispatches queued messages until ctx is cancelled
func (b *LocalBus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.queue:
			b.mu.RLock()
			dispatchers := b.dispatchers
			b.mu.RUnlock()
			for _, d := range dispatchers {
				Route(d, m)
			}
		}
	}
}
