package redis

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/ctfgame/api/internal/realtime"
)

// subscription patterns covering every channel realtime.Channel can produce
var busPatterns = []string{
	realtime.GlobalChannel,
	"flag:*:updates",
	"user:*:direct",
	"team:*:events",
}

// PubSubBus fans events out through Redis Pub/Sub so every API instance
// delivers to its own connections. Publishing is queued; a full queue drops.
type PubSubBus struct {
	client *Client
	queue  chan realtime.Message

	mu          sync.RWMutex
	dispatchers []realtime.Dispatcher
}

var _ realtime.Publisher = (*PubSubBus)(nil)

// NewPubSubBus creates a Redis-backed bus
func NewPubSubBus(client *Client, capacity int) *PubSubBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &PubSubBus{client: client, queue: make(chan realtime.Message, capacity)}
}

// Subscribe adds a dispatcher for messages received from Redis
func (b *PubSubBus) Subscribe(d realtime.Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchers = append(b.dispatchers, d)
}

// Publish implements realtime.Publisher
func (b *PubSubBus) Publish(_ context.Context, m realtime.Message) {
	select {
	case b.queue <- m:
	default:
		log.Printf("[Bus] Redis publish queue full, dropping %s event %q", m.Scope, m.Event.Event)
	}
}

// Run publishes queued messages and routes received ones until ctx is cancelled
func (b *PubSubBus) Run(ctx context.Context) {
	sub := b.client.PSubscribe(ctx, busPatterns...)
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.publishLoop(ctx)
	}()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case msg, ok := <-ch:
			if !ok {
				wg.Wait()
				return
			}
			b.route(msg.Channel, msg.Payload)
		}
	}
}

func (b *PubSubBus) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.queue:
			payload, err := json.Marshal(m.Event)
			if err != nil {
				log.Printf("[Bus] Failed to encode %s event: %v", m.Event.Event, err)
				continue
			}
			if err := b.client.Publish(ctx, realtime.Channel(m), payload).Err(); err != nil {
				log.Printf("[Bus] Failed to publish to %s: %v", realtime.Channel(m), err)
			}
		}
	}
}

func (b *PubSubBus) route(channel, payload string) {
	scope, key, err := realtime.ParseChannel(channel)
	if err != nil {
		log.Printf("[Bus] Ignoring message: %v", err)
		return
	}

	var e realtime.Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		log.Printf("[Bus] Dropping malformed payload on %s: %v", channel, err)
		return
	}

	m := realtime.Message{Scope: scope, Key: key, Event: e}
	b.mu.RLock()
	dispatchers := b.dispatchers
	b.mu.RUnlock()
	for _, d := range dispatchers {
		realtime.Route(d, m)
	}
}
