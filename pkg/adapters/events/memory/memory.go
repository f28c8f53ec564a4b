// Package memory provides a process-local EventBus for tests and
// single-node deployments.
package memory

import (
	"context"
	"sync"

	"github.com/errandlabs/errand/internal/domain"
	"github.com/errandlabs/errand/internal/ports"
)

// subscription is one registered handler with its own delivery queue.
// A single goroutine drains the queue, so a subscriber observes events
// in publish order even though Publish never blocks on it.
type subscription struct {
	ctx     context.Context
	handler ports.EventHandler

	mu    sync.Mutex
	queue []domain.Event

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

func newSubscription(ctx context.Context, handler ports.EventHandler) *subscription {
	return &subscription{
		ctx:     ctx,
		handler: handler,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (s *subscription) enqueue(event domain.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.Event{}, false
	}
	event := s.queue[0]
	s.queue = s.queue[1:]
	return event, true
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.stop) })
}

// run drains the queue until the subscription ends. Draining fully
// before blocking again keeps delivery ordered and loss-free.
func (s *subscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			event, ok := s.next()
			if !ok {
				break
			}
			if s.ctx.Err() != nil {
				return
			}
			_ = s.handler(s.ctx, event)
		}
	}
}

// Bus fans events out to subscribed handlers in-process. Each
// subscriber has a dedicated delivery goroutine, so a slow handler
// never blocks Publish and never reorders another subscriber's feed.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*subscription
	closed bool
}

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]*subscription)}
}

// Publish appends the event to every matching subscriber's queue, in
// publish order.
func (b *Bus) Publish(ctx context.Context, topic string, event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[topic] {
		sub.enqueue(event)
	}
	return nil
}

// Subscribe registers a handler for a topic. The subscription lasts
// until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	sub := newSubscription(ctx, handler)

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*subscription)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = sub
	b.mu.Unlock()

	go sub.run()
	go func() {
		<-ctx.Done()
		sub.close()
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
	}()
	return nil
}

// Close stops every delivery goroutine and drops all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topicSubs := range b.subs {
		for _, sub := range topicSubs {
			sub.close()
		}
	}
	b.subs = make(map[string]map[int]*subscription)
	b.closed = true
	return nil
}
