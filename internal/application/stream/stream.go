// Package stream fans request lifecycle events out to progress
// subscribers.
//
// Every subscription starts with a snapshot of the request's current
// state read from the store, followed by live events from the bus.
// Deliveries never block the publisher: a subscriber that cannot keep
// up is dropped, which never affects the request itself.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/domain"
	"github.com/errandlabs/errand/internal/ports"
)

const defaultBuffer = 64

// Stream subscribes callers to the progress of individual requests.
type Stream struct {
	store  ports.RequestStore
	bus    ports.EventBus
	logger *zap.Logger
	buffer int
}

// New creates a progress stream. buffer bounds each subscriber's
// queue; zero means the default.
func New(store ports.RequestStore, bus ports.EventBus, logger *zap.Logger, buffer int) *Stream {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Stream{store: store, bus: bus, logger: logger, buffer: buffer}
}

// subscriber guards its channel so a concurrent drop can never race a
// delivery into a send on a closed channel.
type subscriber struct {
	id     string
	ch     chan domain.Event
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (s *subscriber) send(event domain.Event) (delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	s.cancel()
}

// Subscribe returns a channel of events for one request: the current
// snapshot first, then live updates until a terminal event arrives or
// ctx is cancelled. The channel is closed when the subscription ends.
func (st *Stream) Subscribe(ctx context.Context, requestID string) (<-chan domain.Event, error) {
	stored, err := st.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		id:     uuid.New().String(),
		ch:     make(chan domain.Event, st.buffer),
		cancel: cancel,
	}

	snapshot := snapshotEvent(stored)
	sub.ch <- snapshot

	// A request that is already terminal gets the snapshot only.
	if stored.Status.Terminal() {
		sub.close()
		return sub.ch, nil
	}

	handler := func(ctx context.Context, event domain.Event) error {
		if event.RequestID != requestID {
			return nil
		}
		if !sub.send(event) {
			sub.mu.Lock()
			dropped := !sub.closed
			sub.mu.Unlock()
			if dropped {
				streamErr := &domain.StreamError{SubscriberID: sub.id, Detail: "subscriber queue full"}
				st.logger.Warn("dropping slow progress subscriber",
					zap.String("request_id", requestID),
					zap.String("subscriber_id", sub.id),
					zap.Error(streamErr))
				sub.close()
			}
			return nil
		}
		if event.Status.Terminal() {
			sub.close()
		}
		return nil
	}

	if err := st.bus.Subscribe(subCtx, domain.TopicRequests, handler); err != nil {
		sub.close()
		return nil, err
	}

	go func() {
		<-subCtx.Done()
		sub.close()
	}()

	return sub.ch, nil
}

func snapshotEvent(req *domain.Request) domain.Event {
	return domain.Event{
		ID:          uuid.New().String(),
		Type:        domain.EventSnapshot,
		RequestID:   req.ID,
		Status:      req.Status,
		Progress:    req.Progress,
		CurrentStep: req.CurrentStep,
		Timestamp:   time.Now().UTC(),
	}
}
