// Package events carries run-lifecycle notifications from the sequencer
// to whoever is watching (the console UI, the batch front end, tests).
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rmunteanu/astra-console/internal/ledger"
)

const defaultSubscriberCapacity = 256

// Kind identifies the lifecycle stage an event reports.
type Kind string

const (
	KindSequenceStarted     Kind = "sequence_started"
	KindInvocationStarted   Kind = "invocation_started"
	KindOutputChunk         Kind = "output_chunk"
	KindInvocationCompleted Kind = "invocation_completed"
	KindRunRecorded         Kind = "run_recorded"
	KindSequenceFinished    Kind = "sequence_finished"
)

// Event is one lifecycle notification. Index and Total position the
// current invocation within its sequence; Entry is set for
// KindRunRecorded, Chunk for KindOutputChunk.
type Event struct {
	Kind       Kind
	SequenceID string
	Campaign   string
	URL        string
	Lang       string
	Index      int
	Total      int
	Chunk      []byte
	Entry      *ledger.Entry
	Err        string
}

// Subscription is an active listener on the bus.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close detaches the subscription and closes its channel.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Bus fans events out to subscribers over bounded channels. A slow
// subscriber sheds output chunks first; lifecycle events displace
// chunks rather than the other way around, so a stalled UI still sees
// every run start and finish.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	capacity    int
	logger      *zap.Logger
}

// Option customizes Bus construction.
type Option func(*Bus)

// WithCapacity overrides the per-subscriber channel size.
func WithCapacity(capacity int) Option {
	return func(b *Bus) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// WithLogger injects a logger for drop diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscribers: map[*subscriber]struct{}{},
		capacity:    defaultSubscriberCapacity,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe attaches a new listener. Events published after this call
// are delivered in order on the returned channel.
func (b *Bus) Subscribe() Subscription {
	sub := newSubscriber(b.capacity, b.logger)
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return Subscription{
		Events: sub.channel(),
		cancel: func() { b.remove(sub) },
	}
}

// Publish delivers the event to every current subscriber.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(event)
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
	sub.close()
}

type subscriber struct {
	ch      chan Event
	logger  *zap.Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger *zap.Logger) *subscriber {
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

func (s *subscriber) deliver(event Event) {
	if s.isClosed() {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	oldest := <-s.ch
	if shouldDropOldest(oldest, event) {
		s.logDrop(oldest)
		s.ch <- event
	} else {
		s.ch <- oldest
		s.logDrop(event)
	}
}

func (s *subscriber) logDrop(event Event) {
	s.logger.Debug("event dropped on full subscriber",
		zap.String("kind", string(event.Kind)),
		zap.String("url", event.URL))
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *subscriber) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

// shouldDropOldest decides which of two events survives a full queue.
// Output chunks are expendable; lifecycle events are not.
func shouldDropOldest(oldest, incoming Event) bool {
	if oldest.Kind == KindOutputChunk && incoming.Kind != KindOutputChunk {
		return true
	}
	if oldest.Kind != KindOutputChunk && incoming.Kind == KindOutputChunk {
		return false
	}
	return true
}
