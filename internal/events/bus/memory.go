package bus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/logger"
)

// MemoryBus dispatches events in-process.
//
// Delivery is synchronous on the publisher's goroutine, so a subscriber
// sees one publisher's events in exactly the order they were published.
// Streamed run deltas rely on this; dispatch must never be made
// asynchronous. Handlers run after the bus lock is released, so a
// handler may subscribe, unsubscribe, or publish again without
// deadlocking.
type MemoryBus struct {
	mu     sync.Mutex
	nextID uint64
	subs   []*memorySub
	closed bool
	log    *logger.Logger
}

type memorySub struct {
	bus     *MemoryBus
	id      uint64
	pattern []string
	handle  Handler
}

// NewMemoryBus builds an in-process bus. It is ready to use immediately
// and needs no teardown beyond Close.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{log: log}
}

// Publish delivers the event to every subscriber whose pattern matches
// the subject, in subscription order.
func (b *MemoryBus) Publish(ctx context.Context, subject string, evt *Event) error {
	tokens := strings.Split(subject, ".")

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	// Snapshot matches under the lock, invoke outside it.
	var targets []*memorySub
	for _, s := range b.subs {
		if matchSubject(s.pattern, tokens) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		if err := s.handle(ctx, evt); err != nil {
			b.log.Error("Event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", evt.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe binds a handler to a subject pattern.
func (b *MemoryBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	s := &memorySub{
		bus:     b,
		id:      b.nextID,
		pattern: strings.Split(pattern, "."),
		handle:  h,
	}
	b.subs = append(b.subs, s)
	return s, nil
}

// Close drops all subscriptions. Publishes in flight finish delivering
// to the subscribers they snapshotted.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.subs = nil
}

// Unsubscribe detaches the handler. An event already snapshotted by a
// concurrent Publish may still arrive once.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, candidate := range s.bus.subs {
		if candidate.id == s.id {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

// matchSubject walks a parsed pattern against subject tokens. "*"
// matches exactly one token; ">" matches one or more trailing tokens.
func matchSubject(pattern, subject []string) bool {
	for i, tok := range pattern {
		if tok == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if tok != "*" && tok != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
