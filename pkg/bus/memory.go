package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryBus is an in-process implementation of MessageBus. It is the default
// for single-instance deployments and for tests.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        atomic.Bool
	subCounter    atomic.Uint64
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for pattern, subs := range b.subscriptions {
		if matchSubject(pattern, subject) {
			for _, sub := range subs {
				if sub.closed.Load() {
					continue
				}
				// Non-blocking send: a stalled subscriber must not back up
				// the publisher.
				select {
				case sub.messages <- msg:
				default:
				}
			}
		}
	}

	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		id:       fmt.Sprintf("sub-%d", b.subCounter.Add(1)),
		subject:  subject,
		messages: make(chan *Message, 256),
		handler:  handler,
		bus:      b,
	}

	b.mu.Lock()
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	b.mu.Unlock()

	go sub.run(ctx)

	return sub, nil
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.closed.Store(true)
			close(sub.messages)
		}
	}

	return nil
}

// memorySubscription implements Subscription for MemoryBus.
type memorySubscription struct {
	id       string
	subject  string
	messages chan *Message
	handler  MessageHandler
	bus      *MemoryBus
	closed   atomic.Bool
}

func (s *memorySubscription) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	return nil
}

func (s *memorySubscription) Subject() string {
	return s.subject
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		select {
		case msg, ok := <-s.messages:
			if !ok {
				return
			}
			s.handler(msg)
		case <-ctx.Done():
			return
		}
	}
}

// matchSubject checks if a subject matches a pattern with wildcards.
// Supports "*" for single token and ">" for one or more trailing tokens.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	pi, si := 0, 0
	for pi < len(patternParts) && si < len(subjectParts) {
		switch patternParts[pi] {
		case "*":
			pi++
			si++
		case ">":
			return true
		default:
			if patternParts[pi] != subjectParts[si] {
				return false
			}
			pi++
			si++
		}
	}

	return pi == len(patternParts) && si == len(subjectParts)
}
