package network

import (
	"context"
	"fmt"
	"sync"
)

const defaultMemoryBuffer = 1024

// MemorySession is a process-local transport used for development and tests.
// Unlike the network transports, Put blocks while a matching subscriber's
// buffer is full so no message is ever dropped.
type MemorySession struct {
	mu     sync.RWMutex
	nextID int
	buffer int
	closed bool
	subs   map[int]*memorySubscriber
}

func NewMemorySession(buffer int) *MemorySession {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &MemorySession{buffer: buffer, subs: make(map[int]*memorySubscriber)}
}

func (m *MemorySession) DeclarePublisher(topic string) (Publisher, error) {
	if err := ValidateKeyExpr(topic); err != nil {
		return nil, err
	}
	if IsWildcard(topic) {
		return nil, fmt.Errorf("%w: publisher topic %q contains a wildcard", ErrInvalidKeyExpr, topic)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return &memoryPublisher{session: m, topic: topic}, nil
}

func (m *MemorySession) DeclareSubscriber(keyExpr string) (Subscriber, error) {
	if err := ValidateKeyExpr(keyExpr); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	id := m.nextID
	m.nextID++
	sub := &memorySubscriber{
		session: m,
		id:      id,
		keyExpr: keyExpr,
		ch:      make(chan Message, m.buffer),
		done:    make(chan struct{}),
	}
	m.subs[id] = sub
	return sub, nil
}

func (m *MemorySession) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memorySubscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (m *MemorySession) matching(topic string) []*memorySubscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*memorySubscriber
	for _, s := range m.subs {
		if MatchKeyExpr(s.keyExpr, topic) {
			out = append(out, s)
		}
	}
	return out
}

type memoryPublisher struct {
	session *MemorySession
	topic   string
}

func (p *memoryPublisher) Topic() string { return p.topic }

func (p *memoryPublisher) Put(ctx context.Context, payload []byte) error {
	p.session.mu.RLock()
	closed := p.session.closed
	p.session.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: %s: %w", ErrDelivery, p.topic, ErrClosed)
	}
	for _, s := range p.session.matching(p.topic) {
		msg := Message{Topic: p.topic, Payload: append([]byte(nil), payload...)}
		if err := s.deliver(ctx, msg); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDelivery, p.topic, err)
		}
	}
	return nil
}

func (p *memoryPublisher) Close() error { return nil }

type memorySubscriber struct {
	session *MemorySession
	id      int
	keyExpr string

	// sendMu serializes deliveries against close so ch is never written
	// after it has been closed.
	sendMu sync.Mutex
	ch     chan Message
	done   chan struct{}
	once   sync.Once
}

func (s *memorySubscriber) KeyExpr() string          { return s.keyExpr }
func (s *memorySubscriber) Messages() <-chan Message { return s.ch }

func (s *memorySubscriber) deliver(ctx context.Context, msg Message) error {
	select {
	case <-s.done:
		// A subscriber going away is not a delivery failure.
		return nil
	default:
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memorySubscriber) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.session.mu.Lock()
		delete(s.session.subs, s.id)
		s.session.mu.Unlock()
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
	return nil
}
