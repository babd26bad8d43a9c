package transport

import (
	gosync "sync"

	"go.uber.org/zap"
)

const memoryQueueSize = 256

type memoryMessage struct {
	topic   string
	payload []byte
}

// Memory is an in-process broker. All subscribers share one dispatch
// goroutine, so delivery order equals publish order, matching the
// per-publisher ordering guarantee the real brokers give. A publisher
// subscribed to its own topic receives its own messages, as MQTT and
// NATS both echo.
type Memory struct {
	mu     gosync.RWMutex
	subs   map[*memorySub]struct{}
	msgs   chan memoryMessage
	done   chan struct{}
	closed bool
	logger *zap.Logger
}

type memorySub struct {
	broker  *Memory
	pattern string
	handler Handler
}

// NewMemory creates an in-process broker and starts its dispatch loop.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Memory{
		subs:   make(map[*memorySub]struct{}),
		msgs:   make(chan memoryMessage, memoryQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go m.dispatch()
	return m
}

func (m *Memory) dispatch() {
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.msgs:
			m.mu.RLock()
			matched := make([]Handler, 0, len(m.subs))
			for sub := range m.subs {
				if MatchTopic(sub.pattern, msg.topic) {
					matched = append(matched, sub.handler)
				}
			}
			m.mu.RUnlock()

			for _, h := range matched {
				h(msg.topic, msg.payload)
			}
		}
	}
}

func (m *Memory) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	// Copy so callers may reuse their buffer after Publish returns.
	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case m.msgs <- memoryMessage{topic: topic, payload: buf}:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

func (m *Memory) Subscribe(pattern string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{broker: m, pattern: pattern, handler: h}
	m.subs[sub] = struct{}{}
	m.logger.Debug("memory subscribe", zap.String("pattern", pattern))
	return sub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	m.subs = make(map[*memorySub]struct{})
	return nil
}

func (s *memorySub) Unsubscribe() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	delete(s.broker.subs, s)
	return nil
}
