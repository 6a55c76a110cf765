package bus

import (
	"context"
	"path"
	"sync"
	"time"
)

// subscriberBuffer is the per-subscription channel depth. Slow consumers past
// this point lose messages rather than blocking publishers.
const subscriberBuffer = 64

type memorySub struct {
	ch       chan Message
	channels map[string]struct{}
	pattern  string
	closed   bool
}

type kvEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is the in-process Bus implementation.
type Memory struct {
	mu     sync.Mutex
	subs   map[*memorySub]struct{}
	kv     map[string]kvEntry
	closed bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[*memorySub]struct{}),
		kv:   make(map[string]kvEntry),
	}
}

// Publish sends data to every matching subscriber. Delivery is best effort:
// a subscriber whose buffer is full misses the message.
func (m *Memory) Publish(_ context.Context, channel string, data []byte) error {
	// Copy so callers can reuse their buffer after Publish returns.
	payload := make([]byte, len(data))
	copy(payload, data)
	msg := Message{Channel: channel, Data: payload}

	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.subs {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

func (s *memorySub) matches(channel string) bool {
	if s.pattern != "" {
		ok, err := path.Match(s.pattern, channel)
		return err == nil && ok
	}
	_, ok := s.channels[channel]
	return ok
}

// Subscribe registers a subscription for the named channels.
func (m *Memory) Subscribe(_ context.Context, channels ...string) (*Subscription, error) {
	sub := &memorySub{
		ch:       make(chan Message, subscriberBuffer),
		channels: make(map[string]struct{}, len(channels)),
	}
	for _, c := range channels {
		sub.channels[c] = struct{}{}
	}
	return m.register(sub), nil
}

// PSubscribe registers a pattern subscription.
func (m *Memory) PSubscribe(_ context.Context, pattern string) (*Subscription, error) {
	sub := &memorySub{
		ch:      make(chan Message, subscriberBuffer),
		pattern: pattern,
	}
	return m.register(sub), nil
}

func (m *Memory) register(sub *memorySub) *Subscription {
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return &Subscription{
		C: sub.ch,
		close: func() {
			once.Do(func() {
				m.mu.Lock()
				if !sub.closed {
					sub.closed = true
					delete(m.subs, sub)
					close(sub.ch)
				}
				m.mu.Unlock()
			})
		},
	}
}

// Set stores value under key with a TTL.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := kvEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.kv[key] = entry
	m.mu.Unlock()
	return nil
}

// Get returns the value under key, or ErrNoKey if absent or expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.kv[key]
	if !ok {
		return nil, ErrNoKey
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(m.kv, key)
		return nil, ErrNoKey
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Del removes key.
func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.kv, key)
	m.mu.Unlock()
	return nil
}

// Close closes every open subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		sub.closed = true
		close(sub.ch)
	}
	m.subs = make(map[*memorySub]struct{})
	return nil
}
