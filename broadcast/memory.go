package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process transport. Publishes are delivered synchronously
// to every handler subscribed to the channel at the time of the call.
// It is used by tests and by relay components that embed the hub.
type Memory struct {
	mu        sync.RWMutex
	channels  map[string]map[int]Handler
	nextID    int
	statusFns []func(ConnStatus)
	closed    bool
}

func NewMemory() *Memory {
	return &Memory{
		channels: make(map[string]map[int]Handler),
	}
}

type memorySub struct {
	t       *Memory
	channel string
	id      int
}

func (s *memorySub) Channel() string { return s.channel }

func (s *memorySub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if handlers, ok := s.t.channels[s.channel]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.t.channels, s.channel)
		}
	}
	return nil
}

func (t *Memory) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("subscribe %q: transport closed", channel)
	}
	handlers, ok := t.channels[channel]
	if !ok {
		handlers = make(map[int]Handler)
		t.channels[channel] = handlers
	}
	t.nextID++
	handlers[t.nextID] = h
	return &memorySub{t: t, channel: channel, id: t.nextID}, nil
}

func (t *Memory) Publish(ctx context.Context, channel, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	t.mu.RLock()
	handlers := make([]Handler, 0, len(t.channels[channel]))
	for _, h := range t.channels[channel] {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()

	ev := Event{Channel: channel, Name: event, Payload: b}
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (t *Memory) OnStatusChange(fn func(ConnStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusFns = append(t.statusFns, fn)
}

// SetStatus drives the status observers. Tests use it to simulate
// transport drops and recoveries.
func (t *Memory) SetStatus(status ConnStatus) {
	t.mu.RLock()
	fns := make([]func(ConnStatus), len(t.statusFns))
	copy(fns, t.statusFns)
	t.mu.RUnlock()
	for _, fn := range fns {
		fn(status)
	}
}

// Subscribers reports the number of handlers attached to a channel.
func (t *Memory) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels[channel])
}

func (t *Memory) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.channels = make(map[string]map[int]Handler)
	return nil
}
