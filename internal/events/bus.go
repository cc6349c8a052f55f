package events

import (
	"sync"
	"sync/atomic"

	"taskgraph/internal/domain"
)

// Bus fans committed events out to in-process subscribers. Slow subscribers drop events
// rather than stall publishers; Dropped counts them.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan domain.Event]Filter
	closed      atomic.Bool
	dropped     atomic.Int64
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	ProjectID string
	Types     []string
}

func (f Filter) Match(e domain.Event) bool {
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan domain.Event]Filter)}
}

// Subscribe returns a buffered channel receiving events that match f.
func (b *Bus) Subscribe(f Filter) chan domain.Event {
	ch := make(chan domain.Event, 128)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subscribers[ch] = f
	return ch
}

func (b *Bus) Unsubscribe(ch chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish never blocks. A nil Bus discards events.
func (b *Bus) Publish(evts ...domain.Event) {
	if b == nil || b.closed.Load() {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range evts {
		for ch, f := range b.subscribers {
			if !f.Match(e) {
				continue
			}
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) Dropped() int64 { return b.dropped.Load() }
