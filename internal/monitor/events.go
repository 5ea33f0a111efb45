package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wwwzy/vhostlog/internal/model"
)

type EventKind string

const (
	EventFileAdded   EventKind = "file-added"
	EventFileRemoved EventKind = "file-removed"
	EventFileRotated EventKind = "file-rotated"
	EventLogEntry    EventKind = "log-entry"
	EventDomainAdded EventKind = "domain-added"
	EventAlert       EventKind = "alert"
	EventError       EventKind = "error"
)

// Event is one notification published on a Bus. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Path     string
	DomainID uint64

	Entry  *model.LogEntry
	Domain *model.Domain
	Alert  *model.Alert
	Err    error
}

// Bus fans events out to subscribers. Each subscriber has its own bounded
// queue; when it is full the oldest queued event is discarded to make room.
// Events published by one goroutine reach every subscriber in publish order,
// so per-file ordering holds because a file is only ever read by one cycle at
// a time. Ordering across files is unspecified.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events on C until it is closed.
type Subscription struct {
	bus *Bus
	ch  chan Event

	// sendMu serializes publishers so that drop-oldest and the send that
	// follows it are not interleaved with another publisher's.
	sendMu  sync.Mutex
	dropped atomic.Uint64
	closed  bool
}

// Subscribe registers a subscriber with a queue of buffer events (at least 1).
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped counts events discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if !ok {
		return
	}
	s.sendMu.Lock()
	s.closed = true
	close(s.ch)
	s.sendMu.Unlock()
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.deliver(ev) {
			b.dropped.Add(1)
		}
	}
}

// deliver reports whether an older event had to be dropped.
func (s *Subscription) deliver(ev Event) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	dropped := false
	for {
		select {
		case s.ch <- ev:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// Dropped counts events discarded across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.sendMu.Lock()
		s.closed = true
		close(s.ch)
		s.sendMu.Unlock()
	}
}
