// Package events decouples session event emission from its consumers. A slow
// subscriber never blocks the state machine: publishes that would block are
// dropped for that subscriber and counted.
package events

import (
	"sync"
	"time"
)

type Kind string

const (
	KindProgress Kind = "progress"
	KindState    Kind = "state"
	KindError    Kind = "error"
)

// Event is one notification from a recording session.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`

	// Progress fields, set when Kind == KindProgress.
	ElapsedMS    int64 `json:"elapsed_ms,omitempty"`
	SegmentIndex int   `json:"segment_index,omitempty"`

	// State fields, set when Kind == KindState.
	State string `json:"state,omitempty"`

	// Error fields, set when Kind == KindError.
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new subscriber with the given channel buffer. The
// returned cancel func unregisters and closes the channel; it is safe to call
// more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber without blocking. Events
// are dropped for subscribers whose buffer is full.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
