package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
)

// EventType tags engine events.
type EventType int

const (
	EventAdded EventType = iota
	EventStarted
	EventProgress
	EventSegments
	EventPaused
	EventResumed
	EventCompleted
	EventError
	EventRemoved
	EventGlobalSpeed
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventSegments:
		return "segments"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	case EventRemoved:
		return "removed"
	case EventGlobalSpeed:
		return "global-speed"
	default:
		return "unknown"
	}
}

// Event is one engine notification. Fields beyond Type and ID are filled
// per event type: Downloaded/Total/Speed for progress, Segments for
// segment-map changes, Error for failures, Speed/ActiveCount for the
// global speed tick.
type Event struct {
	Type        EventType
	ID          uuid.UUID
	Downloaded  int64
	Total       int64
	Speed       int64
	Segments    []segment.Segment
	Error       string
	ActiveCount int
}

// Subscription is one observer's event stream. Events are dropped rather
// than queued unboundedly when the subscriber falls behind, so a slow
// observer can never stall the engine.
type Subscription struct {
	C     <-chan Event
	close func()
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.close()
}

// broadcaster fans events out to subscribers. Publish copies the
// subscriber list under the lock and sends outside it; no engine lock is
// ever held during delivery.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if !b.closed {
		b.subs[id] = ch
	} else {
		close(ch)
	}

	return &Subscription{
		C: ch,
		close: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(existing)
			}
		},
	}
}

func (b *broadcaster) publish(event Event) {
	b.mu.Lock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			// Subscriber is behind; drop rather than block.
		}
	}
}

func (b *broadcaster) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
