package stream

import (
	"context"
	"sync"

	"steriltrace.org/internal/steril"
)

const (
	subscriberBuffer = 16
	defaultBacklog   = 64
)

// Stream fans out domain events to all active subscribers (SSE clients).
// It keeps a short backlog so a client reconnecting with Last-Event-ID can
// catch up on what it missed.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan steril.Event
	next    int
	backlog []steril.Event
	size    int
}

var _ steril.Notifier = (*Stream)(nil)

// New initialises an empty stream remembering up to backlog events.
func New(backlog int) *Stream {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Stream{
		subs: make(map[int]chan steril.Event),
		size: backlog,
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// Events newer than lastID are replayed first; an unknown lastID replays nothing.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, lastID string) <-chan steril.Event {
	s.mu.Lock()
	replay := s.since(lastID)
	ch := make(chan steril.Event, subscriberBuffer+len(replay))
	for _, evt := range replay {
		ch <- evt
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// since returns backlog entries after lastID. Callers hold s.mu.
func (s *Stream) since(lastID string) []steril.Event {
	if lastID == "" {
		return nil
	}
	for i, evt := range s.backlog {
		if evt.ID == lastID {
			return append([]steril.Event(nil), s.backlog[i+1:]...)
		}
	}
	return nil
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt steril.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = append(s.backlog, evt)
	if len(s.backlog) > s.size {
		s.backlog = append(s.backlog[:0:0], s.backlog[len(s.backlog)-s.size:]...)
	}
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Notify implements steril.Notifier.
func (s *Stream) Notify(_ context.Context, evt steril.Event) { s.Publish(evt) }

// Subscribers reports the number of connected clients.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
