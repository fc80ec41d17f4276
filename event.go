package bluewire

import "sync"

// ConnStateChanged is published on the engine's event stream whenever a
// peripheral's connection state changes. Err carries the causal error for
// disconnects the caller did not request.
type ConnStateChanged struct {
	ID    string
	State ConnState
	Err   error
}

func (ConnStateChanged) radioEvent() {}

// Pending is a cancellable wait on an asynchronous operation. Cancel
// removes only this caller's completion; other coalesced callers and the
// in-flight radio command are unaffected. Cancel reports false once the
// operation has already resolved.
type Pending interface {
	Cancel() bool
}

// A Stream distributes engine events to any number of subscribers.
// Subscribers only see events published after they subscribe; nothing is
// replayed. The stream never ends except on owner teardown, when every
// subscriber channel is closed normally.
//
// Publication never blocks the engine: an event that does not fit a
// subscriber's buffer is dropped for that subscriber and counted.
type Stream struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	nextID  uint64
	closed  bool
	dropped uint64
}

// NewStream returns an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer and
// returns its channel plus a cancel function. Cancelling closes the
// channel. Subscribing to a closed stream returns a closed channel.
func (s *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers e to every current subscriber.
func (s *Stream) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.dropped++
		}
	}
}

// Close ends the stream, closing every subscriber channel.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Dropped returns the number of events discarded because a subscriber's
// buffer was full.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
