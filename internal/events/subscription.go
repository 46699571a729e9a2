package events

import "sync"

// Subscription delivers a stream's events in sequence order. Delivery never
// drops events; a slow reader only delays itself.
type Subscription struct {
	out    chan Event
	notify chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	pending  []Event
	finished bool
	stopOnce sync.Once
	detach   func()
}

func newSubscription(backlog []Event) *Subscription {
	s := &Subscription{
		out:     make(chan Event),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: append([]Event(nil), backlog...),
	}
	go s.pump()
	return s
}

// Events returns the delivery channel. It is closed after the terminal event
// has been received or the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.out }

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.detach != nil {
			s.detach()
		}
	})
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	s.wake()
}

// finish marks that no further events will be pushed.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		if len(s.pending) == 0 {
			s.pending = nil
		}
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
