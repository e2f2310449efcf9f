package jobs

import (
	"sync"
)

// Subscription receives StatusEvents until Close. The queue behind Events is
// unbounded so publishers never block on a slow reader.
type Subscription struct {
	id  uint64
	reg *Registry

	ch     chan StatusEvent
	signal chan struct{}
	done   chan struct{}
	exited chan struct{}

	mu    sync.Mutex
	queue []StatusEvent

	once sync.Once
}

// Subscribe registers a new subscriber.
func (r *Registry) Subscribe() (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	r.nextSub++
	s := &Subscription{
		id:     r.nextSub,
		reg:    r,
		ch:     make(chan StatusEvent),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	r.subs[s.id] = s
	go s.pump()
	return s, nil
}

// Events delivers status changes in publish order. It is closed after Close.
func (s *Subscription) Events() <-chan StatusEvent {
	return s.ch
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.reg.mu.Lock()
	delete(s.reg.subs, s.id)
	s.reg.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		close(s.done)
	})
	<-s.exited
}

func (s *Subscription) push(ev StatusEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.exited)
	defer close(s.ch)

	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
		}
	}
}
