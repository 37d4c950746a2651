package chatsync

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// Subscription is one server-side push subscription. Its event sequence is lazy,
// unbounded and single-consumer; it ends when the subscription is closed. Transport
// failures arrive as ChangeError events and the sequence keeps running until Close,
// so the consumer decides whether to resubscribe.
type Subscription struct {
	kind   EntityKind
	filter Filter

	mu      sync.Mutex
	queue   []ChangeEvent
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	events  chan ChangeEvent
	once    sync.Once
	onClose func()
}

// NewSubscription creates an open subscription. Transports push into it with Deliver
// and Fail; onClose (may be nil) releases the underlying connection and runs once.
func NewSubscription(kind EntityKind, filter Filter, onClose func()) *Subscription {
	s := &Subscription{
		kind:    kind,
		filter:  filter,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		events:  make(chan ChangeEvent),
		onClose: onClose,
	}
	go s.pump()
	return s
}

// Kind returns the watched entity kind.
func (s *Subscription) Kind() EntityKind { return s.kind }

// Filter returns the subscription filter.
func (s *Subscription) Filter() Filter { return s.filter }

// Events returns the event sequence. The channel is closed after Close.
func (s *Subscription) Events() <-chan ChangeEvent { return s.events }

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Deliver queues ev if it passes the filter. It never blocks and reports false once
// the subscription is closed.
func (s *Subscription) Deliver(ev ChangeEvent) bool {
	if !s.filter.Match(ev) {
		return true
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Fail queues a ChangeError event carrying err.
func (s *Subscription) Fail(err error) bool {
	jww.WARN.Printf("%s subscription %+v failed: %v", s.kind, s.filter, err)
	return s.Deliver(ChangeEvent{Kind: ChangeError, Err: err})
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
		jww.DEBUG.Printf("%s subscription %+v closed", s.kind, s.filter)
	})
	return nil
}

func (s *Subscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			continue
		}
		ev := s.queue[0]
		s.queue[0] = ChangeEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
