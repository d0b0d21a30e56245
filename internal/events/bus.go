// Package events is the in-process lifecycle event bus between the job store
// and its consumers.
//
// Publish never blocks: every subscriber owns an unbounded FIFO drained by a
// pump goroutine, so a slow consumer delays only itself. Events published from
// one goroutine (or under one lock) reach each subscriber in publish order.
package events

import (
	"sync"

	"scan-orchestrator/internal/entity"
)

type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	s := newSubscription(b)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.drain()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Bus) Publish(evt entity.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(evt)
	}
}

// Close stops accepting events. Subscribers still receive everything that was
// published before Close, then their channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.drain()
		delete(b.subs, s)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type Subscription struct {
	bus *Bus
	ch  chan entity.Event

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []entity.Event
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newSubscription(b *Bus) *Subscription {
	s := &Subscription{
		bus:  b,
		ch:   make(chan entity.Event),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// C delivers events in publish order. It is closed after Close, or after the
// bus is closed and every pending event was delivered.
func (s *Subscription) C() <-chan entity.Event { return s.ch }

// Close unsubscribes and drops undelivered events. It waits for the pump
// goroutine to exit.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.stop)
	})
	<-s.done
}

// Pending reports how many events are queued but not yet received.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) push(evt entity.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, evt)
	s.cond.Signal()
}

func (s *Subscription) drain() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Subscription) pump() {
	defer close(s.done)
	defer close(s.ch)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue[0] = entity.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- evt:
		case <-s.stop:
			return
		}
	}
}
