package qmp

import (
	"sync"
)

// EventFilter selects which events a subscription receives.
type EventFilter func(*Event) bool

// MatchEvents returns a filter accepting only the named events.
func MatchEvents(names ...string) EventFilter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(ev *Event) bool {
		_, ok := set[ev.Name]
		return ok
	}
}

// Subscription delivers events in wire order on its channel. Its queue is
// unbounded so a slow reader never stalls the session.
type Subscription struct {
	d        *dispatcher
	filter   EventFilter
	ch       chan *Event
	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Event
	closing bool // drain queue then stop
	stopped bool // stop now, drop queue
}

// C returns the channel events arrive on. It is closed when the
// subscription ends.
func (s *Subscription) C() <-chan *Event {
	return s.ch
}

// Close unsubscribes. Queued events are discarded. Safe to call more than
// once.
func (s *Subscription) Close() {
	s.d.remove(s)
	s.halt()
}

// halt ends the pump without delivering what is queued. It returns once
// the channel is closed.
func (s *Subscription) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.exited
}

func (s *Subscription) push(ev *Event) {
	if s.filter != nil && !s.filter(ev) {
		return
	}
	s.mu.Lock()
	if !s.closing && !s.stopped {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// finish lets the pump deliver what is queued, then closes the channel.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.closing = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Subscription) pump() {
	defer close(s.exited)
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closing && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped || len(s.queue) == 0 {
			s.queue = nil
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.stop:
			return
		}
	}
}

// dispatcher fans events out to subscriptions. It never blocks the caller
// of publish.
type dispatcher struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[*Subscription]struct{})}
}

func (d *dispatcher) subscribe(filter EventFilter) *Subscription {
	s := &Subscription{
		d:      d,
		filter: filter,
		ch:     make(chan *Event),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		close(s.ch)
		close(s.exited)
		s.stopped = true
		return s
	}
	d.subs[s] = struct{}{}
	d.mu.Unlock()

	go s.pump()
	return s
}

func (d *dispatcher) remove(s *Subscription) {
	d.mu.Lock()
	delete(d.subs, s)
	d.mu.Unlock()
}

// publish queues ev on every subscription, in call order.
func (d *dispatcher) publish(ev *Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for s := range d.subs {
		s.push(ev)
	}
}

// close stops accepting events. With drain set, subscriptions deliver what
// is already queued before closing their channels. Otherwise they close
// at once and queued events are dropped.
func (d *dispatcher) close(drain bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := make([]*Subscription, 0, len(d.subs))
	for s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, s := range subs {
		if drain {
			s.finish()
		} else {
			s.halt()
		}
	}
}

func (d *dispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}
