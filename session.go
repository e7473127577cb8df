package qmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateAwaitingGreeting State = iota
	StateNegotiating
	StateReady
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAwaitingGreeting:
		return "awaiting greeting"
	case StateNegotiating:
		return "negotiating capabilities"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is a client connection to a QMP server.
//
// A single goroutine reads the transport for the lifetime of the session.
// It answers pending Execute calls and feeds event subscriptions, so any
// number of commands may be outstanding at once and each caller only waits
// for its own reply.
type Session struct {
	t       Transport
	dec     *Decoder
	cfg     Config
	log     zerolog.Logger
	metrics *Metrics

	// writeMu keeps frames from different callers from interleaving.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	greeting *Greeting
	err      *ClosedError

	neg    *negotiator
	table  *pendingTable
	events *dispatcher

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New wraps t in a session and starts reading. The session is not usable
// for commands until the handshake completes; see WaitReady. Events may be
// subscribed to right away since QEMU can emit them before negotiation.
func New(t Transport, cfg *Config) *Session {
	c := cfg.withDefaults()
	s := &Session{
		t:       t,
		dec:     NewDecoder(t),
		cfg:     c,
		log:     c.Logger,
		metrics: c.Metrics,
		state:   StateAwaitingGreeting,
		neg:     newNegotiator(c.Capabilities),
		table:   newPendingTable(),
		events:  newDispatcher(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.metrics.sessionOpened()
	go s.readLoop()
	return s
}

// Connect performs the greeting and capabilities negotiation on t and
// returns a ready session. On failure the transport is closed and no
// session is returned.
func Connect(ctx context.Context, t Transport, cfg *Config) (*Session, error) {
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			t.Close()
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	s := New(t, cfg)
	if err := s.WaitReady(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// WaitReady blocks until negotiation completes. If the session closes
// first, the reason is returned (a *NegotiationError, *CapabilityError,
// *FrameError, *TransportError, ...).
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		s.mu.Lock()
		closed := s.err
		s.mu.Unlock()
		if closed.Cause != nil {
			return closed.Cause
		}
		return closed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Greeting returns the server greeting, or nil if none was received yet.
func (s *Session) Greeting() *Greeting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.greeting
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns nil while the session is open, and a *ClosedError after.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return nil
	}
	return s.err
}

// Events subscribes to asynchronous events. All filters must accept an
// event for it to be delivered. The subscription ends when the session
// closes or Close is called on it.
func (s *Session) Events(filters ...EventFilter) *Subscription {
	var f EventFilter
	switch len(filters) {
	case 0:
	case 1:
		f = filters[0]
	default:
		f = func(ev *Event) bool {
			for _, filter := range filters {
				if !filter(ev) {
					return false
				}
			}
			return true
		}
	}
	return s.events.subscribe(f)
}

// Execute sends cmd and waits for its reply. Error replies are returned as
// a Response with Error set, not as an error. If ctx ends first, ctx.Err()
// is returned and the eventual reply is discarded.
func (s *Session) Execute(ctx context.Context, cmd Command) (*Response, error) {
	return s.execute(ctx, cmd, s.writeFrame)
}

// Run executes the named command and returns its return value, or the
// server's *Error.
func (s *Session) Run(ctx context.Context, command string, args any) (json.RawMessage, error) {
	resp, err := s.Execute(ctx, Command{Execute: command, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Return, nil
}

func (s *Session) execute(ctx context.Context, cmd Command, send func([]byte) error) (*Response, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateReady:
	case StateClosed:
		return nil, s.Err()
	default:
		return nil, ErrSessionNotReady
	}

	if cmd.ID == nil {
		cmd.ID = s.cfg.IDs.NextID()
	}
	idRaw, err := compactValue(cmd.ID)
	if err != nil {
		return nil, fmt.Errorf("qmp: marshal id of %s: %w", cmd.Execute, err)
	}
	frame, err := EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	key := correlationKey(idRaw)
	p, err := s.table.register(key)
	if err != nil {
		if errors.Is(err, ErrDuplicateCorrelationID) {
			s.shutdown(err)
		}
		return nil, err
	}
	s.metrics.commandSent()
	defer s.metrics.commandFinished()

	if err := send(frame); err != nil {
		s.table.remove(key)
		s.shutdown(err)
		s.metrics.commandDone(outcomeClosed)
		return nil, s.Err()
	}

	select {
	case <-p.done:
		if p.err != nil {
			s.metrics.commandDone(outcomeClosed)
			return nil, p.err
		}
		if p.resp.Error != nil {
			s.metrics.commandDone(outcomeError)
		} else {
			s.metrics.commandDone(outcomeSuccess)
		}
		return p.resp, nil
	case <-ctx.Done():
		s.metrics.commandDone(outcomeCancelled)
		return nil, ctx.Err()
	}
}

func (s *Session) writeFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.log.Debug().RawJSON("frame", frame[:len(frame)-1]).Msg("qmp send")
	if _, err := s.t.Write(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close shuts the session down: pending calls fail with ErrConnectionClosed,
// subscriptions end without delivering queued events and the transport is
// closed. Calling Close again is a no-op.
func (s *Session) Close() error {
	err, first := s.shutdown(nil)
	if !first {
		return nil
	}
	return err
}

// shutdown moves the session to Closed exactly once. It reports the
// transport's Close error and whether this call did the work. A nil cause
// is a local Close; any other cause lets subscribers drain what the read
// loop already queued, such as a final SHUTDOWN.
func (s *Session) shutdown(cause error) (err error, first bool) {
	s.closeOnce.Do(func() {
		first = true
		closed := &ClosedError{Cause: cause}

		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		s.err = closed
		s.mu.Unlock()

		s.table.cancelAll(closed)
		s.events.close(cause != nil)
		s.closeErr = s.t.Close()
		s.metrics.sessionClosed()
		close(s.done)

		ev := s.log.Info()
		if cause != nil {
			ev = s.log.Warn().Err(cause)
		}
		ev.Stringer("from", prev).Msg("qmp session closed")
	})
	return s.closeErr, first
}

// readLoop is the only reader of the transport.
func (s *Session) readLoop() {
	for {
		frame, err := s.dec.Next()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				s.metrics.frameError("malformed")
				if s.cfg.Lenient {
					s.log.Warn().Err(err).Msg("qmp: skipping frame")
					continue
				}
				s.shutdown(err)
				return
			}
			s.shutdown(&TransportError{Op: "read", Err: err})
			return
		}
		s.log.Debug().RawJSON("frame", frame).Msg("qmp recv")

		msg, err := Classify(frame)
		if err != nil {
			s.metrics.frameError("unrecognized")
			if s.cfg.Lenient {
				s.log.Warn().Err(err).Msg("qmp: skipping frame")
				continue
			}
			s.shutdown(err)
			return
		}

		if err := s.route(msg); err != nil {
			s.shutdown(err)
			return
		}
	}
}

// advance moves from one state to the next unless Close got there first.
func (s *Session) advance(from, to State, g *Greeting) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	if g != nil {
		s.greeting = g
	}
	return true
}

// route hands a message to the negotiator, the pending table or the event
// subscribers depending on its kind and the session state.
func (s *Session) route(msg Message) error {
	switch m := msg.(type) {
	case *Event:
		s.metrics.event(m.Name)
		s.events.publish(m)
		return nil

	case *Greeting:
		if st := s.State(); st != StateAwaitingGreeting {
			return &SequenceError{State: st, Kind: KindGreeting}
		}
		cmd, err := s.neg.onGreeting(m)
		if err != nil {
			return err
		}
		if !s.advance(StateAwaitingGreeting, StateNegotiating, m) {
			return nil
		}
		s.log.Debug().
			Stringer("version", m.Version.QEMU).
			Strs("capabilities", m.Capabilities).
			Msg("qmp greeting")

		frame, err := EncodeCommand(cmd)
		if err != nil {
			return err
		}
		return s.writeFrame(frame)

	case *Response:
		switch st := s.State(); st {
		case StateNegotiating:
			if err := s.neg.onResponse(m); err != nil {
				return err
			}
			if !s.advance(StateNegotiating, StateReady, nil) {
				return nil
			}
			close(s.ready)
			s.log.Info().Strs("capabilities", s.cfg.Capabilities).Msg("qmp session ready")
			return nil
		case StateReady:
			if len(m.ID) == 0 {
				return &CorrelationError{Kind: ErrUnknownCorrelationID}
			}
			return s.table.resolve(correlationKey(m.ID), m)
		default:
			return &SequenceError{State: st, Kind: m.Kind()}
		}
	}
	return fmt.Errorf("%w: %T", ErrUnrecognizedMessage, msg)
}
