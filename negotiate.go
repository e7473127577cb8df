package qmp

import "fmt"

// CapabilityOOB is the greeting capability for out-of-band execution.
const CapabilityOOB = "oob"

type negotiationState int

const (
	negAwaitingGreeting negotiationState = iota
	negAwaitingAck
	negDone
	negFailed
)

func (s negotiationState) String() string {
	switch s {
	case negAwaitingGreeting:
		return "awaiting greeting"
	case negAwaitingAck:
		return "awaiting negotiation ack"
	case negDone:
		return "done"
	case negFailed:
		return "failed"
	default:
		return fmt.Sprintf("negotiationState(%d)", int(s))
	}
}

// negotiator drives the greeting / qmp_capabilities exchange. It does no
// I/O: the session feeds it messages and writes the command it returns.
type negotiator struct {
	state     negotiationState
	requested []string
	greeting  *Greeting
}

func newNegotiator(requested []string) *negotiator {
	return &negotiator{requested: requested}
}

// onGreeting records the greeting and returns the negotiation command.
// Requested capabilities missing from the greeting fail the handshake
// before anything is sent.
func (n *negotiator) onGreeting(g *Greeting) (Command, error) {
	if n.state != negAwaitingGreeting {
		n.state = negFailed
		return Command{}, &SequenceError{State: StateNegotiating, Kind: KindGreeting}
	}
	n.greeting = g

	var missing []string
	for _, c := range n.requested {
		if !g.Supports(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		n.state = negFailed
		return Command{}, &CapabilityError{Requested: missing, Advertised: g.Capabilities}
	}

	n.state = negAwaitingAck
	cmd := Command{Execute: "qmp_capabilities"}
	if len(n.requested) > 0 {
		cmd.Arguments = map[string][]string{"enable": n.requested}
	}
	return cmd, nil
}

// onResponse consumes the reply to qmp_capabilities.
func (n *negotiator) onResponse(r *Response) error {
	if n.state != negAwaitingAck {
		n.state = negFailed
		return &SequenceError{State: StateAwaitingGreeting, Kind: r.Kind()}
	}
	if len(r.ID) > 0 {
		// the negotiation command carries no id
		n.state = negFailed
		return &SequenceError{State: StateNegotiating, Kind: r.Kind()}
	}
	if r.Error != nil {
		n.state = negFailed
		return &NegotiationError{Err: r.Error}
	}
	n.state = negDone
	return nil
}

func (n *negotiator) done() bool {
	return n.state == negDone
}
