package qmp

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator supplies correlation ids for commands sent without one.
// Returned values must marshal to JSON and be unique among outstanding
// commands of a session.
type IDGenerator interface {
	NextID() any
}

// CounterIDs yields 1, 2, 3, ... as JSON numbers.
type CounterIDs struct {
	n atomic.Uint64
}

func (c *CounterIDs) NextID() any {
	return c.n.Add(1)
}

// UUIDIDs yields random UUID strings. Useful when several clients share
// a log and ids need to be globally distinct.
type UUIDIDs struct{}

func (UUIDIDs) NextID() any {
	return uuid.NewString()
}
