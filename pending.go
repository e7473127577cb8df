package qmp

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
)

// pendingCall is the slot a caller waits on. It is fulfilled exactly once,
// either with a response or with the session's closure error.
type pendingCall struct {
	id   string
	resp *Response
	err  error
	done chan struct{}
}

func (p *pendingCall) deliver(r *Response) {
	p.resp = r
	close(p.done)
}

func (p *pendingCall) fail(err error) {
	p.err = err
	close(p.done)
}

// pendingTable maps correlation ids of in-flight commands to their callers.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingCall
	closed  error
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingCall)}
}

// register adds an entry for id. Once cancelAll has run every register
// fails with the closure error, so no entry can be left waiting forever.
func (t *pendingTable) register(id string) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}
	if _, ok := t.entries[id]; ok {
		return nil, &CorrelationError{ID: id, Kind: ErrDuplicateCorrelationID}
	}
	p := &pendingCall{
		id:   id,
		done: make(chan struct{}),
	}
	t.entries[id] = p
	return p, nil
}

// resolve hands r to the caller waiting on id. The caller may have given
// up already, in which case the response is dropped with the entry.
func (t *pendingTable) resolve(id string, r *Response) error {
	t.mu.Lock()
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return &CorrelationError{ID: id, Kind: ErrUnknownCorrelationID}
	}
	p.deliver(r)
	return nil
}

// remove drops an entry whose command never reached the wire.
func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// cancelAll fails every outstanding entry with err and closes the table.
// Only the first call has an effect.
func (t *pendingTable) cancelAll(err error) {
	t.mu.Lock()
	if t.closed != nil {
		t.mu.Unlock()
		return
	}
	t.closed = err
	entries := t.entries
	t.entries = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, p := range entries {
		p.fail(err)
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// correlationKey normalizes a JSON id so that the value sent and the value
// echoed back compare equal. The key is derived from the decoded value, so
// string escapes and number spellings such as 1 and 1.0 do not matter.
func correlationKey(raw []byte) string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	if dec.More() {
		return string(raw)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonicalID(v)); err != nil {
		return string(raw)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// canonicalID rewrites numbers in v to a single spelling. Integral values
// become int64 when they fit.
func canonicalID(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return i
		}
		f, err := x.Float64()
		if err != nil {
			return x
		}
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f)
		}
		return f
	case []any:
		for i := range x {
			x[i] = canonicalID(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = canonicalID(x[k])
		}
		return x
	}
	return v
}
