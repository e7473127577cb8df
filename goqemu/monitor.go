// Package goqemu adapts a qmp.Session to the qmp.Monitor interface of
// github.com/digitalocean/go-qemu, so code written against go-qemu (its
// hypervisor and domain helpers, or raw Run calls) can share the session
// engine of this module.
package goqemu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	goqmp "github.com/digitalocean/go-qemu/qmp"
	"github.com/tidwall/gjson"

	"github.com/KarpelesLab/qmp"
)

// DialFunc opens a new transport for Connect.
type DialFunc func(ctx context.Context) (qmp.Transport, error)

// Monitor implements goqmp.Monitor.
type Monitor struct {
	dial DialFunc
	cfg  *qmp.Config

	mu   sync.Mutex
	sess *qmp.Session
}

var _ goqmp.Monitor = (*Monitor)(nil)

// NewMonitor returns a Monitor that dials with dial on Connect.
func NewMonitor(dial DialFunc, cfg *qmp.Config) *Monitor {
	return &Monitor{dial: dial, cfg: cfg}
}

// NewSocketMonitor is the counterpart of goqmp.NewSocketMonitor.
func NewSocketMonitor(network, addr string, cfg *qmp.Config) *Monitor {
	return NewMonitor(func(ctx context.Context) (qmp.Transport, error) {
		return qmp.Dial(ctx, network, addr)
	}, cfg)
}

// FromSession wraps an already connected session. Connect is then a no-op.
func FromSession(s *qmp.Session) *Monitor {
	return &Monitor{sess: s}
}

// Session returns the underlying session, nil before Connect.
func (m *Monitor) Session() *qmp.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Connect dials and negotiates capabilities.
func (m *Monitor) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil && m.sess.Err() == nil {
		return nil
	}
	if m.dial == nil {
		return errors.New("goqemu: monitor has no dialer")
	}
	ctx := context.Background()
	t, err := m.dial(ctx)
	if err != nil {
		return err
	}
	s, err := qmp.Connect(ctx, t, m.cfg)
	if err != nil {
		return err
	}
	m.sess = s
	return nil
}

// Disconnect closes the session.
func (m *Monitor) Disconnect() error {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// Run executes a raw command such as {"execute":"query-status"} and returns
// the raw reply. Error replies are also returned as an error, as go-qemu's
// own monitors do.
func (m *Monitor) Run(command []byte) ([]byte, error) {
	s := m.Session()
	if s == nil {
		return nil, qmp.ErrSessionNotReady
	}

	cmd, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	resp, err := s.Execute(context.Background(), cmd)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return out, resp.Error
	}
	return out, nil
}

// Events streams events until ctx ends or the session closes.
func (m *Monitor) Events(ctx context.Context) (<-chan goqmp.Event, error) {
	s := m.Session()
	if s == nil {
		return nil, qmp.ErrSessionNotReady
	}

	sub := s.Events()
	out := make(chan goqmp.Event)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				select {
				case out <- convertEvent(ev):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// parseCommand reads a raw go-qemu command. The id member, if any, is kept
// so callers that correlate by hand still see it echoed.
func parseCommand(raw []byte) (qmp.Command, error) {
	if !gjson.ValidBytes(raw) {
		return qmp.Command{}, fmt.Errorf("goqemu: %w", &qmp.FrameError{Line: raw})
	}
	r := gjson.ParseBytes(raw)

	var cmd qmp.Command
	if v := r.Get("execute"); v.Exists() {
		cmd.Execute = v.String()
	} else if v := r.Get("exec-oob"); v.Exists() {
		cmd.Execute = v.String()
		cmd.OOB = true
	} else {
		return qmp.Command{}, errors.New("goqemu: command has no execute member")
	}
	if v := r.Get("arguments"); v.Exists() {
		cmd.Arguments = json.RawMessage(v.Raw)
	}
	if v := r.Get("id"); v.Exists() {
		cmd.ID = json.RawMessage(v.Raw)
	}
	return cmd, nil
}

func convertEvent(ev *qmp.Event) goqmp.Event {
	out := goqmp.Event{Event: ev.Name}
	if len(ev.Data) > 0 {
		// go-qemu only carries object payloads
		_ = json.Unmarshal(ev.Data, &out.Data)
	}
	out.Timestamp.Seconds = ev.Timestamp.Seconds
	out.Timestamp.Microseconds = ev.Timestamp.Microseconds
	return out
}
