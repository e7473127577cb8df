// Package qmptest provides a scripted QMP server for tests. It speaks raw
// newline-delimited JSON and does not depend on the qmp package, so the
// client is exercised against the wire format only.
package qmptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Timeout bounds every read and write of a Server.
var Timeout = 10 * time.Second

// Request is a command received by the server.
type Request struct {
	Execute   string          `json:"execute"`
	ExecOOB   string          `json:"exec-oob"`
	Arguments json.RawMessage `json:"arguments"`
	ID        json.RawMessage `json:"id"`
	Raw       []byte          `json:"-"`
}

// Server is the QEMU end of a QMP connection. Its methods must be called
// from the test goroutine.
type Server struct {
	t    testing.TB
	conn net.Conn
	r    *bufio.Reader
}

// NewPipe returns the client end of an in-memory connection and the
// server driving the other end.
func NewPipe(t testing.TB) (net.Conn, *Server) {
	t.Helper()
	client, server := net.Pipe()
	s := newServer(t, server)
	t.Cleanup(func() {
		client.Close()
	})
	return client, s
}

// Listen opens a UNIX socket in a temporary directory. Accept waits for the
// client to connect.
func Listen(t testing.TB) (path string, accept func() *Server) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "qmp.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen %s: %v", path, err)
	}
	t.Cleanup(func() { ln.Close() })

	return path, func() *Server {
		t.Helper()
		if ul, ok := ln.(*net.UnixListener); ok {
			ul.SetDeadline(time.Now().Add(Timeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		return newServer(t, conn)
	}
}

func newServer(t testing.TB, conn net.Conn) *Server {
	s := &Server{t: t, conn: conn, r: bufio.NewReader(conn)}
	t.Cleanup(func() { conn.Close() })
	return s
}

// Conn returns the server side of the connection.
func (s *Server) Conn() net.Conn {
	return s.conn
}

// Send writes one raw line. A trailing newline is added when missing.
func (s *Server) Send(line string) {
	s.t.Helper()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	s.conn.SetWriteDeadline(time.Now().Add(Timeout))
	if _, err := s.conn.Write([]byte(line)); err != nil {
		s.t.Fatalf("qmptest: send %q: %v", line, err)
	}
}

// Greet sends a QEMU 8.2.0 greeting advertising caps.
func (s *Server) Greet(caps ...string) {
	s.t.Helper()
	if caps == nil {
		caps = []string{}
	}
	b, _ := json.Marshal(caps)
	s.Send(fmt.Sprintf(`{"QMP": {"version": {"qemu": {"micro": 0, "minor": 2, "major": 8}, "package": "v8.2.0"}, "capabilities": %s}}`, b))
}

// Recv reads the next command.
func (s *Server) Recv() Request {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(Timeout))
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		s.t.Fatalf("qmptest: recv: %v", err)
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.t.Fatalf("qmptest: bad command %q: %v", line, err)
	}
	req.Raw = line
	return req
}

// ExpectClosed asserts that the client closed the connection without
// sending anything else.
func (s *Server) ExpectClosed() {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(Timeout))
	line, err := s.r.ReadBytes('\n')
	if err == nil {
		s.t.Fatalf("qmptest: expected close, got %q", line)
	}
}

// Handshake greets, expects qmp_capabilities and acknowledges it. The
// negotiation request is returned for inspection.
func (s *Server) Handshake(caps ...string) Request {
	s.t.Helper()
	s.Greet(caps...)
	req := s.Recv()
	if req.Execute != "qmp_capabilities" {
		s.t.Fatalf("qmptest: expected qmp_capabilities, got %s", req.Raw)
	}
	s.Send(`{"return": {}}`)
	return req
}

// Reply answers req with a success reply carrying ret (raw JSON).
func (s *Server) Reply(req Request, ret string) {
	s.t.Helper()
	s.Send(fmt.Sprintf(`{"return": %s%s}`, ret, idMember(req)))
}

// ReplyError answers req with an error reply.
func (s *Server) ReplyError(req Request, class, desc string) {
	s.t.Helper()
	e, _ := json.Marshal(map[string]string{"class": class, "desc": desc})
	s.Send(fmt.Sprintf(`{"error": %s%s}`, e, idMember(req)))
}

// Event emits an event with data (raw JSON, may be empty) and a fixed
// timestamp.
func (s *Server) Event(name, data string) {
	s.t.Helper()
	if data == "" {
		s.Send(fmt.Sprintf(`{"event": %q, "timestamp": {"seconds": 1700000000, "microseconds": 42}}`, name))
		return
	}
	s.Send(fmt.Sprintf(`{"event": %q, "data": %s, "timestamp": {"seconds": 1700000000, "microseconds": 42}}`, name, data))
}

// Close hangs up.
func (s *Server) Close() {
	s.conn.Close()
}

func idMember(req Request) string {
	if len(req.ID) == 0 {
		return ""
	}
	return `, "id": ` + string(req.ID)
}
