// Package qmp implements the client side of the QEMU Machine Protocol.
//
// A Session owns one connection to a QMP server. It reads the greeting,
// negotiates capabilities, then correlates command replies with their
// callers while delivering asynchronous events to subscribers. Command
// arguments and return values are passed through as raw JSON; the package
// knows nothing about individual QEMU commands beyond the envelope.
//
// # Quick Start
//
// Connect to a QMP socket:
//
//	sess, err := qmp.ConnectUnix(ctx, "/var/run/qemu/myvm.sock", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Close()
//
// Run a command:
//
//	status, err := sess.Run(ctx, "query-status", nil)
//
// Watch events:
//
//	sub := sess.Events(qmp.MatchEvents("SHUTDOWN", "STOP"))
//	defer sub.Close()
//	for ev := range sub.C() {
//		fmt.Println(ev.Name, ev.Timestamp.Time())
//	}
//
// # Transports
//
// Any io.ReadWriteCloser carrying newline-delimited JSON works. Dial,
// DialUnix and DialTCP cover sockets; Pipe joins a child's stdout and stdin
// for QEMU started with -qmp stdio. SocketFromPID finds the socket of an
// already running QEMU from its command line.
//
// # Concurrency
//
// Execute may be called from many goroutines. Replies are matched by id, so
// completion order follows the wire, not the order commands were issued.
// A caller that gives up through its context does not affect the session;
// the late reply is discarded when it arrives.
//
// # Errors
//
// Failures are reported with sentinel errors (ErrMalformedFrame,
// ErrNegotiationRejected, ErrConnectionClosed, ...) that typed errors match
// through errors.Is. A reply with an error member is not a Go error from
// Execute; Run converts it into a *Error.
package qmp
