package qmp

import (
	"context"
	"io"
	"net"
)

// Transport is the duplex byte stream a session runs over. A net.Conn to
// a UNIX or TCP QMP socket satisfies it, as does a pipe pair to a QEMU
// started with -qmp stdio.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dial connects to a QMP socket. network is "unix" or "tcp".
func Dial(ctx context.Context, network, address string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

// DialUnix connects to the QMP UNIX socket at path.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	return Dial(ctx, "unix", path)
}

// DialTCP connects to a QMP server listening on a TCP address.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	return Dial(ctx, "tcp", address)
}

// ConnectUnix dials path and performs the handshake.
func ConnectUnix(ctx context.Context, path string, cfg *Config) (*Session, error) {
	t, err := DialUnix(ctx, path)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, t, cfg)
}

// pipeTransport joins a reader and a writer, e.g. a child's stdout and
// stdin.
type pipeTransport struct {
	io.Reader
	io.WriteCloser
	rc io.Closer
}

func (p *pipeTransport) Close() error {
	werr := p.WriteCloser.Close()
	if p.rc != nil {
		if err := p.rc.Close(); err != nil && werr == nil {
			return err
		}
	}
	return werr
}

// Pipe builds a Transport from separate inbound and outbound streams.
// r is closed too if it implements io.Closer.
func Pipe(r io.Reader, w io.WriteCloser) Transport {
	p := &pipeTransport{Reader: r, WriteCloser: w}
	if rc, ok := r.(io.Closer); ok {
		p.rc = rc
	}
	return p
}
