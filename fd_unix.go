//go:build unix

package qmp

import (
	"context"
	"errors"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// unixMsgWriter is implemented by *net.UnixConn.
type unixMsgWriter interface {
	WriteMsgUnix(b, oob []byte, addr *net.UnixAddr) (n, oobn int, err error)
}

// ExecuteWithFile sends cmd with f attached as SCM_RIGHTS ancillary data,
// as needed by getfd, add-fd and add_client. The transport must be a UNIX
// socket.
func (s *Session) ExecuteWithFile(ctx context.Context, cmd Command, f *os.File) (*Response, error) {
	if f == nil {
		return nil, errors.New("qmp: no file to pass")
	}
	uc, ok := s.t.(unixMsgWriter)
	if !ok {
		return nil, errors.New("qmp: transport is not a UNIX socket")
	}
	rights := unix.UnixRights(int(f.Fd()))

	return s.execute(ctx, cmd, func(frame []byte) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		s.log.Debug().RawJSON("frame", frame[:len(frame)-1]).Str("file", f.Name()).Msg("qmp send with fd")
		if _, _, err := uc.WriteMsgUnix(frame, rights, nil); err != nil {
			return &TransportError{Op: "sendmsg", Err: err}
		}
		return nil
	})
}
