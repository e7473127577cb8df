//go:build !unix

package qmp

import (
	"context"
	"errors"
	"os"
)

// ExecuteWithFile is only available on UNIX platforms.
func (s *Session) ExecuteWithFile(ctx context.Context, cmd Command, f *os.File) (*Response, error) {
	return nil, errors.New("qmp: descriptor passing requires a UNIX socket")
}
