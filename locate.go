package qmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KarpelesLab/runutil"
)

// ErrSocketNotFound is returned when no QMP socket can be found for a
// running QEMU process.
var ErrSocketNotFound = errors.New("QMP socket not found")

// DefaultSocketDir returns the directory qemuctl-managed instances keep
// their control sockets in: /var/run/qemu for root, the user cache
// directory otherwise.
func DefaultSocketDir() (string, error) {
	if os.Getuid() == 0 {
		return "/var/run/qemu", nil
	}

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache dir: %w", err)
	}
	return filepath.Join(cacheDir, "qemuctl"), nil
}

// SocketPath returns the control socket path of the instance called name
// in DefaultSocketDir.
func SocketPath(name string) (string, error) {
	dir, err := DefaultSocketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name+".sock"), nil
}

// SocketFromPID finds the QMP socket of a running QEMU by reading its
// command line.
func SocketFromPID(pid int) (string, error) {
	args, err := runutil.ArgsOf(pid)
	if err != nil {
		return "", fmt.Errorf("failed to get process arguments: %w", err)
	}

	path := SocketFromArgs(args)
	if path == "" {
		return "", fmt.Errorf("pid %d: %w", pid, ErrSocketNotFound)
	}
	return path, nil
}

// SocketFromArgs extracts the QMP socket path from QEMU arguments. It
// understands -qmp unix:PATH,... and socket chardevs whose id names a
// monitor.
func SocketFromArgs(args []string) string {
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "-qmp", "--qmp":
			opt := args[i+1]
			if rest, ok := strings.CutPrefix(opt, "unix:"); ok {
				path, _, _ := strings.Cut(rest, ",")
				return path
			}
		case "-chardev", "--chardev":
			chardev := args[i+1]
			// socket,id=XXX,path=YYY or socket,path=YYY,id=XXX
			if !strings.HasPrefix(chardev, "socket,") {
				continue
			}
			var isMonitor bool
			var socketPath string
			for _, part := range strings.Split(chardev, ",")[1:] {
				if v, ok := strings.CutPrefix(part, "path="); ok {
					socketPath = v
				}
				if id, ok := strings.CutPrefix(part, "id="); ok {
					if strings.Contains(id, "monitor") || strings.Contains(id, "qmp") {
						isMonitor = true
					}
				}
			}
			if socketPath != "" && isMonitor {
				return socketPath
			}
		}
	}
	return ""
}

// WaitForSocket polls until the UNIX socket at path accepts connections,
// for use right after QEMU was started.
func WaitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var d net.Dialer

	for time.Now().Before(deadline) {
		if conn, err := d.DialContext(ctx, "unix", path); err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	return fmt.Errorf("timeout waiting for socket %s", path)
}
