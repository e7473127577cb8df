package qmp

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultSocketDir(t *testing.T) {
	dir, err := DefaultSocketDir()
	if err != nil {
		t.Fatalf("DefaultSocketDir() error: %v", err)
	}

	if os.Getuid() == 0 {
		if dir != "/var/run/qemu" {
			t.Errorf("expected /var/run/qemu for root, got %s", dir)
		}
	} else {
		if dir == "" {
			t.Error("expected non-empty socket dir for user")
		}
	}

	path, err := SocketPath("vm1")
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "vm1.sock") {
		t.Errorf("unexpected socket path %s", path)
	}
}

func TestSocketFromArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{
			name: "standard monitor socket",
			args: []string{
				"qemu-system-x86_64",
				"-chardev", "socket,id=qmp,path=/tmp/qemu.sock,server=on,wait=off",
				"-mon", "chardev=qmp,mode=control",
			},
			expected: "/tmp/qemu.sock",
		},
		{
			name: "chardev with monitor id",
			args: []string{
				"qemu-system-x86_64",
				"-chardev", "socket,id=charmonitor,path=/run/qemu/mon.sock,server=on,wait=off",
				"-mon", "chardev=charmonitor,mode=control",
			},
			expected: "/run/qemu/mon.sock",
		},
		{
			name: "qmp shorthand",
			args: []string{
				"qemu-system-x86_64",
				"-qmp", "unix:/run/vm/qmp.sock,server,nowait",
			},
			expected: "/run/vm/qmp.sock",
		},
		{
			name: "qmp over tcp",
			args: []string{
				"qemu-system-x86_64",
				"-qmp", "tcp:localhost:4444,server",
			},
			expected: "",
		},
		{
			name: "no monitor socket",
			args: []string{
				"qemu-system-x86_64",
				"-m", "512",
			},
			expected: "",
		},
		{
			name: "non-monitor chardev",
			args: []string{
				"qemu-system-x86_64",
				"-chardev", "socket,id=serial0,path=/tmp/serial.sock,server=on,wait=off",
			},
			expected: "",
		},
		{
			name:     "trailing flag",
			args:     []string{"qemu-system-x86_64", "-qmp"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SocketFromArgs(tt.args)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestSocketFromPID(t *testing.T) {
	// the test binary has no QMP socket on its command line
	_, err := SocketFromPID(os.Getpid())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrSocketNotFound) && !strings.Contains(err.Error(), "process arguments") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestWaitForSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.sock")

	listening := make(chan net.Listener, 1)
	go func() {
		time.Sleep(200 * time.Millisecond)
		ln, err := net.Listen("unix", path)
		if err != nil {
			close(listening)
			return
		}
		listening <- ln
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	if err := WaitForSocket(context.Background(), path, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if ln, ok := <-listening; ok {
		ln.Close()
	}

	missing := filepath.Join(t.TempDir(), "never.sock")
	if err := WaitForSocket(context.Background(), missing, 250*time.Millisecond); err == nil {
		t.Error("expected timeout")
	}
}
