package qmp

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

var qemuArchNames = map[string]string{
	"amd64":   "x86_64",
	"386":     "i386",
	"arm64":   "aarch64",
	"arm":     "arm",
	"riscv64": "riscv64",
	"ppc64le": "ppc64",
	"s390x":   "s390x",
}

// skipIfNoQemu skips the test if no QEMU binary for the host is installed.
func skipIfNoQemu(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	arch, ok := qemuArchNames[runtime.GOARCH]
	if !ok {
		t.Skipf("no QEMU system emulator for %s", runtime.GOARCH)
	}
	path, err := exec.LookPath("qemu-system-" + arch)
	if err != nil {
		t.Skipf("QEMU not found: %v", err)
	}
	return path
}

// startQemu runs an empty machine with its QMP monitor on a UNIX socket.
func startQemu(t *testing.T) (*exec.Cmd, string) {
	t.Helper()
	qemuPath := skipIfNoQemu(t)

	socketPath := filepath.Join(t.TempDir(), "qmp.sock")
	cmd := exec.Command(qemuPath,
		"-machine", "none",
		"-display", "none",
		"-no-user-config", "-nodefaults",
		"-qmp", "unix:"+socketPath+",server=on,wait=off",
	)
	cmd.Dir = "/"
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start QEMU: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := WaitForSocket(ctx, socketPath, 10*time.Second); err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	return cmd, socketPath
}

func connectQemu(t *testing.T, socketPath string) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sess, err := ConnectUnix(ctx, socketPath, nil)
	if err != nil {
		t.Fatalf("ConnectUnix: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestIntegrationQMPCommands(t *testing.T) {
	_, socketPath := startQemu(t)
	sess := connectQemu(t, socketPath)
	ctx := context.Background()

	g := sess.Greeting()
	t.Logf("QEMU %s (%s), capabilities %v", g.Version.QEMU, g.Version.Package, g.Capabilities)

	info, err := Version(ctx, sess)
	if err != nil {
		t.Fatalf("query-version error: %v", err)
	}
	if info.QEMU != g.Version.QEMU {
		t.Errorf("query-version %s differs from greeting %s", info.QEMU, g.Version.QEMU)
	}

	status, err := QueryStatus(ctx, sess)
	if err != nil {
		t.Fatalf("query-status error: %v", err)
	}
	t.Logf("Status: %+v", status)
	if !status.State.IsAlive() {
		t.Errorf("expected live state, got %s", status.State)
	}

	_, err = sess.Run(ctx, "no-such-command", nil)
	var qe *Error
	if !errors.As(err, &qe) || qe.Class != "CommandNotFound" {
		t.Errorf("expected CommandNotFound, got %v", err)
	}
}

func TestIntegrationEvents(t *testing.T) {
	_, socketPath := startQemu(t)
	sess := connectQemu(t, socketPath)
	ctx := context.Background()

	sub := sess.Events(MatchEvents("STOP", "RESUME"))
	defer sub.Close()

	if _, err := sess.Run(ctx, "stop", nil); err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if _, err := sess.Run(ctx, "cont", nil); err != nil {
		t.Fatalf("cont error: %v", err)
	}

	for _, want := range []string{"STOP", "RESUME"} {
		select {
		case ev := <-sub.C():
			if ev.Name != want {
				t.Errorf("expected %s, got %s", want, ev.Name)
			}
			if ev.Timestamp.Time().IsZero() {
				t.Errorf("%s has no timestamp", ev.Name)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestIntegrationAttachByPID(t *testing.T) {
	cmd, socketPath := startQemu(t)

	found, err := SocketFromPID(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("SocketFromPID error: %v", err)
	}
	if found != socketPath {
		t.Errorf("expected %s, got %s", socketPath, found)
	}
}

func TestIntegrationPassFD(t *testing.T) {
	_, socketPath := startQemu(t)
	sess := connectQemu(t, socketPath)
	ctx := context.Background()

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	resp, err := sess.ExecuteWithFile(ctx, Command{
		Execute:   "getfd",
		Arguments: map[string]string{"fdname": "null0"},
	}, f)
	if err != nil {
		t.Fatalf("getfd error: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("getfd rejected: %v", resp.Error)
	}
	if _, err := sess.Run(ctx, "closefd", map[string]string{"fdname": "null0"}); err != nil {
		t.Errorf("closefd error: %v", err)
	}
}

func TestIntegrationQuit(t *testing.T) {
	_, socketPath := startQemu(t)
	sess := connectQemu(t, socketPath)

	sub := sess.Events(MatchEvents("SHUTDOWN"))
	if _, err := sess.Run(context.Background(), "quit", nil); err != nil {
		t.Logf("quit returned error (may be expected): %v", err)
	}

	select {
	case <-sess.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not close after quit")
	}
	if !errors.Is(sess.Err(), ErrConnectionClosed) {
		t.Errorf("unexpected close error %v", sess.Err())
	}

	// queued events are still delivered after the session ends
	ev, ok := <-sub.C()
	if !ok {
		t.Fatal("SHUTDOWN not delivered")
	}
	if state, _ := RunStateForEvent(ev); state != RunStateShutdown {
		t.Errorf("unexpected state %s", state)
	}
}
