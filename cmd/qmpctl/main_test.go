package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/KarpelesLab/qmp"
	"github.com/KarpelesLab/qmp/qmptest"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBuildArguments(t *testing.T) {
	got, err := buildArguments(`{"a": 1}`, []string{
		"device=drive0",
		"force=true",
		"nested.x=5",
		`label="7"`,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a": 1,"device":"drive0","force":true,"nested":{"x":5},"label":"7"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}

	if got, err := buildArguments("", nil); got != nil || err != nil {
		t.Errorf("empty arguments: %s, %v", got, err)
	}
	if _, err := buildArguments("", []string{"novalue"}); err == nil {
		t.Error("expected error for pair without =")
	}
	if _, err := buildArguments("[1]", nil); err == nil {
		t.Error("expected error for non-object --args")
	}
}

func TestParseArgs(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "qmpctl.toml")
	err := os.WriteFile(cfgPath, []byte(`
socket = "/run/vm/qmp.sock"
capabilities = ["oob"]
log_level = "debug"
timeout = "1m"
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	opts, command, err := parseArgs([]string{
		"--config", cfgPath,
		"--timeout", "5s",
		"--arg", "device=cd0",
		"eject",
	}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if command != "eject" {
		t.Errorf("command = %q", command)
	}
	if opts.Socket != "/run/vm/qmp.sock" || opts.LogLevel != "debug" {
		t.Errorf("config file not applied: %+v", opts)
	}
	if !reflect.DeepEqual(opts.Capabilities, []string{"oob"}) {
		t.Errorf("capabilities = %v", opts.Capabilities)
	}
	if opts.Timeout != 5*time.Second {
		t.Errorf("flag did not override config: timeout %v", opts.Timeout)
	}
	if !reflect.DeepEqual(opts.Args, []string{"device=cd0"}) {
		t.Errorf("args = %v", opts.Args)
	}
}

func TestParseArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		argv []string
	}{
		{"nothing to do", []string{"--socket", "/x"}},
		{"two commands", []string{"stop", "cont"}},
		{"unknown flag", []string{"--bogus", "stop"}},
		{"missing config", []string{"--config", "/nonexistent/qmpctl.toml", "stop"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := parseArgs(tt.argv, io.Discard); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, _, err := parseArgs([]string{"--help"}, io.Discard); !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("--help: %v", err)
	}
}

func TestResolveTarget(t *testing.T) {
	if _, _, err := resolveTarget(options{}); err == nil {
		t.Error("expected error without target")
	}
	addr, network, err := resolveTarget(options{Socket: "/s", TCP: "h:1"})
	if err != nil || addr != "/s" || network != "unix" {
		t.Errorf("socket: %s %s %v", addr, network, err)
	}
	addr, network, err = resolveTarget(options{TCP: "h:1"})
	if err != nil || addr != "h:1" || network != "tcp" {
		t.Errorf("tcp: %s %s %v", addr, network, err)
	}
	addr, _, err = resolveTarget(options{Name: "vm1"})
	if err != nil || !strings.HasSuffix(addr, "vm1.sock") {
		t.Errorf("name: %s %v", addr, err)
	}
}

func TestTargetFlagOverridesConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "qmpctl.toml")
	if err := os.WriteFile(cfgPath, []byte("socket = \"/run/vm/qmp.sock\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		argv    []string
		address string
		network string
	}{
		{"config only", []string{"--config", cfgPath, "stop"}, "/run/vm/qmp.sock", "unix"},
		{"tcp flag", []string{"--config", cfgPath, "--tcp", "127.0.0.1:4444", "stop"}, "127.0.0.1:4444", "tcp"},
		{"socket flag", []string{"--config", cfgPath, "--socket", "/tmp/other.sock", "stop"}, "/tmp/other.sock", "unix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, _, err := parseArgs(tt.argv, io.Discard)
			if err != nil {
				t.Fatal(err)
			}
			address, network, err := resolveTarget(opts)
			if err != nil || address != tt.address || network != tt.network {
				t.Errorf("resolveTarget = %s %s %v, want %s %s", address, network, err, tt.address, tt.network)
			}
		})
	}
}

func TestConfigHelpMentionsYAML(t *testing.T) {
	var stderr bytes.Buffer
	if _, _, err := parseArgs([]string{"--help"}, &stderr); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("--help: %v", err)
	}
	if !strings.Contains(stderr.String(), "YAML") {
		t.Errorf("--config help does not mention YAML:\n%s", stderr.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" INFO ", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"none", zerolog.Disabled},
		{"trace", zerolog.TraceLevel},
		{"garbage", zerolog.WarnLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWatchFilter(t *testing.T) {
	if watchFilter([]string{"STOP", "*"}) != nil {
		t.Error("* should select every event")
	}
	f := watchFilter([]string{"STOP"})
	if !f(&qmp.Event{Name: "STOP"}) || f(&qmp.Event{Name: "RESUME"}) {
		t.Error("filter mismatch")
	}
}

func TestRunCommand(t *testing.T) {
	path, accept := qmptest.Listen(t)
	var stdout, stderr syncBuffer

	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), []string{
			"--socket", path,
			"--arg", "device=cd0",
			"eject",
		}, &stdout, &stderr)
	}()

	srv := accept()
	srv.Handshake()
	req := srv.Recv()
	if req.Execute != "eject" || string(req.Arguments) != `{"device":"cd0"}` {
		t.Fatalf("unexpected command %s", req.Raw)
	}
	srv.Reply(req, `{"ok": true}`)

	if err := <-done; err != nil {
		t.Fatalf("run: %v (stderr %s)", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"ok": true`) {
		t.Errorf("unexpected output %q", stdout.String())
	}
}

func TestRunServerError(t *testing.T) {
	path, accept := qmptest.Listen(t)

	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), []string{"--socket", path, "stop"}, io.Discard, io.Discard)
	}()

	srv := accept()
	srv.Handshake()
	srv.ReplyError(srv.Recv(), "GenericError", "cannot stop")

	var qe *qmp.Error
	if err := <-done; !errors.As(err, &qe) || qe.Description != "cannot stop" {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestRunWatch(t *testing.T) {
	path, accept := qmptest.Listen(t)
	var stdout syncBuffer

	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), []string{
			"--socket", path,
			"--watch", "SHUTDOWN",
			"system_powerdown",
		}, &stdout, io.Discard)
	}()

	srv := accept()
	srv.Handshake()
	req := srv.Recv()
	// the subscription exists once the command is on the wire
	srv.Event("POWERDOWN", "")
	srv.Reply(req, `{}`)
	srv.Event("SHUTDOWN", `{"guest": true, "reason": "guest-shutdown"}`)
	srv.Close()

	if err := <-done; !errors.Is(err, qmp.ErrConnectionClosed) {
		t.Fatalf("expected closed session, got %v", err)
	}
	out := stdout.String()
	if strings.Contains(out, "POWERDOWN") {
		t.Errorf("filtered event printed: %q", out)
	}
	if !strings.Contains(out, `{"event":"SHUTDOWN","data":{"guest":true,"reason":"guest-shutdown"}`) {
		t.Errorf("missing SHUTDOWN line: %q", out)
	}
}

func TestLoadConfigFileYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "qmpctl.yaml")
	err := os.WriteFile(cfgPath, []byte("tcp: \"127.0.0.1:4444\"\nlenient: true\ncolor: never\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	opts := defaultOptions()
	opts.Socket = "/keep"
	if err := loadConfigFile(cfgPath, &opts); err != nil {
		t.Fatal(err)
	}
	if opts.TCP != "127.0.0.1:4444" || !opts.Lenient || opts.Color != "never" {
		t.Errorf("yaml keys not applied: %+v", opts)
	}
	if opts.Socket != "/keep" || opts.LogLevel != "warn" {
		t.Errorf("absent keys overwritten: %+v", opts)
	}
}

func TestReadArgsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "args.jsonc")
	err := os.WriteFile(path, []byte(`{
	// target drive
	"device": "drive0",
	"sync": "full", /* trailing comma below */
}`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	base, err := readArgsFile(path)
	if err != nil {
		t.Fatal(err)
	}
	args, err := buildArguments(base, []string{"speed=0"})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(args, &got); err != nil {
		t.Fatalf("invalid arguments %s: %v", args, err)
	}
	want := map[string]any{"device": "drive0", "sync": "full", "speed": float64(0)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := readArgsFile(filepath.Join(t.TempDir(), "missing.jsonc")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestUseColor(t *testing.T) {
	var buf bytes.Buffer
	if !useColor("always", &buf) {
		t.Error("always should color")
	}
	if useColor("never", &buf) || useColor("auto", &buf) {
		t.Error("a buffer is not a terminal")
	}
}
