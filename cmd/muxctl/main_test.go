package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/muxsession/internal/directory"
	"github.com/danmuck/muxsession/internal/mux"
	"github.com/danmuck/muxsession/internal/services"
	"github.com/danmuck/muxsession/internal/testutil/testlog"
)

func startServer(t *testing.T) string {
	t.Helper()
	bindings := directory.Bindings{"echo": 1}
	st, err := directory.NewStatic(bindings)
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	handlers := mux.NewServiceMux()
	if _, err := services.Defaults().Install(handlers, bindings, []string{services.EchoName}); err != nil {
		t.Fatalf("install: %v", err)
	}
	srv := mux.NewServer(mux.ServerOptions{Resolver: st, Handlers: handlers})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Shutdown()
	})
	return ln.Addr().String()
}

func TestParseCommand(t *testing.T) {
	testlog.Start(t)
	cmd, err := parseCommand([]string{"listen", "7", "3", "1"})
	if err != nil {
		t.Fatalf("parse listen: %v", err)
	}
	if cmd.target.Service != 7 || cmd.target.Object != 3 || cmd.event != 1 {
		t.Fatalf("unexpected listen command: %+v", cmd)
	}
	bad := [][]string{
		{"frobnicate"},
		{"get-service"},
		{"release", "7"},
		{"call", "x", "1"},
		{"listen", "7", "3", "-1"},
	}
	for _, args := range bad {
		if _, err := parseCommand(args); !errors.Is(err, ErrUsage) {
			t.Fatalf("%v: expected ErrUsage, got %v", args, err)
		}
	}
}

func TestRunCommands(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)
	ctx := context.Background()

	cases := []struct {
		args []string
		want string
	}{
		{[]string{"get-service", "echo"}, "echo: 1"},
		{[]string{"get-service", "missing"}, "missing: not found"},
		{[]string{"has-service", "echo"}, "echo: true"},
		{[]string{"call", "1", "0", "ping"}, "ping"},
		{[]string{"release", "1", "9"}, "release 1/9: false"},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		args := append([]string{"-addr", addr, "-timeout", "2s"}, tc.args...)
		if err := run(ctx, args, &out); err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		if got := strings.TrimSpace(out.String()); got != tc.want {
			t.Fatalf("%v: got %q want %q", tc.args, got, tc.want)
		}
	}
}

func TestRunRequiresCommand(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := run(ctx, []string{"-addr", "127.0.0.1:1"}, &bytes.Buffer{}); !errors.Is(err, ErrUsage) {
		t.Fatalf("expected ErrUsage, got %v", err)
	}
}
