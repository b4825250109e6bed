package services

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/muxsession/internal/directory"
	"github.com/danmuck/muxsession/internal/mux"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/danmuck/muxsession/internal/protocol/session"
	"github.com/danmuck/muxsession/internal/registry"
	"github.com/danmuck/muxsession/internal/testutil/testlog"
)

func TestServiceRegistryInstall(t *testing.T) {
	testlog.Start(t)
	reg := Defaults()
	if names := reg.Names(); len(names) != 2 || names[0] != CounterName || names[1] != EchoName {
		t.Fatalf("unexpected builtins: %v", names)
	}

	m := mux.NewServiceMux()
	installed, err := reg.Install(m, directory.Bindings{"echo": 4}, []string{"echo", "counter"})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(installed) != 1 || installed[0] != EchoName {
		t.Fatalf("installed: %v", installed)
	}
	if m.Lookup(4) == nil {
		t.Fatalf("echo not installed under bound id")
	}
	if _, err := reg.Install(m, directory.Bindings{}, []string{"missing"}); err == nil {
		t.Fatalf("expected unknown builtin error")
	}
	if _, err := reg.Install(m, directory.Bindings{"echo": 0}, []string{"echo"}); err == nil {
		t.Fatalf("expected reserved service error")
	}
}

func servePair(t *testing.T, bindings directory.Bindings) (server, client *mux.Session) {
	t.Helper()
	st, err := directory.NewStatic(bindings)
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	m := mux.NewServiceMux()
	if _, err := Defaults().Install(m, bindings, []string{EchoName, CounterName}); err != nil {
		t.Fatalf("install: %v", err)
	}
	a, b := net.Pipe()
	cfg := session.DefaultConfig()
	server = mux.NewSession(session.NewStreamTransport(a, cfg), mux.Options{Config: cfg, Resolver: st, Handlers: m})
	client = mux.NewSession(session.NewStreamTransport(b, cfg), mux.Options{Config: cfg})
	go func() { _ = server.Run(context.Background()) }()
	go func() { _ = client.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func TestEchoBuiltin(t *testing.T) {
	testlog.Start(t)
	_, client := servePair(t, directory.Bindings{"echo": 1})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, ok, err := client.GetService(ctx, EchoName)
	if err != nil || !ok {
		t.Fatalf("get echo: %v %v", ok, err)
	}
	got, err := client.Call(ctx, envelope.Target{Service: id}, []byte("hello"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("echo: %q %v", got, err)
	}
}

func TestCounterBuiltinRaisesEvent(t *testing.T) {
	testlog.Start(t)
	_, client := servePair(t, directory.Bindings{"counter": 2})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, ok, err := client.GetService(ctx, CounterName)
	if err != nil || !ok {
		t.Fatalf("get counter: %v %v", ok, err)
	}
	key := envelope.EventKey{Service: id, Object: 0, Event: CounterChanged}
	events := make(chan envelope.Envelope, 4)
	if _, err := client.Subscribe(ctx, key, registry.SinkFunc(func(env envelope.Envelope) { events <- env })); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for want := 1; want <= 2; want++ {
		got, err := client.Call(ctx, key.Target(), nil)
		if err != nil {
			t.Fatalf("call %d: %v", want, err)
		}
		if string(got) != string(rune('0'+want)) {
			t.Fatalf("count %d: got %q", want, got)
		}
		select {
		case env := <-events:
			if string(env.Content) != string(got) {
				t.Fatalf("event content %q, reply %q", env.Content, got)
			}
		case <-ctx.Done():
			t.Fatalf("counter event %d not delivered", want)
		}
	}
}

func TestCounterForgetsClosedSession(t *testing.T) {
	testlog.Start(t)
	counter := NewCounter()
	m := mux.NewServiceMux()
	if err := m.Handle(2, counter); err != nil {
		t.Fatalf("handle: %v", err)
	}
	a, b := net.Pipe()
	cfg := session.DefaultConfig()
	server := mux.NewSession(session.NewStreamTransport(a, cfg), mux.Options{Config: cfg, Handlers: m})
	client := mux.NewSession(session.NewStreamTransport(b, cfg), mux.Options{Config: cfg})
	go func() { _ = server.Run(context.Background()) }()
	go func() { _ = client.Run(context.Background()) }()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Call(ctx, envelope.Target{Service: 2, Object: 5}, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if counter.Len() != 1 {
		t.Fatalf("expected one count, got %d", counter.Len())
	}
	_ = server.Close()
	deadline := time.Now().Add(2 * time.Second)
	for counter.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("counts survived session close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
