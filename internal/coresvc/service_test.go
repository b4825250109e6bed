package coresvc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/muxsession/internal/correlation"
	"github.com/danmuck/muxsession/internal/directory"
	"github.com/danmuck/muxsession/internal/protocol/core"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/danmuck/muxsession/internal/registry"
	"github.com/danmuck/muxsession/internal/testutil/testlog"
)

func newService(t *testing.T, b directory.Bindings, opts ...Option) (*Service, *registry.Registry) {
	t.Helper()
	st, err := directory.NewStatic(b)
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	reg := registry.New()
	return New(st, reg, opts...), reg
}

func recordingPeer(reg *registry.Registry) (Peer, *[]envelope.Envelope, *sync.Mutex) {
	var mu sync.Mutex
	var got []envelope.Envelope
	sink := registry.SinkFunc(func(env envelope.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})
	return Peer{Handle: reg.NewHandle(), Sink: sink}, &got, &mu
}

func TestGetServiceBoundAndUnbound(t *testing.T) {
	testlog.Start(t)
	svc, reg := newService(t, directory.Bindings{"settings": 7})

	resp := svc.GetService(context.Background(), "settings")
	if !resp.Success || resp.Service != 7 || resp.Op != core.OpGetService {
		t.Fatalf("bound lookup: %+v", resp)
	}
	if !reg.HasObject(envelope.Target{Service: 7, Object: 0}) {
		t.Fatalf("root object not registered")
	}

	resp = svc.GetService(context.Background(), "nope")
	if resp.Success || resp.Service != 0 {
		t.Fatalf("unbound lookup: %+v", resp)
	}
}

func TestHasServiceHasNoSideEffect(t *testing.T) {
	testlog.Start(t)
	svc, reg := newService(t, directory.Bindings{"settings": 7})
	if resp := svc.HasService(context.Background(), "settings"); !resp.Success {
		t.Fatalf("expected success: %+v", resp)
	}
	if resp := svc.HasService(context.Background(), "nope"); resp.Success {
		t.Fatalf("expected failure: %+v", resp)
	}
	if len(reg.Objects()) != 0 {
		t.Fatalf("HasService registered objects: %v", reg.Objects())
	}
}

func TestEnableEventScenario(t *testing.T) {
	testlog.Start(t)
	svc, reg := newService(t, nil)
	peer, got, mu := recordingPeer(reg)
	key := envelope.EventKey{Service: 7, Object: 3, Event: 1}

	if resp := svc.EnableEvent(key, peer); resp.Success {
		t.Fatalf("enable on missing object must fail: %+v", resp)
	}
	reg.RegisterObject(key.Target())
	if resp := svc.EnableEvent(key, peer); !resp.Success {
		t.Fatalf("enable after register: %+v", resp)
	}
	if resp := svc.EnableEvent(key, peer); resp.Success {
		t.Fatalf("second enable must report false: %+v", resp)
	}

	for _, l := range reg.ListenersFor(key) {
		l.Sink.Deliver(envelope.NewEvent(key, []byte("changed")))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 || string((*got)[0].Content) != "changed" {
		t.Fatalf("expected exactly one delivery, got %+v", *got)
	}
}

func TestDisableEventIdempotent(t *testing.T) {
	testlog.Start(t)
	svc, reg := newService(t, nil)
	peer, _, _ := recordingPeer(reg)
	key := envelope.EventKey{Service: 7, Object: 3, Event: 1}
	if resp := svc.DisableEvent(key, peer); resp.Success {
		t.Fatalf("disable on missing object: %+v", resp)
	}
	reg.RegisterObject(key.Target())
	svc.EnableEvent(key, peer)
	if resp := svc.DisableEvent(key, peer); !resp.Success {
		t.Fatalf("disable: %+v", resp)
	}
	if resp := svc.DisableEvent(key, peer); resp.Success {
		t.Fatalf("second disable must report false: %+v", resp)
	}
	if !reg.HasObject(key.Target()) || len(reg.ListenersFor(key)) != 0 {
		t.Fatalf("registry state corrupted")
	}
}

func TestConcurrentReleaseOneSucceeds(t *testing.T) {
	testlog.Start(t)
	var hooks atomic.Int32
	svc, reg := newService(t, nil, WithReleaseHook(func(registry.Released) { hooks.Add(1) }))
	target := envelope.Target{Service: 7, Object: 3}
	reg.RegisterObject(target)

	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.ReleaseObject(target).Success
		}()
	}
	wg.Wait()
	close(results)
	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 || hooks.Load() != 1 {
		t.Fatalf("wins=%d hooks=%d", wins, hooks.Load())
	}
}

func TestReleaseCancelsScopedCalls(t *testing.T) {
	testlog.Start(t)
	tbl := correlation.NewTable()
	st, _ := directory.NewStatic(nil)
	reg := registry.New(tbl)
	svc := New(st, reg)
	target := envelope.Target{Service: 7, Object: 3}
	reg.RegisterObject(target)
	_ = tbl.Register(42, target, correlation.NewWaiter())

	if resp := svc.ReleaseObject(target); !resp.Success {
		t.Fatalf("release: %+v", resp)
	}
	if err := tbl.Resolve(42, nil); !errors.Is(err, correlation.ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestLookupsAreCoalesced(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	release := make(chan struct{})
	resolver := directory.ResolverFunc(func(ctx context.Context, name string) (envelope.ServiceID, bool, error) {
		calls.Add(1)
		<-release
		return 7, true, nil
	})
	svc := New(resolver, registry.New())

	var wg sync.WaitGroup
	resps := make([]core.Response, 4)
	for i := range resps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resps[i] = svc.GetService(context.Background(), "settings")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if calls.Load() != 1 {
		t.Fatalf("expected one resolver call, got %d", calls.Load())
	}
	for i, r := range resps {
		if !r.Success || r.Service != 7 {
			t.Fatalf("resp[%d]=%+v", i, r)
		}
	}
}

func TestResolverTimeoutAndErrors(t *testing.T) {
	testlog.Start(t)
	slow := directory.ResolverFunc(func(ctx context.Context, name string) (envelope.ServiceID, bool, error) {
		<-ctx.Done()
		return 0, false, ctx.Err()
	})
	svc := New(slow, registry.New(), WithResolveTimeout(20*time.Millisecond))
	if resp := svc.GetService(context.Background(), "settings"); resp.Success || resp.Service != 0 {
		t.Fatalf("timeout must answer {false,0}: %+v", resp)
	}

	reserved := directory.ResolverFunc(func(context.Context, string) (envelope.ServiceID, bool, error) {
		return envelope.CoreService, true, nil
	})
	svc = New(reserved, registry.New())
	if resp := svc.GetService(context.Background(), "core"); resp.Success {
		t.Fatalf("reserved id must fail: %+v", resp)
	}
}

func TestHandleDispatchesByOp(t *testing.T) {
	testlog.Start(t)
	svc, reg := newService(t, directory.Bindings{"settings": 7})
	peer, _, _ := recordingPeer(reg)
	ctx := context.Background()

	if r := svc.Handle(ctx, core.GetService("settings"), peer); !r.Success || r.Service != 7 {
		t.Fatalf("get: %+v", r)
	}
	key := envelope.EventKey{Service: 7, Object: 0, Event: 2}
	if r := svc.Handle(ctx, core.EnableEvent(key), peer); !r.Success || r.Op != core.OpEnableEvent {
		t.Fatalf("enable: %+v", r)
	}
	if r := svc.Handle(ctx, core.DisableEvent(key), peer); !r.Success {
		t.Fatalf("disable: %+v", r)
	}
	if r := svc.Handle(ctx, core.ReleaseObject(key.Target()), peer); !r.Success {
		t.Fatalf("release: %+v", r)
	}
	if r := svc.Handle(ctx, core.HasService("settings"), peer); !r.Success {
		t.Fatalf("has: %+v", r)
	}
	if !Blocking(core.OpGetService) || Blocking(core.OpReleaseObject) {
		t.Fatalf("blocking classification wrong")
	}
}
