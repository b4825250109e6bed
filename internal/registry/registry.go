// Package registry tracks live (service, object) pairs and the listeners
// registered on their event categories.
//
// Listeners for one key are kept in registration order and ListenersFor
// returns them in that order; that is the delivery order for fan-out.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/muxsession/internal/correlation"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrNoSuchObject   = errors.New("registry: no such object")
	ErrNotRegistered  = errors.New("registry: listener not registered")
	ErrListenerExists = errors.New("registry: listener already registered")
	ErrObjectReleased = errors.New("registry: object released")
)

// Handle identifies one listener.
type Handle uint64

// Sink receives event envelopes for a listener. Deliver must not block.
type Sink interface {
	Deliver(env envelope.Envelope)
}

type SinkFunc func(env envelope.Envelope)

func (f SinkFunc) Deliver(env envelope.Envelope) {
	f(env)
}

type Listener struct {
	Key    envelope.EventKey
	Handle Handle
	Sink   Sink
}

// Canceler sweeps pending calls scoped to a released object.
type Canceler interface {
	CancelScope(target envelope.Target) []correlation.PendingCall
}

// Released describes what a release cascaded to.
type Released struct {
	Target    envelope.Target
	Listeners []Listener
	Calls     []correlation.PendingCall
}

type object struct {
	listeners map[envelope.EventID][]Listener
}

type Registry struct {
	mu        sync.RWMutex
	objects   map[envelope.Target]*object
	cancelers []Canceler
	handles   atomic.Uint64
}

func New(cancelers ...Canceler) *Registry {
	return &Registry{
		objects:   make(map[envelope.Target]*object),
		cancelers: cancelers,
	}
}

// NewHandle returns a handle unique within this registry.
func (r *Registry) NewHandle() Handle {
	return Handle(r.handles.Add(1))
}

// RegisterObject marks target live. It reports false if it already was.
func (r *Registry) RegisterObject(target envelope.Target) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[target]; ok {
		return false
	}
	r.objects[target] = &object{listeners: make(map[envelope.EventID][]Listener)}
	return true
}

func (r *Registry) HasObject(target envelope.Target) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.objects[target]
	return ok
}

// ReleaseObject removes target with its listeners and fails pending calls
// scoped to it with ErrObjectReleased. Exactly one of several concurrent
// releases of the same target reports true.
func (r *Registry) ReleaseObject(target envelope.Target) (Released, bool) {
	r.mu.Lock()
	obj, ok := r.objects[target]
	if !ok {
		r.mu.Unlock()
		return Released{}, false
	}
	delete(r.objects, target)
	out := Released{Target: target, Listeners: obj.all()}
	for _, c := range r.cancelers {
		out.Calls = append(out.Calls, c.CancelScope(target)...)
	}
	r.mu.Unlock()

	for _, call := range out.Calls {
		if call.Completion != nil {
			call.Completion.Complete(nil, fmt.Errorf("%w: %s", ErrObjectReleased, target))
		}
	}
	log.Debug().
		Str("target", target.String()).
		Int("listeners", len(out.Listeners)).
		Int("calls", len(out.Calls)).
		Msg("registry.ReleaseObject")
	return out, true
}

func (r *Registry) AddListener(key envelope.EventKey, handle Handle, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[key.Target()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchObject, key.Target())
	}
	for _, l := range obj.listeners[key.Event] {
		if l.Handle == handle {
			return fmt.Errorf("%w: %s handle=%d", ErrListenerExists, key, handle)
		}
	}
	obj.listeners[key.Event] = append(obj.listeners[key.Event], Listener{Key: key, Handle: handle, Sink: sink})
	return nil
}

func (r *Registry) RemoveListener(key envelope.EventKey, handle Handle) (Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[key.Target()]
	if !ok {
		return Listener{}, fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	ls := obj.listeners[key.Event]
	for i, l := range ls {
		if l.Handle != handle {
			continue
		}
		rest := slices.Delete(slices.Clone(ls), i, i+1)
		if len(rest) == 0 {
			delete(obj.listeners, key.Event)
		} else {
			obj.listeners[key.Event] = rest
		}
		return l, nil
	}
	return Listener{}, fmt.Errorf("%w: %s handle=%d", ErrNotRegistered, key, handle)
}

// ListenersFor returns a copy in registration order; empty when none.
func (r *Registry) ListenersFor(key envelope.EventKey) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[key.Target()]
	if !ok {
		return nil
	}
	return slices.Clone(obj.listeners[key.Event])
}

// Objects returns live targets ordered by (service, object).
func (r *Registry) Objects() []envelope.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := maps.Keys(r.objects)
	slices.SortFunc(out, compareTargets)
	return out
}

func (r *Registry) ListenerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, obj := range r.objects {
		for _, ls := range obj.listeners {
			n += len(ls)
		}
	}
	return n
}

// Reset drops every object and returns all listeners that were registered.
// Pending calls are not swept; session teardown closes its tables instead.
func (r *Registry) Reset() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := maps.Keys(r.objects)
	slices.SortFunc(targets, compareTargets)
	var out []Listener
	for _, t := range targets {
		out = append(out, r.objects[t].all()...)
	}
	r.objects = make(map[envelope.Target]*object)
	return out
}

func (o *object) all() []Listener {
	events := maps.Keys(o.listeners)
	slices.Sort(events)
	var out []Listener
	for _, ev := range events {
		out = append(out, o.listeners[ev]...)
	}
	return out
}

func compareTargets(a, b envelope.Target) int {
	switch {
	case a.Service != b.Service:
		if a.Service < b.Service {
			return -1
		}
		return 1
	case a.Object < b.Object:
		return -1
	case a.Object > b.Object:
		return 1
	default:
		return 0
	}
}
