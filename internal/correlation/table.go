// Package correlation matches asynchronous responses to the requests that
// caused them.
//
// A Table is keyed by RequestID only. Target is recorded so callers can
// validate an incoming response's (service, object) before resolving, and
// so an object release can sweep every call scoped to it.
package correlation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrDuplicateRequest = errors.New("correlation: duplicate request")
	ErrUnknownRequest   = errors.New("correlation: unknown request")
	ErrTargetMismatch   = errors.New("correlation: target mismatch")
	ErrExhausted        = errors.New("correlation: request ids exhausted")
	ErrClosed           = errors.New("correlation: table closed")
	ErrCancelled        = errors.New("correlation: call cancelled")
)

// Completion receives the outcome of a pending call exactly once.
type Completion interface {
	Complete(payload []byte, err error)
}

// CompletionFunc adapts a function into a Completion.
type CompletionFunc func(payload []byte, err error)

func (f CompletionFunc) Complete(payload []byte, err error) {
	f(payload, err)
}

// PendingCall is owned by the table from Register until it is resolved,
// cancelled, swept by scope, or failed by Close.
type PendingCall struct {
	ID         envelope.RequestID
	Target     envelope.Target
	IssuedAt   time.Time
	Completion Completion
}

type Option func(*Table)

// WithLimit caps outstanding calls; Issue and Register fail with ErrExhausted
// at the cap. Zero means unbounded.
func WithLimit(n int) Option {
	return func(t *Table) { t.limit = n }
}

// WithName labels log lines from this table.
func WithName(name string) Option {
	return func(t *Table) { t.name = name }
}

func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

type Table struct {
	mu      sync.Mutex
	next    envelope.RequestID
	pending map[envelope.RequestID]PendingCall
	closed  bool
	limit   int
	name    string
	now     func() time.Time
}

func NewTable(opts ...Option) *Table {
	t := &Table{
		pending: make(map[envelope.RequestID]PendingCall),
		name:    "table",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Issue returns an id that is not outstanding. Ids count up from 1 and wrap
// past the max back to 1, skipping occupied ids. 0 is never issued.
func (t *Table) Issue() (envelope.RequestID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.logClosed("Issue")
		return 0, ErrClosed
	}
	if t.limit > 0 && len(t.pending) >= t.limit {
		return 0, fmt.Errorf("%w: %d outstanding", ErrExhausted, len(t.pending))
	}
	// At most len(pending) ids are occupied, so len+1 probes always find one.
	for probes := 0; probes <= len(t.pending); probes++ {
		t.next++
		if t.next == 0 {
			t.next = 1
		}
		if _, busy := t.pending[t.next]; !busy {
			return t.next, nil
		}
	}
	return 0, ErrExhausted
}

func (t *Table) Register(id envelope.RequestID, target envelope.Target, c Completion) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.logClosed("Register")
		return ErrClosed
	}
	if _, exists := t.pending[id]; exists {
		log.Error().
			Str("table", t.name).
			Uint64("request_id", uint64(id)).
			Msg("correlation.Register duplicate request id")
		return fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
	}
	if t.limit > 0 && len(t.pending) >= t.limit {
		return fmt.Errorf("%w: %d outstanding", ErrExhausted, len(t.pending))
	}
	t.pending[id] = PendingCall{ID: id, Target: target, IssuedAt: t.now(), Completion: c}
	return nil
}

// Resolve completes and removes the call. State is unchanged on error.
func (t *Table) Resolve(id envelope.RequestID, payload []byte) error {
	call, err := t.take(id, nil)
	if err != nil {
		return err
	}
	complete(call, payload, nil)
	return nil
}

// ResolveTarget resolves only when the recorded target equals target.
// A mismatch leaves the call pending and reports ErrUnknownRequest.
func (t *Table) ResolveTarget(id envelope.RequestID, target envelope.Target, payload []byte) error {
	call, err := t.take(id, &target)
	if err != nil {
		return err
	}
	complete(call, payload, nil)
	return nil
}

// Take removes and returns the call when its target matches, without
// completing it.
func (t *Table) Take(id envelope.RequestID, target envelope.Target) (PendingCall, error) {
	return t.take(id, &target)
}

func (t *Table) take(id envelope.RequestID, target *envelope.Target) (PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.logClosed("Resolve")
		return PendingCall{}, ErrClosed
	}
	call, ok := t.pending[id]
	if !ok {
		return PendingCall{}, fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	}
	if target != nil && call.Target != *target {
		return PendingCall{}, fmt.Errorf("%w: %d: %w: recorded=%s got=%s",
			ErrUnknownRequest, id, ErrTargetMismatch, call.Target, *target)
	}
	delete(t.pending, id)
	return call, nil
}

// Cancel removes the call and hands it back. The caller signals whoever
// waits on it. The loser of a cancel/resolve race sees not-found.
func (t *Table) Cancel(id envelope.RequestID) (PendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return call, ok
}

func (t *Table) Lookup(id envelope.RequestID) (PendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.pending[id]
	return call, ok
}

// CancelScope removes every call addressed to target, in id order.
func (t *Table) CancelScope(target envelope.Target) []PendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PendingCall
	for _, id := range t.sortedIDs() {
		call := t.pending[id]
		if call.Target == target {
			out = append(out, call)
			delete(t.pending, id)
		}
	}
	return out
}

// Close fails every pending call with err (ErrClosed when nil). Later
// operations return ErrClosed. Close returns the number of calls failed.
func (t *Table) Close(err error) int {
	if err == nil {
		err = ErrClosed
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	calls := make([]PendingCall, 0, len(t.pending))
	for _, id := range t.sortedIDs() {
		calls = append(calls, t.pending[id])
	}
	t.pending = make(map[envelope.RequestID]PendingCall)
	t.mu.Unlock()

	for _, call := range calls {
		complete(call, nil, err)
	}
	return len(calls)
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Snapshot returns pending calls in id order.
func (t *Table) Snapshot() []PendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingCall, 0, len(t.pending))
	for _, id := range t.sortedIDs() {
		out = append(out, t.pending[id])
	}
	return out
}

func (t *Table) sortedIDs() []envelope.RequestID {
	ids := maps.Keys(t.pending)
	slices.Sort(ids)
	return ids
}

func (t *Table) logClosed(op string) {
	log.Error().Str("table", t.name).Str("op", op).Msg("correlation.Table use after close")
}

func complete(call PendingCall, payload []byte, err error) {
	if call.Completion != nil {
		call.Completion.Complete(payload, err)
	}
}
