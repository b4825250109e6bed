package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/muxsession/internal/correlation"
	"github.com/danmuck/muxsession/internal/observability"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/danmuck/muxsession/internal/protocol/frame"
	"github.com/danmuck/muxsession/internal/registry"
)

var encodeBufs = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 256)
		return &b
	},
}

// write encodes env into a pooled buffer and sends it as one frame.
func (s *Session) write(env envelope.Envelope) error {
	if s.closed() {
		return ErrSessionClosed
	}
	bp := encodeBufs.Get().(*[]byte)
	buf := envelope.AppendEncode((*bp)[:0], env)
	err := s.t.WriteFrame(frame.Frame{
		Header:  frame.Header{MessageType: frame.TypeEnvelope},
		Payload: buf,
	})
	*bp = buf
	encodeBufs.Put(bp)
	if err != nil {
		return err
	}
	observability.RecordEnvelope("out", env.Kind.Tag().String())
	return nil
}

// NewRequest issues a RequestID not currently outstanding on this session.
func (s *Session) NewRequest() (envelope.RequestID, error) {
	return s.outbound.Issue()
}

// Expect registers c to receive the Response to id from target.
func (s *Session) Expect(id envelope.RequestID, target envelope.Target, c correlation.Completion) error {
	return s.outbound.Register(id, target, c)
}

// Submit sends env to the peer.
//   - Request: booked in the outbound table if not already expected; a
//     request nobody expects has its response resolved and discarded.
//   - Response: must answer a pending inbound request for the same target.
//   - Event: sent as is.
//
// A request whose write fails is cancelled and its completion failed.
func (s *Session) Submit(ctx context.Context, env envelope.Envelope) error {
	if s.closed() {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	switch env.Kind.Tag() {
	case envelope.TagRequest:
		id, _ := env.RequestID()
		if call, ok := s.outbound.Lookup(id); ok {
			if call.Target != env.Target() {
				return fmt.Errorf("%w: request %d expected for %s, sent to %s",
					correlation.ErrTargetMismatch, id, call.Target, env.Target())
			}
		} else if err := s.outbound.Register(id, env.Target(), nil); err != nil {
			return err
		}
		if err := s.write(env); err != nil {
			if call, ok := s.outbound.Cancel(id); ok && call.Completion != nil {
				call.Completion.Complete(nil, err)
			}
			return err
		}
		return nil
	case envelope.TagResponse:
		id, _ := env.ResponseID()
		if _, err := s.inbound.Take(id, env.Target()); err != nil {
			observability.RecordDrop(observability.DropUnsolicited)
			s.log.Debug().Err(err).Uint64("request_id", uint64(id)).Msg("mux.Session.Submit response discarded")
			return fmt.Errorf("%w: %w", ErrUnsolicitedResponse, err)
		}
		return s.write(env)
	case envelope.TagEvent:
		return s.write(env)
	default:
		return fmt.Errorf("%w: kind %s", ErrInvalidEnvelope, env.Kind)
	}
}

// Call sends payload to target and waits for the Response. When ctx ends
// first the call is cancelled; if the response won that race, its result
// is returned instead.
func (s *Session) Call(ctx context.Context, target envelope.Target, payload []byte) ([]byte, error) {
	start := time.Now()
	id, err := s.NewRequest()
	if err != nil {
		return nil, err
	}
	w := correlation.NewWaiter()
	if err := s.Expect(id, target, w); err != nil {
		return nil, err
	}
	req := envelope.Envelope{
		Service: target.Service,
		Object:  target.Object,
		Kind:    envelope.Request(id),
		Content: payload,
	}
	if err := s.Submit(ctx, req); err != nil {
		s.outbound.Cancel(id)
		observability.RecordCall("error", time.Since(start))
		return nil, err
	}

	resp, err := w.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		if call, ok := s.outbound.Cancel(id); ok {
			call.Completion.Complete(nil, correlation.ErrCancelled)
			observability.RecordCall("cancelled", time.Since(start))
			return nil, ctxErr
		}
		resp, err = w.Wait(context.Background())
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.RecordCall(outcome, time.Since(start))
	return resp, err
}

// Notify raises a local event: every listener on key receives it, the
// peer included when it enabled the key. It returns the listener count.
func (s *Session) Notify(key envelope.EventKey, payload []byte) int {
	env := envelope.NewEvent(key, payload)
	listeners := s.registry.ListenersFor(key)
	for _, l := range listeners {
		l.Sink.Deliver(env)
	}
	return len(listeners)
}

// Listen registers a local listener on key. sink is fed through its own
// bounded mailbox.
func (s *Session) Listen(key envelope.EventKey, sink registry.Sink) (registry.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boxes == nil {
		return 0, ErrSessionClosed
	}
	h := s.registry.NewHandle()
	box := newMailbox(s.cfg.MailboxDepth, h, sink.Deliver, s.log)
	if err := s.registry.AddListener(key, h, box); err != nil {
		box.close()
		return 0, err
	}
	s.boxes[h] = box
	return h, nil
}

func (s *Session) Unlisten(key envelope.EventKey, h registry.Handle) error {
	if _, err := s.registry.RemoveListener(key, h); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.boxes[h]; ok {
		b.close()
		delete(s.boxes, h)
	}
	return nil
}

// RegisterObject makes target live on this session. It reports false if
// it already was.
func (s *Session) RegisterObject(target envelope.Target) bool {
	return s.registry.RegisterObject(target)
}

// ReleaseObject releases target locally with the full cascade.
func (s *Session) ReleaseObject(target envelope.Target) bool {
	return s.core.ReleaseObject(target).Success
}

// localListeners counts listeners on key other than the peer's.
func (s *Session) localListeners(key envelope.EventKey) int {
	n := 0
	for _, l := range s.registry.ListenersFor(key) {
		if l.Handle != s.remote.Handle {
			n++
		}
	}
	return n
}
