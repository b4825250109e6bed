package mux

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/muxsession/internal/correlation"
	"github.com/danmuck/muxsession/internal/coresvc"
	"github.com/danmuck/muxsession/internal/observability"
	"github.com/danmuck/muxsession/internal/protocol/core"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
)

// OnEnvelope routes one inbound envelope. The returned error reports why
// it was dropped; it is already logged and never ends the session.
func (s *Session) OnEnvelope(ctx context.Context, env envelope.Envelope) error {
	if s.closed() {
		return ErrSessionClosed
	}
	observability.RecordEnvelope("in", env.Kind.Tag().String())
	switch env.Kind.Tag() {
	case envelope.TagRequest:
		return s.routeRequest(ctx, env)
	case envelope.TagResponse:
		return s.routeResponse(env)
	case envelope.TagEvent:
		s.routeEvent(env)
		return nil
	default:
		observability.RecordDrop(observability.DropDecode)
		s.log.Warn().Str("kind", env.Kind.String()).Msg("mux.Session.OnEnvelope invalid kind")
		return fmt.Errorf("%w: kind %s", ErrInvalidEnvelope, env.Kind)
	}
}

func (s *Session) routeRequest(ctx context.Context, env envelope.Envelope) error {
	id, err := env.RequestID()
	if err != nil {
		return err
	}
	if env.Service == envelope.CoreService {
		return s.routeCore(ctx, id, env)
	}

	h := s.handlers.Lookup(env.Service)
	if h == nil {
		observability.RecordDrop(observability.DropNoHandler)
		s.log.Warn().
			Uint64("request_id", uint64(id)).
			Str("target", env.Target().String()).
			Msg("mux.Session.routeRequest no handler; dropped")
		return fmt.Errorf("%w: %d", ErrNoHandler, env.Service)
	}
	if err := s.recordInbound(id, env); err != nil {
		return err
	}
	go h.ServeEnvelope(ctx, s, env)
	return nil
}

func (s *Session) routeCore(ctx context.Context, id envelope.RequestID, env envelope.Envelope) error {
	req, err := core.DecodeRequest(env.Content)
	if err != nil {
		observability.RecordDrop(observability.DropInvalidCore)
		s.log.Warn().Err(err).Uint64("request_id", uint64(id)).Msg("mux.Session.routeCore decode; dropped")
		return err
	}
	if err := s.recordInbound(id, env); err != nil {
		return err
	}
	// State changes apply in arrival order on the loop; only directory
	// lookups and the reply writes leave it.
	if coresvc.Blocking(req.Op) {
		go func() {
			s.reply(ctx, env, req, s.answer(ctx, req))
		}()
		return nil
	}
	resp := s.answer(ctx, req)
	go s.reply(ctx, env, req, resp)
	return nil
}

func (s *Session) answer(ctx context.Context, req core.Request) core.Response {
	resp := s.core.Handle(ctx, req, s.remote)
	observability.RecordCoreRequest(req.Op.String(), resp.Success)
	s.log.Debug().
		Stringer("op", req.Op).
		Bool("success", resp.Success).
		Uint32("service", uint32(resp.Service)).
		Msg("mux.Session.answer")
	return resp
}

func (s *Session) reply(ctx context.Context, env envelope.Envelope, req core.Request, resp core.Response) {
	content, err := core.EncodeResponse(resp)
	if err != nil {
		s.log.Error().Err(err).Stringer("op", req.Op).Msg("mux.Session.reply encode response")
		id, _ := env.RequestID()
		s.inbound.Cancel(id)
		return
	}
	reply, err := envelope.ReplyTo(env, content)
	if err != nil {
		s.log.Error().Err(err).Msg("mux.Session.reply")
		return
	}
	if err := s.Submit(ctx, reply); err != nil && !s.closed() {
		s.log.Debug().Err(err).Stringer("op", req.Op).Msg("mux.Session.reply submit")
	}
}

// recordInbound books a peer request so the local reply can be validated.
func (s *Session) recordInbound(id envelope.RequestID, env envelope.Envelope) error {
	err := s.inbound.Register(id, env.Target(), nil)
	if err == nil {
		return nil
	}
	if errors.Is(err, correlation.ErrDuplicateRequest) {
		observability.RecordDrop(observability.DropDuplicate)
		s.log.Error().
			Uint64("request_id", uint64(id)).
			Str("target", env.Target().String()).
			Msg("mux.Session peer reused an in-flight request id; dropped")
	}
	return err
}

func (s *Session) routeResponse(env envelope.Envelope) error {
	id, err := env.ResponseID()
	if err != nil {
		return err
	}
	err = s.outbound.ResolveTarget(id, env.Target(), env.Content)
	if err == nil {
		return nil
	}
	observability.RecordDrop(observability.DropUnknownRequest)
	switch {
	case errors.Is(err, correlation.ErrClosed):
		s.log.Error().Uint64("request_id", uint64(id)).Msg("mux.Session.routeResponse into closed table")
	case errors.Is(err, correlation.ErrTargetMismatch):
		s.log.Warn().Err(err).Msg("mux.Session.routeResponse target mismatch; dropped")
	default:
		s.log.Debug().Err(err).Str("target", env.Target().String()).Msg("mux.Session.routeResponse unknown request; dropped")
	}
	return err
}

// routeEvent delivers to local listeners in registration order. The
// peer's own subscription is skipped so events are never echoed back.
func (s *Session) routeEvent(env envelope.Envelope) {
	key, err := env.EventKey()
	if err != nil {
		return
	}
	for _, l := range s.registry.ListenersFor(key) {
		if l.Handle == s.remote.Handle {
			continue
		}
		l.Sink.Deliver(env)
	}
}
