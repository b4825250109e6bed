package mux

import (
	"context"
	"fmt"

	"github.com/danmuck/muxsession/internal/protocol/core"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/danmuck/muxsession/internal/registry"
)

var coreTarget = envelope.Target{Service: envelope.CoreService, Object: 0}

// CoreCall sends one core request to the peer's registry service.
func (s *Session) CoreCall(ctx context.Context, req core.Request) (core.Response, error) {
	content, err := core.EncodeRequest(req)
	if err != nil {
		return core.Response{}, err
	}
	raw, err := s.Call(ctx, coreTarget, content)
	if err != nil {
		return core.Response{}, err
	}
	resp, err := core.DecodeResponse(raw)
	if err != nil {
		return core.Response{}, err
	}
	if resp.Op != req.Op {
		return core.Response{}, fmt.Errorf("%w: sent %s, got %s", ErrUnexpectedResponse, req.Op, resp.Op)
	}
	return resp, nil
}

// GetService looks name up on the peer. On success the service root
// object is mirrored locally so events from it can be listened to.
func (s *Session) GetService(ctx context.Context, name string) (envelope.ServiceID, bool, error) {
	resp, err := s.CoreCall(ctx, core.GetService(name))
	if err != nil {
		return 0, false, err
	}
	if resp.Success {
		s.registry.RegisterObject(envelope.Target{Service: resp.Service, Object: 0})
	}
	return resp.Service, resp.Success, nil
}

func (s *Session) HasService(ctx context.Context, name string) (bool, error) {
	resp, err := s.CoreCall(ctx, core.HasService(name))
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// ReleaseRemote releases target on the peer and drops the local mirror.
func (s *Session) ReleaseRemote(ctx context.Context, target envelope.Target) (bool, error) {
	resp, err := s.CoreCall(ctx, core.ReleaseObject(target))
	if err != nil {
		return false, err
	}
	s.ReleaseObject(target)
	return resp.Success, nil
}

// Subscribe listens locally on key and asks the peer to forward the
// event. The peer is asked only for the first local listener on key.
func (s *Session) Subscribe(ctx context.Context, key envelope.EventKey, sink registry.Sink) (registry.Handle, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	first := s.localListeners(key) == 0
	created := s.registry.RegisterObject(key.Target())
	h, err := s.Listen(key, sink)
	if err == nil && first {
		var resp core.Response
		resp, err = s.CoreCall(ctx, core.EnableEvent(key))
		if err == nil && !resp.Success {
			err = fmt.Errorf("%w: %s", ErrSubscribeRejected, key)
		}
		if err != nil {
			_ = s.Unlisten(key, h)
		}
	}
	if err != nil {
		// the mirror only exists for this subscription
		if created {
			s.registry.ReleaseObject(key.Target())
		}
		return 0, err
	}
	return h, nil
}

// Unsubscribe removes a Subscribe listener; the last one on key also
// disables forwarding on the peer.
func (s *Session) Unsubscribe(ctx context.Context, key envelope.EventKey, h registry.Handle) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if err := s.Unlisten(key, h); err != nil {
		return err
	}
	if s.localListeners(key) > 0 {
		return nil
	}
	_, err := s.CoreCall(ctx, core.DisableEvent(key))
	return err
}
