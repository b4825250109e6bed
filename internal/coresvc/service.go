// Package coresvc implements the core registry service (service id 0):
// directory lookup, object release, and event listener management.
//
// Registry inconsistencies never surface as errors here. Every operation
// answers with a core.Response whose Success flag carries the outcome.
package coresvc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/danmuck/muxsession/internal/directory"
	"github.com/danmuck/muxsession/internal/protocol/core"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/danmuck/muxsession/internal/registry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const DefaultResolveTimeout = 2 * time.Second

// Peer is the listener identity used for Enable/DisableEvent. A session
// uses one handle for everything its remote side subscribes to.
type Peer struct {
	Handle registry.Handle
	Sink   registry.Sink
}

type Option func(*Service)

// WithResolveTimeout bounds each directory lookup.
func WithResolveTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithReleaseHook runs after each successful release.
func WithReleaseHook(fn func(registry.Released)) Option {
	return func(s *Service) { s.onRelease = fn }
}

type Service struct {
	resolver  directory.Resolver
	registry  *registry.Registry
	timeout   time.Duration
	onRelease func(registry.Released)
	lookups   singleflight.Group
}

func New(resolver directory.Resolver, reg *registry.Registry, opts ...Option) *Service {
	s := &Service{
		resolver: resolver,
		registry: reg,
		timeout:  DefaultResolveTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type lookupResult struct {
	id    envelope.ServiceID
	found bool
}

// lookup coalesces concurrent resolutions of one name. The shared call is
// detached from any single caller's cancellation and bounded by timeout.
func (s *Service) lookup(ctx context.Context, name string) (envelope.ServiceID, bool) {
	if s.resolver == nil || strings.TrimSpace(name) == "" {
		return 0, false
	}
	ch := s.lookups.DoChan(name, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		id, found, err := s.resolver.Resolve(rctx, name)
		if err != nil {
			return lookupResult{}, err
		}
		return lookupResult{id: id, found: found}, nil
	})
	select {
	case <-ctx.Done():
		log.Debug().Str("name", name).Err(ctx.Err()).Msg("coresvc.lookup abandoned")
		return 0, false
	case r := <-ch:
		if r.Err != nil {
			log.Warn().Str("name", name).Err(r.Err).Msg("coresvc.lookup resolver failed")
			return 0, false
		}
		res := r.Val.(lookupResult)
		if res.found && res.id == envelope.CoreService {
			log.Warn().Str("name", name).Msg("coresvc.lookup resolver returned reserved id 0")
			return 0, false
		}
		return res.id, res.found
	}
}

// GetService resolves name and registers the service root object
// (service, 0). Unknown names answer {false, 0}.
func (s *Service) GetService(ctx context.Context, name string) core.Response {
	id, ok := s.lookup(ctx, name)
	if !ok {
		return core.Response{Op: core.OpGetService, Success: false, Service: 0}
	}
	s.registry.RegisterObject(envelope.Target{Service: id, Object: 0})
	return core.Response{Op: core.OpGetService, Success: true, Service: id}
}

// HasService is a pure existence check.
func (s *Service) HasService(ctx context.Context, name string) core.Response {
	_, ok := s.lookup(ctx, name)
	return core.Response{Op: core.OpHasService, Success: ok}
}

func (s *Service) ReleaseObject(target envelope.Target) core.Response {
	rel, ok := s.registry.ReleaseObject(target)
	if ok && s.onRelease != nil {
		s.onRelease(rel)
	}
	return core.Response{Op: core.OpReleaseObject, Success: ok}
}

// EnableEvent adds peer as a listener on key. A missing object or an
// already enabled handle answers false and leaves state unchanged.
func (s *Service) EnableEvent(key envelope.EventKey, peer Peer) core.Response {
	err := s.registry.AddListener(key, peer.Handle, peer.Sink)
	if err != nil {
		logRegistryMiss("coresvc.EnableEvent", key, err)
	}
	return core.Response{Op: core.OpEnableEvent, Success: err == nil}
}

func (s *Service) DisableEvent(key envelope.EventKey, peer Peer) core.Response {
	_, err := s.registry.RemoveListener(key, peer.Handle)
	if err != nil {
		logRegistryMiss("coresvc.DisableEvent", key, err)
	}
	return core.Response{Op: core.OpDisableEvent, Success: err == nil}
}

// Handle dispatches req by op. Unknown ops never reach here; the codec
// rejects them.
func (s *Service) Handle(ctx context.Context, req core.Request, peer Peer) core.Response {
	switch req.Op {
	case core.OpGetService:
		return s.GetService(ctx, req.Name)
	case core.OpHasService:
		return s.HasService(ctx, req.Name)
	case core.OpReleaseObject:
		return s.ReleaseObject(req.Target())
	case core.OpEnableEvent:
		return s.EnableEvent(req.EventKey(), peer)
	case core.OpDisableEvent:
		return s.DisableEvent(req.EventKey(), peer)
	default:
		log.Error().Stringer("op", req.Op).Msg("coresvc.Handle unknown op")
		return core.Response{Op: req.Op, Success: false}
	}
}

// Blocking reports whether op may wait on the directory.
func Blocking(op core.Op) bool {
	return op == core.OpGetService || op == core.OpHasService
}

func logRegistryMiss(where string, key envelope.EventKey, err error) {
	ev := log.Debug()
	if !errors.Is(err, registry.ErrNoSuchObject) &&
		!errors.Is(err, registry.ErrNotRegistered) &&
		!errors.Is(err, registry.ErrListenerExists) {
		ev = log.Warn()
	}
	ev.Str("key", key.String()).Err(err).Msg(where)
}
