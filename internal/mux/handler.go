package mux

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Handler serves Requests addressed to one non-core service. It runs on
// its own goroutine and answers with s.Submit(envelope.ReplyTo(req, ...)).
type Handler interface {
	ServeEnvelope(ctx context.Context, s *Session, req envelope.Envelope)
}

type HandlerFunc func(ctx context.Context, s *Session, req envelope.Envelope)

func (f HandlerFunc) ServeEnvelope(ctx context.Context, s *Session, req envelope.Envelope) {
	f(ctx, s, req)
}

// ServiceMux maps ServiceIDs to Handlers. A nil *ServiceMux has no handlers.
type ServiceMux struct {
	mu       sync.RWMutex
	handlers map[envelope.ServiceID]Handler
}

func NewServiceMux() *ServiceMux {
	return &ServiceMux{handlers: make(map[envelope.ServiceID]Handler)}
}

func (m *ServiceMux) Handle(id envelope.ServiceID, h Handler) error {
	if id == envelope.CoreService {
		return fmt.Errorf("%w: service 0 is the core registry", ErrReservedService)
	}
	if h == nil {
		return fmt.Errorf("mux: nil handler for service %d", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[id] = h
	return nil
}

func (m *ServiceMux) HandleFunc(id envelope.ServiceID, fn func(ctx context.Context, s *Session, req envelope.Envelope)) error {
	return m.Handle(id, HandlerFunc(fn))
}

func (m *ServiceMux) Lookup(id envelope.ServiceID) Handler {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[id]
}

// Services returns the handled ids in ascending order.
func (m *ServiceMux) Services() []envelope.ServiceID {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := maps.Keys(m.handlers)
	slices.Sort(ids)
	return ids
}
