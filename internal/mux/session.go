// Package mux is the per-connection dispatcher of a multiplexed session.
//
// A Session reads frames from one Transport, decodes envelopes and routes
// them by kind:
//   - Request to service 0 goes to the core registry service. Directory
//     lookups are answered off the read loop; the rest run in order.
//   - Request to any other service goes to that service's Handler after the
//     (service, object, id) triple is recorded in the inbound table.
//   - Response is validated against the outbound table and resolved.
//   - Event is fanned out to the listeners of its (service, object, event).
//
// Envelope decode failures drop one envelope and the session continues.
// Frame failures end the session.
package mux

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/danmuck/muxsession/internal/correlation"
	"github.com/danmuck/muxsession/internal/coresvc"
	"github.com/danmuck/muxsession/internal/directory"
	"github.com/danmuck/muxsession/internal/observability"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/danmuck/muxsession/internal/protocol/frame"
	"github.com/danmuck/muxsession/internal/protocol/session"
	"github.com/danmuck/muxsession/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed       = errors.New("mux: session closed")
	ErrReservedService     = errors.New("mux: reserved service")
	ErrNoHandler           = errors.New("mux: no handler for service")
	ErrUnsolicitedResponse = errors.New("mux: response answers no pending inbound request")
	ErrInvalidEnvelope     = errors.New("mux: invalid envelope")
	ErrUnexpectedResponse  = errors.New("mux: unexpected core response")
	ErrSubscribeRejected   = errors.New("mux: event subscription rejected")
)

// Options configures one Session.
type Options struct {
	ID        string
	Peer      string
	Transport string
	Config    session.Config
	Resolver  directory.Resolver
	Handlers  *ServiceMux
}

type Session struct {
	id        string
	peer      string
	transport string
	t         session.Transport
	cfg       session.Config
	log       zerolog.Logger
	opened    time.Time

	// outbound holds our requests awaiting the peer's responses; inbound
	// holds the peer's requests awaiting our responses.
	outbound *correlation.Table
	inbound  *correlation.Table
	registry *registry.Registry
	core     *coresvc.Service
	handlers *ServiceMux

	remote  coresvc.Peer
	peerBox *mailbox

	mu    sync.Mutex
	boxes map[registry.Handle]*mailbox
	subMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wires a Session over t. Call Run to start reading.
func NewSession(t session.Transport, opts Options) *Session {
	cfg := opts.Config.WithDefaults()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	outbound := correlation.NewTable(correlation.WithName("outbound"))
	inbound := correlation.NewTable(correlation.WithName("inbound"))
	reg := registry.New(outbound, inbound)

	s := &Session{
		id:        id,
		peer:      opts.Peer,
		transport: opts.Transport,
		t:         t,
		cfg:       cfg,
		opened:    time.Now(),
		outbound:  outbound,
		inbound:   inbound,
		registry:  reg,
		handlers:  opts.Handlers,
		boxes:     make(map[registry.Handle]*mailbox),
		done:      make(chan struct{}),
	}
	s.log = observability.Logger("mux").With().Str("session", id).Str("peer", opts.Peer).Logger()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.core = coresvc.New(opts.Resolver, reg,
		coresvc.WithResolveTimeout(cfg.ResolveTimeout),
		coresvc.WithReleaseHook(s.closeReleased),
	)
	handle := reg.NewHandle()
	s.peerBox = newMailbox(cfg.MailboxDepth, handle, s.forwardEvent, s.log)
	s.remote = coresvc.Peer{Handle: handle, Sink: s.peerBox}
	observability.SessionOpened()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Peer() string { return s.peer }

// Registry exposes the session's object/listener state.
func (s *Session) Registry() *registry.Registry { return s.registry }

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Run reads and routes until the transport fails, ctx ends, or Close is
// called. A clean peer close returns nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		f, err := s.t.ReadFrame()
		if err != nil {
			if s.closed() || errors.Is(err, io.EOF) || errors.Is(err, session.ErrTransportClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("mux.Session.Run read frame")
			return err
		}
		if f.Header.MessageType != frame.TypeEnvelope {
			observability.RecordDrop(observability.DropFrameType)
			s.log.Warn().Uint32("message_type", f.Header.MessageType).Msg("mux.Session.Run unexpected frame type")
			continue
		}
		env, err := envelope.Decode(f.Payload)
		if err != nil {
			observability.RecordDrop(observability.DropDecode)
			s.log.Warn().Err(err).Uint64("message_id", f.Header.MessageID).Msg("mux.Session.Run decode envelope; dropped")
			continue
		}
		_ = s.OnEnvelope(s.ctx, env)
	}
}

// Close tears the session down: pending calls fail with ErrSessionClosed,
// every object and listener is destroyed, and the transport is closed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		err = s.t.Close()
		failed := s.outbound.Close(ErrSessionClosed)
		s.inbound.Close(ErrSessionClosed)
		s.registry.Reset()

		s.mu.Lock()
		boxes := s.boxes
		s.boxes = nil
		s.mu.Unlock()
		for _, b := range boxes {
			b.close()
		}
		s.peerBox.close()
		observability.SessionClosed()
		s.log.Info().Int("failed_calls", failed).Dur("lifetime", time.Since(s.opened)).Msg("mux.Session closed")
	})
	if errors.Is(err, session.ErrTransportClosed) {
		return nil
	}
	return err
}

// Info is the admin view of the session.
func (s *Session) Info() observability.SessionInfo {
	return observability.SessionInfo{
		ID:              s.id,
		Peer:            s.peer,
		Remote:          s.t.RemoteAddr(),
		Transport:       s.transport,
		OpenedAt:        s.opened,
		Objects:         len(s.registry.Objects()),
		Listeners:       s.registry.ListenerCount(),
		PendingOutbound: s.outbound.Len(),
		PendingInbound:  s.inbound.Len(),
	}
}

// forwardEvent drains the peer mailbox onto the wire.
func (s *Session) forwardEvent(env envelope.Envelope) {
	if err := s.write(env); err != nil && !s.closed() {
		s.log.Debug().Err(err).Str("target", env.Target().String()).Msg("mux.Session forward event")
	}
}

// closeReleased stops the mailboxes of listeners removed by a release.
func (s *Session) closeReleased(rel registry.Released) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range rel.Listeners {
		if b, ok := s.boxes[l.Handle]; ok {
			b.close()
			delete(s.boxes, l.Handle)
		}
	}
}
