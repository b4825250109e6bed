package mux

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/danmuck/muxsession/internal/auth"
	"github.com/danmuck/muxsession/internal/directory"
	"github.com/danmuck/muxsession/internal/observability"
	"github.com/danmuck/muxsession/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ServerOptions configures the accept side. A nil Validator accepts all.
type ServerOptions struct {
	Config    session.Config
	Resolver  directory.Resolver
	Handlers  *ServiceMux
	Validator auth.Validator
}

// Server accepts sessions over TCP listeners or websocket upgrades and
// tracks them until they close.
type Server struct {
	opts     ServerOptions
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewServer(opts ServerOptions) *Server {
	opts.Config = opts.Config.WithDefaults()
	if opts.Validator == nil {
		opts.Validator = auth.AllowAll{}
	}
	return &Server{
		opts: opts,
		log:  observability.Logger("mux.server"),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.Config.HandshakeTimeout,
		},
		sessions: make(map[string]*Session),
	}
}

// Serve runs the accept loop on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("mux.Server.Serve listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			t := session.NewStreamTransport(conn, s.opts.Config)
			_ = s.ServeTransport(ctx, t, "tcp")
		}()
	}
}

// WebSocketHandler upgrades requests and serves one session per socket.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("mux.Server websocket upgrade")
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		_ = s.ServeTransport(ctx, session.NewWSTransport(conn, s.opts.Config), "ws")
	})
}

// ServeTransport runs the hello handshake on t, then the session, and
// returns when the session ends.
func (s *Server) ServeTransport(ctx context.Context, t session.Transport, kind string) error {
	remote := t.RemoteAddr()
	hello, err := session.ReadHello(ctx, t, s.opts.Config.HandshakeTimeout)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("mux.Server.ServeTransport hello")
		_ = t.Close()
		return err
	}
	if err := s.opts.Validator.Validate(hello.Peer, hello.Token); err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Str("peer", hello.Peer).Msg("mux.Server.ServeTransport rejected")
		_ = session.WriteHelloAck(t, session.HelloAck{Accepted: false, Message: err.Error()})
		_ = t.Close()
		return err
	}

	id := uuid.NewString()
	sess := NewSession(t, Options{
		ID:        id,
		Peer:      hello.Peer,
		Transport: kind,
		Config:    s.opts.Config,
		Resolver:  s.opts.Resolver,
		Handlers:  s.opts.Handlers,
	})
	if err := session.WriteHelloAck(t, session.HelloAck{Accepted: true, SessionID: id}); err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("mux.Server.ServeTransport write hello ack")
		_ = sess.Close()
		return err
	}

	s.track(sess)
	defer s.untrack(sess)
	s.log.Info().Str("session", id).Str("peer", hello.Peer).Str("remote", remote).Str("transport", kind).
		Int("active", s.Len()).Msg("mux.Server session opened")
	err = sess.Run(ctx)
	s.log.Info().Str("session", id).Str("peer", hello.Peer).Err(err).Msg("mux.Server session ended")
	return err
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = sess
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID())
}

func (s *Server) Session(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions implements observability.SessionSource, ordered by open time.
func (s *Server) Sessions() []observability.SessionInfo {
	s.mu.RLock()
	list := maps.Values(s.sessions)
	s.mu.RUnlock()

	out := make([]observability.SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info())
	}
	slices.SortFunc(out, func(a, b observability.SessionInfo) int {
		if c := a.OpenedAt.Compare(b.OpenedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Shutdown closes every live session and waits for their handlers.
func (s *Server) Shutdown() {
	s.mu.RLock()
	list := maps.Values(s.sessions)
	s.mu.RUnlock()
	for _, sess := range list {
		_ = sess.Close()
	}
	s.wg.Wait()
}
