// Package daemon runs muxd: the session listeners, the directory, the
// builtin services, and the admin surface, under one lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/muxsession/internal/config"
	"github.com/danmuck/muxsession/internal/directory"
	"github.com/danmuck/muxsession/internal/logging"
	"github.com/danmuck/muxsession/internal/mux"
	"github.com/danmuck/muxsession/internal/observability"
	"github.com/danmuck/muxsession/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

// bindingSource is what the daemon needs from a directory.
type bindingSource interface {
	directory.Resolver
	observability.DirectorySource
}

// Service owns every muxd component.
type Service struct {
	cfg      config.DaemonConfig
	log      zerolog.Logger
	builtins *services.ServiceRegistry
	handlers *mux.ServiceMux
	dir      bindingSource
	file     *directory.File
	server   *mux.Server

	ready   chan struct{}
	tcpAddr net.Addr
}

// NewService wires the components cfg describes without starting them.
func NewService(cfg config.DaemonConfig) (*Service, error) {
	if err := config.ValidateDaemonConfig(cfg); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		log:      observability.Logger("daemon").With().Str("node", cfg.Name).Logger(),
		builtins: services.Defaults(),
		handlers: mux.NewServiceMux(),
		ready:    make(chan struct{}),
	}

	if path := strings.TrimSpace(cfg.DirectoryPath); path != "" {
		f, err := directory.OpenFile(path, directory.OnReload(s.installBuiltins))
		if err != nil {
			return nil, fmt.Errorf("daemon: directory: %w", err)
		}
		s.file = f
		s.dir = f
	} else {
		st, err := directory.NewStatic(nil)
		if err != nil {
			return nil, err
		}
		s.dir = st
	}
	s.installBuiltins(s.dir.Snapshot())

	s.server = mux.NewServer(mux.ServerOptions{
		Config:    cfg.Session,
		Resolver:  s.dir,
		Handlers:  s.handlers,
		Validator: cfg.Validator(),
	})
	return s, nil
}

func (s *Service) Server() *mux.Server { return s.server }

// Ready is closed once every listener is bound.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Addr is the bound TCP session address, nil before Ready or when TCP is
// disabled.
func (s *Service) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.tcpAddr
	default:
		return nil
	}
}

// Run blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve starts every configured listener and blocks until ctx ends or one
// of them fails.
func (s *Service) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// nothing is listening yet, so a watch failure needs no cleanup
	if s.file != nil && s.cfg.Watch {
		if err := s.file.Watch(ctx); err != nil {
			return err
		}
		defer s.file.Close()
	}
	if addr := s.cfg.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("daemon: listen %s: %w", addr, err)
		}
		s.tcpAddr = ln.Addr()
		g.Go(func() error { return s.server.Serve(ctx, ln) })
	}
	if addr := s.cfg.WSListenAddr; addr != "" {
		mx := http.NewServeMux()
		mx.Handle(s.cfg.WSPath, s.server.WebSocketHandler(ctx))
		s.serveHTTP(ctx, g, "websocket", addr, mx)
	}
	if addr := s.cfg.AdminAddr; addr != "" {
		s.serveHTTP(ctx, g, "admin", addr, s.adminRouter())
	}
	close(s.ready)
	s.log.Info().
		Str("addr", s.cfg.ListenAddr).
		Str("ws_addr", s.cfg.WSListenAddr).
		Str("admin_addr", s.cfg.AdminAddr).
		Strs("services", s.handlersNames()).
		Msg("daemon.Service.Serve ready")

	<-ctx.Done()
	s.server.Shutdown()
	err := g.Wait()
	s.log.Info().Err(err).Msg("daemon.Service.Serve stopped")
	return err
}

func (s *Service) serveHTTP(ctx context.Context, g *errgroup.Group, name, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		s.log.Info().Str("addr", addr).Msgf("daemon.Service %s listening", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon: %s: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

func (s *Service) adminRouter() *gin.Engine {
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	return observability.NewAdminRouter(s.cfg.Name, s.server, s.dir, s.cfg.CorsOrigins)
}

// installBuiltins (re)binds builtin handlers to the ids the directory
// currently names.
func (s *Service) installBuiltins(b directory.Bindings) {
	installed, err := s.builtins.Install(s.handlers, b, s.cfg.Builtins)
	if err != nil {
		s.log.Warn().Err(err).Msg("daemon.Service.installBuiltins")
	}
	s.log.Debug().Strs("installed", installed).Msg("daemon.Service.installBuiltins")
}

func (s *Service) handlersNames() []string {
	var out []string
	snap := s.dir.Snapshot()
	for _, id := range s.handlers.Services() {
		for name, bound := range snap {
			if bound == id {
				out = append(out, fmt.Sprintf("%s=%d", name, id))
			}
		}
	}
	return out
}

// ApplyLogLevel sets the global level from the config spelling.
func ApplyLogLevel(raw string) {
	if lvl, ok := logging.ParseLevel(raw); ok {
		zerolog.SetGlobalLevel(lvl)
	}
}
