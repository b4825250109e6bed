package mux

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/muxsession/internal/directory"
	"github.com/danmuck/muxsession/internal/observability"
	"github.com/danmuck/muxsession/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrAddressRequired = errors.New("mux: address required")
	ErrPeerRequired    = errors.New("mux: peer name required")
)

// ClientConfig describes one outbound session. Address is host:port for
// TCP or a ws:// / wss:// URL for websocket.
type ClientConfig struct {
	Address  string
	Peer     string
	Token    string
	Session  session.Config
	Resolver directory.Resolver
	Handlers *ServiceMux
}

type Client struct {
	cfg ClientConfig
	rng *rand.Rand
	log zerolog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.Peer) == "" {
		return nil, ErrPeerRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: observability.Logger("mux.client"),
	}, nil
}

// Dial is NewClient followed by Connect.
func Dial(ctx context.Context, cfg ClientConfig) (*Session, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return c.Connect(ctx)
}

// Connect dials with backoff, performs the hello handshake, and returns a
// running Session. A rejected hello is not retried.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	var attempt int
	for {
		attempt++
		t, kind, err := c.dial(ctx)
		if err == nil {
			var ack session.HelloAck
			ack, err = session.ClientHandshake(ctx, t, session.Hello{Peer: c.cfg.Peer, Token: c.cfg.Token}, c.cfg.Session.HandshakeTimeout)
			if err == nil {
				return c.start(t, kind, ack), nil
			}
			_ = t.Close()
			if errors.Is(err, session.ErrHelloRejected) {
				return nil, err
			}
		}
		c.log.Warn().Int("attempt", attempt).Str("addr", c.cfg.Address).Err(err).Msg("mux.Client.Connect")
		if !c.shouldRetry(attempt) {
			return nil, err
		}
		delay := c.cfg.Session.Backoff.Delay(attempt, c.rng)
		if err := session.SleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) start(t session.Transport, kind string, ack session.HelloAck) *Session {
	sess := NewSession(t, Options{
		ID:        ack.SessionID,
		Peer:      c.cfg.Address,
		Transport: kind,
		Config:    c.cfg.Session,
		Resolver:  c.cfg.Resolver,
		Handlers:  c.cfg.Handlers,
	})
	go func() {
		if err := sess.Run(context.Background()); err != nil {
			c.log.Warn().Err(err).Str("session", sess.ID()).Msg("mux.Client session ended")
		}
	}()
	return sess
}

func (c *Client) dial(ctx context.Context) (session.Transport, string, error) {
	addr := c.cfg.Address
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		d := websocket.Dialer{HandshakeTimeout: c.cfg.Session.ConnectTimeout}
		conn, _, err := d.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, "", err
		}
		return session.NewWSTransport(conn, c.cfg.Session), "ws", nil
	}
	d := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, "", err
	}
	return session.NewStreamTransport(conn, c.cfg.Session), "tcp", nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.Session.Backoff.MaxAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.Session.Backoff.MaxAttempts
}
