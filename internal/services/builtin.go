package services

import (
	"context"
	"strconv"
	"sync"

	"github.com/danmuck/muxsession/internal/mux"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
)

const (
	EchoName    = "echo"
	CounterName = "counter"

	// CounterChanged is raised on the counted object after each increment.
	CounterChanged envelope.EventID = 1
)

// Echo answers every request with its own content.
func Echo() mux.Handler {
	return mux.HandlerFunc(func(ctx context.Context, s *mux.Session, req envelope.Envelope) {
		respond(ctx, s, req, req.Content)
	})
}

// Counter keeps one count per (session, object). Each request increments
// the object's count, replies with it in decimal, and raises
// CounterChanged to the object's listeners. Counts die with the session.
type Counter struct {
	mu       sync.Mutex
	counts   map[counterKey]uint64
	sessions map[string]struct{}
}

type counterKey struct {
	session string
	target  envelope.Target
}

func NewCounter() *Counter {
	return &Counter{
		counts:   make(map[counterKey]uint64),
		sessions: make(map[string]struct{}),
	}
}

func (c *Counter) ServeEnvelope(ctx context.Context, s *mux.Session, req envelope.Envelope) {
	target := req.Target()
	s.RegisterObject(target)

	c.mu.Lock()
	if _, ok := c.sessions[s.ID()]; !ok {
		c.sessions[s.ID()] = struct{}{}
		go func(id string, done <-chan struct{}) {
			<-done
			c.Forget(id)
		}(s.ID(), s.Done())
	}
	key := counterKey{session: s.ID(), target: target}
	c.counts[key]++
	n := c.counts[key]
	c.mu.Unlock()

	body := []byte(strconv.FormatUint(n, 10))
	respond(ctx, s, req, body)
	s.Notify(envelope.EventKey{Service: target.Service, Object: target.Object, Event: CounterChanged}, body)
}

// Forget drops every count held for session id.
func (c *Counter) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
	for k := range c.counts {
		if k.session == id {
			delete(c.counts, k)
		}
	}
}

func respond(ctx context.Context, s *mux.Session, req envelope.Envelope, body []byte) {
	reply, err := envelope.ReplyTo(req, body)
	if err != nil {
		log.Warn().Err(err).Msg("services.respond")
		return
	}
	if err := s.Submit(ctx, reply); err != nil {
		log.Debug().Err(err).Str("session", s.ID()).Str("target", req.Target().String()).Msg("services.respond submit")
	}
}

// Len reports how many objects currently hold a count.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}
