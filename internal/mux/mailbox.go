package mux

import (
	"sync"

	"github.com/danmuck/muxsession/internal/observability"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/danmuck/muxsession/internal/registry"
	"github.com/rs/zerolog"
)

// mailbox is a bounded per-listener queue drained by its own goroutine.
// Deliver never blocks; a full mailbox drops for that listener only.
type mailbox struct {
	handle  registry.Handle
	ch      chan envelope.Envelope
	quit    chan struct{}
	once    sync.Once
	deliver func(envelope.Envelope)
	log     zerolog.Logger
}

func newMailbox(depth int, handle registry.Handle, deliver func(envelope.Envelope), log zerolog.Logger) *mailbox {
	if depth <= 0 {
		depth = 1
	}
	m := &mailbox{
		handle:  handle,
		ch:      make(chan envelope.Envelope, depth),
		quit:    make(chan struct{}),
		deliver: deliver,
		log:     log,
	}
	go m.run()
	return m
}

func (m *mailbox) Deliver(env envelope.Envelope) {
	select {
	case <-m.quit:
		return
	default:
	}
	select {
	case m.ch <- env:
	default:
		observability.RecordDrop(observability.DropMailboxFull)
		m.log.Warn().
			Uint64("handle", uint64(m.handle)).
			Str("target", env.Target().String()).
			Msg("mux.mailbox full; event dropped")
	}
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.quit:
			return
		case env := <-m.ch:
			m.safeDeliver(env)
		}
	}
}

func (m *mailbox) safeDeliver(env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Uint64("handle", uint64(m.handle)).Msg("mux.mailbox sink panicked")
		}
	}()
	m.deliver(env)
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.quit) })
}
