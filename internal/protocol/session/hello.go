package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/muxsession/internal/protocol/frame"
	"github.com/danmuck/muxsession/internal/protocol/schema"
	"github.com/danmuck/muxsession/internal/protocol/tlv"
)

var (
	ErrInvalidHello     = errors.New("session: invalid hello")
	ErrInvalidHelloAck  = errors.New("session: invalid hello ack")
	ErrHelloRejected    = errors.New("session: hello rejected")
	ErrHandshakeTimeout = errors.New("session: handshake timeout")
)

// Hello opens a session. Token travels in the frame auth block.
type Hello struct {
	Peer  string
	Token string
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.Peer) == "" {
		return fmt.Errorf("%w: missing peer", ErrInvalidHello)
	}
	return nil
}

// HelloAck answers a Hello.
type HelloAck struct {
	Accepted  bool
	SessionID string
	Message   string
}

func (a HelloAck) Validate() error {
	if a.Accepted && strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: accepted without session_id", ErrInvalidHelloAck)
	}
	return nil
}

func EncodeHello(h Hello) (frame.Frame, error) {
	if err := h.Validate(); err != nil {
		return frame.Frame{}, err
	}
	f := frame.Frame{
		Header:  frame.Header{MessageType: frame.TypeHello},
		Payload: tlv.EncodeFields([]tlv.Field{tlv.String(schema.FieldPeer, h.Peer)}),
	}
	if h.Token != "" {
		f.Auth = []byte(h.Token)
	}
	return f, nil
}

func DecodeHello(f frame.Frame) (Hello, error) {
	if f.Header.MessageType != frame.TypeHello {
		return Hello{}, fmt.Errorf("%w: message_type=%d", ErrInvalidHello, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	if err := schema.Validate(schema.MsgHello, fields); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	pf, _ := tlv.GetField(fields, schema.FieldPeer)
	peer, _ := pf.AsString()
	h := Hello{Peer: peer, Token: string(f.Auth)}
	if err := h.Validate(); err != nil {
		return Hello{}, err
	}
	return h, nil
}

func EncodeHelloAck(a HelloAck) (frame.Frame, error) {
	if err := a.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.Bool(schema.FieldAccepted, a.Accepted),
		tlv.String(schema.FieldSessionID, a.SessionID),
	}
	if a.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, a.Message))
	}
	return frame.Frame{
		Header:  frame.Header{MessageType: frame.TypeHelloAck},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func DecodeHelloAck(f frame.Frame) (HelloAck, error) {
	if f.Header.MessageType != frame.TypeHelloAck {
		return HelloAck{}, fmt.Errorf("%w: message_type=%d", ErrInvalidHelloAck, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return HelloAck{}, fmt.Errorf("%w: %v", ErrInvalidHelloAck, err)
	}
	if err := schema.Validate(schema.MsgHelloAck, fields); err != nil {
		return HelloAck{}, fmt.Errorf("%w: %v", ErrInvalidHelloAck, err)
	}
	var a HelloAck
	af, _ := tlv.GetField(fields, schema.FieldAccepted)
	a.Accepted, _ = af.AsBool()
	sf, _ := tlv.GetField(fields, schema.FieldSessionID)
	a.SessionID, _ = sf.AsString()
	if mf, ok := tlv.GetField(fields, schema.FieldMessage); ok {
		if a.Message, err = mf.AsString(); err != nil {
			return HelloAck{}, fmt.Errorf("%w: message: %v", ErrInvalidHelloAck, err)
		}
	}
	if err := a.Validate(); err != nil {
		return HelloAck{}, err
	}
	return a, nil
}

// ClientHandshake sends h and waits for the ack. A rejected ack is returned
// alongside ErrHelloRejected.
func ClientHandshake(ctx context.Context, t Transport, h Hello, timeout time.Duration) (HelloAck, error) {
	f, err := EncodeHello(h)
	if err != nil {
		return HelloAck{}, err
	}
	if err := t.WriteFrame(f); err != nil {
		return HelloAck{}, err
	}
	reply, err := readWithin(ctx, t, timeout)
	if err != nil {
		return HelloAck{}, err
	}
	ack, err := DecodeHelloAck(reply)
	if err != nil {
		return HelloAck{}, err
	}
	if !ack.Accepted {
		return ack, fmt.Errorf("%w: %s", ErrHelloRejected, ack.Message)
	}
	return ack, nil
}

// ReadHello waits for the peer's opening frame.
func ReadHello(ctx context.Context, t Transport, timeout time.Duration) (Hello, error) {
	f, err := readWithin(ctx, t, timeout)
	if err != nil {
		return Hello{}, err
	}
	return DecodeHello(f)
}

func WriteHelloAck(t Transport, a HelloAck) error {
	f, err := EncodeHelloAck(a)
	if err != nil {
		return err
	}
	return t.WriteFrame(f)
}

// readWithin reads one frame, closing t if ctx ends or timeout elapses first.
func readWithin(ctx context.Context, t Transport, timeout time.Duration) (frame.Frame, error) {
	type result struct {
		f   frame.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := t.ReadFrame()
		ch <- result{f: f, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		_ = t.Close()
		return frame.Frame{}, ctx.Err()
	case <-expired:
		_ = t.Close()
		return frame.Frame{}, ErrHandshakeTimeout
	}
}
