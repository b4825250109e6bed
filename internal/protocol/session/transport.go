package session

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/muxsession/internal/protocol/frame"
)

var ErrTransportClosed = errors.New("session: transport closed")

// Transport moves whole frames. ReadFrame is called from one goroutine;
// WriteFrame may be called concurrently.
type Transport interface {
	ReadFrame() (frame.Frame, error)
	WriteFrame(f frame.Frame) error
	Close() error
	RemoteAddr() string
}

// StreamTransport frames a byte stream such as TCP or net.Pipe.
type StreamTransport struct {
	conn         net.Conn
	r            *bufio.Reader
	limits       frame.Limits
	readTimeout  time.Duration
	writeTimeout time.Duration

	wmu       sync.Mutex
	seq       atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewStreamTransport(conn net.Conn, cfg Config) *StreamTransport {
	cfg = cfg.WithDefaults()
	return &StreamTransport{
		conn:         conn,
		r:            bufio.NewReader(conn),
		limits:       cfg.Limits,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

func (t *StreamTransport) ReadFrame() (frame.Frame, error) {
	if t.readTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
	f, err := frame.ReadFrame(t.r, t.limits)
	if err != nil && t.closed.Load() {
		return frame.Frame{}, ErrTransportClosed
	}
	return f, err
}

// WriteFrame assigns the next message id when the header carries none.
func (t *StreamTransport) WriteFrame(f frame.Frame) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if f.Header.MessageID == 0 {
		f.Header.MessageID = t.seq.Add(1)
	}
	buf, err := frame.AppendFrame(nil, f, t.limits)
	if err != nil {
		return err
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if _, err := t.conn.Write(buf); err != nil {
		if t.closed.Load() {
			return ErrTransportClosed
		}
		return err
	}
	return nil
}

func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *StreamTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
