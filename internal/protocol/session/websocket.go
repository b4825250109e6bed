package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/muxsession/internal/protocol/frame"
	"github.com/gorilla/websocket"
)

var (
	ErrNonBinaryMessage = errors.New("session: websocket message is not binary")
	ErrTrailingBytes    = errors.New("session: websocket message has trailing bytes")
)

// WSTransport carries exactly one frame per binary websocket message.
type WSTransport struct {
	conn         *websocket.Conn
	limits       frame.Limits
	readTimeout  time.Duration
	writeTimeout time.Duration

	wmu       sync.Mutex
	seq       atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewWSTransport(conn *websocket.Conn, cfg Config) *WSTransport {
	cfg = cfg.WithDefaults()
	conn.SetReadLimit(int64(frame.FixedHeaderLen) + int64(cfg.Limits.MaxAuthBytes) + int64(cfg.Limits.MaxPayloadBytes))
	return &WSTransport{
		conn:         conn,
		limits:       cfg.Limits,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

func (t *WSTransport) ReadFrame() (frame.Frame, error) {
	if t.readTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		if t.closed.Load() {
			return frame.Frame{}, ErrTransportClosed
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return frame.Frame{}, io.EOF
		}
		return frame.Frame{}, err
	}
	if mt != websocket.BinaryMessage {
		return frame.Frame{}, fmt.Errorf("%w: type=%d", ErrNonBinaryMessage, mt)
	}
	r := bytes.NewReader(data)
	f, err := frame.ReadFrame(r, t.limits)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return frame.Frame{}, frame.ErrShortHeader
		}
		return frame.Frame{}, err
	}
	if r.Len() > 0 {
		return frame.Frame{}, fmt.Errorf("%w: %d", ErrTrailingBytes, r.Len())
	}
	return f, nil
}

func (t *WSTransport) WriteFrame(f frame.Frame) error {
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
	return t.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// Close sends a normal closure before dropping the connection.
// WriteControl is safe alongside an in-flight WriteMessage.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *WSTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
