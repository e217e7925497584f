// Package wsconn adapts a websocket connection into a typed send half and a
// typed receive half. Each message travels as one JSON text frame.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jamsocket/forevervm/internal/protocol"
)

const (
	defaultPingInterval  = 30 * time.Second
	defaultReadDeadline  = 60 * time.Second
	defaultWriteDeadline = 10 * time.Second
	defaultDialTimeout   = 30 * time.Second

	maxHandshakeBody = 64 << 10

	// SDKHeader identifies the client implementation to the server.
	SDKHeader = "x-forevervm-sdk"
	// SDKName is the value sent in SDKHeader.
	SDKName   = "go"
)

var (
	// ErrInvalidURL is returned for a base URL whose scheme has no
	// websocket counterpart.
	ErrInvalidURL = errors.New("wsconn: invalid URL")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("wsconn: connection closed")
)

// HandshakeError reports an upgrade request the server answered without
// switching protocols.
type HandshakeError struct {
	StatusCode int
	Body       string
}

func (e *HandshakeError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("wsconn: handshake failed with status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("wsconn: handshake failed with status %d", e.StatusCode)
}

// Options configures Dial. Zero values select the defaults.
type Options struct {
	// Token is sent as "Authorization: Bearer <token>".
	Token string
	// Header carries extra handshake headers.
	Header http.Header
	// PingInterval is the keepalive period. Negative disables keepalive.
	PingInterval time.Duration
	// ReadDeadline bounds the silence between frames (pongs included).
	ReadDeadline  time.Duration
	WriteDeadline time.Duration
	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PingInterval == 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.ReadDeadline == 0 {
		o.ReadDeadline = defaultReadDeadline
	}
	if o.WriteDeadline == 0 {
		o.WriteDeadline = defaultWriteDeadline
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultDialTimeout,
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// conn is shared by both halves. gorilla/websocket allows one concurrent
// writer and one concurrent reader; writeMu serializes data frames.
// WriteControl and Close may run alongside them.
type conn struct {
	ws      *websocket.Conn
	options Options

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Sender is the send half. Safe for concurrent use.
type Sender[T any] struct {
	c *conn
}

// Receiver is the receive half. Recv must be called from one goroutine.
type Receiver[T any] struct {
	c      *conn
	decode func([]byte) (T, error)
}

// Dial opens a websocket to rawURL and splits it into typed halves. decode
// turns one text frame into an inbound message.
func Dial[Out, In any](ctx context.Context, rawURL string, options Options, decode func([]byte) (In, error)) (*Sender[Out], *Receiver[In], error) {
	options = options.withDefaults()

	header := http.Header{}
	for key, values := range options.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	if options.Token != "" {
		header.Set("Authorization", "Bearer "+options.Token)
	}
	header.Set(SDKHeader, SDKName)

	ws, resp, err := options.Dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxHandshakeBody))
			resp.Body.Close()
			return nil, nil, &HandshakeError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return nil, nil, fmt.Errorf("wsconn: dial %s: %w", redact(rawURL), err)
	}

	c := &conn{
		ws:      ws,
		options: options,
		done:    make(chan struct{}),
	}
	c.armReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.armReadDeadline()
		return nil
	})
	if options.PingInterval > 0 {
		go c.keepalive()
	}

	return &Sender[Out]{c: c}, &Receiver[In]{c: c, decode: decode}, nil
}

func (c *conn) armReadDeadline() {
	if c.options.ReadDeadline > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.options.ReadDeadline))
	}
}

func (c *conn) keepalive() {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.options.WriteDeadline)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !IsExpectedClose(err) {
					c.options.Logger.Warn("websocket ping failed", "error", err)
				}
				return
			}
		}
	}
}

func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Send encodes msg as JSON and writes it as one text frame.
func (s *Sender[T]) Send(ctx context.Context, msg T) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsconn: encode message: %w", err)
	}

	s.c.writeMu.Lock()
	defer s.c.writeMu.Unlock()

	select {
	case <-s.c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(s.c.options.WriteDeadline)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	s.c.ws.SetWriteDeadline(deadline)

	if err := s.c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("wsconn: write: %w", err)
	}
	return nil
}

// Close closes the whole connection. Both halves become unusable.
func (s *Sender[T]) Close() error {
	return s.c.close()
}

// Recv reads the next frame. It returns io.EOF when the peer closed the
// connection normally and a wrapped transport error for any other read
// failure; both are final. A frame that does not decode yields a
// *protocol.DecodeError and the receiver stays usable.
func (r *Receiver[T]) Recv() (T, error) {
	var zero T

	messageType, data, err := r.c.ws.ReadMessage()
	if err != nil {
		if IsExpectedClose(err) {
			return zero, io.EOF
		}
		return zero, fmt.Errorf("wsconn: read: %w", err)
	}
	r.c.armReadDeadline()

	if messageType != websocket.TextMessage {
		return zero, &protocol.DecodeError{Err: fmt.Errorf("unexpected binary frame of %d bytes", len(data))}
	}

	msg, err := r.decode(data)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			return zero, err
		}
		return zero, &protocol.DecodeError{Err: err}
	}
	return msg, nil
}

// Close closes the whole connection. Both halves become unusable.
func (r *Receiver[T]) Close() error {
	return r.c.close()
}

// IsExpectedClose reports whether err is a normal end of the connection:
// a normal or going-away close frame, EOF, or use of a closed socket.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}

// HTTPToWebSocketURL maps an http(s) base URL to its ws(s) counterpart.
func HTTPToWebSocketURL(base *url.URL) (*url.URL, error) {
	u := *base
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	return &u, nil
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
