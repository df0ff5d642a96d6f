// Package socket lets scripts open WebSocket client connections.
package socket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/cryguy/jsbridge"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Key is a connection event key.
type Key int

const (
	Message Key = iota
	Close
	Error
)

func (k Key) String() string {
	switch k {
	case Message:
		return "Message"
	case Close:
		return "Close"
	case Error:
		return "Error"
	}
	return "Unknown"
}

// MessageEvent carries a received frame. Data is a string for text frames
// and []byte for binary ones.
type MessageEvent struct {
	Data any `jsi:"data"`
}

func (e MessageEvent) Key() Key    { return Message }
func (e MessageEvent) Args() []any { return []any{e} }

// CloseEvent is delivered once when the connection ends.
type CloseEvent struct {
	Code   int    `jsi:"code"`
	Reason string `jsi:"reason"`
}

func (e CloseEvent) Key() Key    { return Close }
func (e CloseEvent) Args() []any { return []any{e} }

// ErrorEvent reports a read failure that was not a clean close.
type ErrorEvent struct {
	Message string `jsi:"message"`
}

func (e ErrorEvent) Key() Key    { return Error }
func (e ErrorEvent) Args() []any { return []any{e} }

// Dialer is the socket module's host object.
type Dialer struct {
	rt           *jsbridge.Runtime
	log          *zap.Logger
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

var dialerClass = jsbridge.NewClass[Dialer]("Sockets").
	AsyncMethod("connect", (*Dialer).connect, "url")

// New creates a dialer whose connections deliver events through rt.
func New(rt *jsbridge.Runtime, log *zap.Logger) *Dialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dialer{
		rt:           rt,
		log:          log,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// HostObject returns the script-facing module.
func (d *Dialer) HostObject() jsbridge.HostObject { return dialerClass.Bind(d) }

// Dial opens a connection and starts reading from it. The returned Shared
// holds the reader's reference; scripts hold their own.
func (d *Dialer) Dial(ctx context.Context, url string) (*jsbridge.Shared, *Conn, error) {
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, nil, fmt.Errorf("unsupported url %q: want ws:// or wss://", url)
	}
	dialCtx, cancel := context.WithTimeout(ctx, d.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	c := &Conn{
		id:      uuid.New(),
		url:     url,
		ws:      ws,
		events:  jsbridge.NewEmitter(d.rt, Message, Close, Error),
		log:     d.log,
		timeout: d.WriteTimeout,
	}
	c.log = d.log.With(zap.String("socket", c.id.String()), zap.String("url", url))
	shared := jsbridge.NewShared(connClass.Bind(c))
	go c.read(ctx, shared)
	return shared, c, nil
}

func (d *Dialer) connect(ctx context.Context, url string) (*jsbridge.Shared, error) {
	shared, _, err := d.Dial(ctx, url)
	return shared, err
}

// Conn is one open WebSocket connection.
type Conn struct {
	id      uuid.UUID
	url     string
	ws      *websocket.Conn
	events  *jsbridge.Emitter[Key]
	log     *zap.Logger
	timeout time.Duration
	closed  atomic.Bool
}

var connClass = jsbridge.NewClass[Conn]("WebSocket").
	Getter("id", (*Conn).ID).
	Getter("url", (*Conn).URL).
	AsyncMethod("send", (*Conn).Send, "data").
	AsyncMethod("close", (*Conn).close, "code", "reason").
	Include(func(c *Conn) jsbridge.HostObject { return c.events.HostObject() })

// ID returns the connection id.
func (c *Conn) ID() string { return c.id.String() }

// URL returns the dialed url.
func (c *Conn) URL() string { return c.url }

// Events returns the connection's emitter.
func (c *Conn) Events() *jsbridge.Emitter[Key] { return c.events }

// Send writes a text frame for strings and a binary frame for byte buffers.
func (c *Conn) Send(ctx context.Context, data any) error {
	if c.closed.Load() {
		return fmt.Errorf("socket is closed")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	switch data := data.(type) {
	case string:
		return c.ws.Write(ctx, websocket.MessageText, []byte(data))
	case []byte:
		return c.ws.Write(ctx, websocket.MessageBinary, data)
	}
	return fmt.Errorf("cannot send %T: want string or ArrayBuffer", data)
}

// Close starts the closing handshake. Closing twice is a no-op.
func (c *Conn) Close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if code == 0 {
		code = int(websocket.StatusNormalClosure)
	}
	return c.ws.Close(websocket.StatusCode(code), reason)
}

func (c *Conn) close(_ context.Context, code *int, reason *string) error {
	cd, rs := 0, ""
	if code != nil {
		cd = *code
	}
	if reason != nil {
		rs = *reason
	}
	return c.Close(cd, rs)
}

// Drop closes the connection once nothing references it.
func (c *Conn) Drop() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.ws.Close(websocket.StatusGoingAway, "")
	}
}

func (c *Conn) read(ctx context.Context, shared *jsbridge.Shared) {
	defer shared.Release()
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.finish(err)
			return
		}
		ev := MessageEvent{Data: string(data)}
		if typ == websocket.MessageBinary {
			ev.Data = data
		}
		if err := c.events.Emit(ev); err != nil {
			c.log.Debug("dropping message", zap.Error(err))
		}
	}
}

func (c *Conn) finish(err error) {
	ev := CloseEvent{Code: int(websocket.StatusAbnormalClosure)}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		ev.Code, ev.Reason = int(ce.Code), ce.Reason
	} else if !c.closed.Load() {
		c.log.Debug("socket read failed", zap.Error(err))
		_ = c.events.Emit(ErrorEvent{Message: err.Error()})
	}
	c.closed.Store(true)
	if err := c.events.Emit(ev); err != nil {
		c.log.Debug("dropping close event", zap.Error(err))
	}
}
