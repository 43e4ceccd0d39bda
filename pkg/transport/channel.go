// Package transport carries the duplex websocket link to the tutor
// backend. It classifies inbound frames by wire type, fans them out to
// listeners and tracks connection state; it knows nothing about the
// conversation protocol riding on top.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dil-foundation/lms-web-app-sub003/pkg/audio"
)

var (
	// ErrNotConnected is returned by Send when the channel has no open
	// connection to write to.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnectionFailed wraps dial and handshake failures.
	ErrConnectionFailed = errors.New("transport: connection failed")
)

// Logger is the module-wide leveled logger, declared once in pkg/audio.
type Logger = audio.Logger

// Config tunes one channel.
type Config struct {
	// URL is the full websocket endpoint, ws:// or wss://.
	URL string
	// HandshakeTimeout bounds the dial. Zero means 15 seconds.
	HandshakeTimeout time.Duration
	// ReadLimit caps a single inbound frame. Zero means 10 MiB, which
	// leaves room for a full synthesized clip in one binary frame.
	ReadLimit int64
}

// Channel is a reconnectable websocket with per-class listener
// registries. Text frames must be valid JSON control messages; anything
// undecodable is logged and dropped rather than surfaced as an error.
// Binary frames pass through untouched.
type Channel struct {
	cfg    Config
	logger Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	readStop  context.CancelFunc

	nextID    int
	onMessage map[int]func(json.RawMessage)
	onBinary  map[int]func([]byte)
	onOpen    map[int]func()
	onClose   map[int]func(error)
	onError   map[int]func(error)
}

func NewChannel(cfg Config, logger Logger) *Channel {
	if logger == nil {
		logger = &audio.NoOpLogger{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 10 * 1024 * 1024
	}
	return &Channel{
		cfg:       cfg,
		logger:    logger,
		onMessage: map[int]func(json.RawMessage){},
		onBinary:  map[int]func([]byte){},
		onOpen:    map[int]func(){},
		onClose:   map[int]func(error){},
		onError:   map[int]func(error){},
	}
}

// Connect dials the endpoint and starts the read loop. Calling it while
// already connected is a no-op. The handshake is bounded by
// HandshakeTimeout independent of the caller's context lifetime.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectionFailed, c.cfg.URL, err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	readCtx, readStop := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.connected {
		// Lost the race with another Connect; keep the first connection.
		c.mu.Unlock()
		readStop()
		conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return nil
	}
	c.conn = conn
	c.connected = true
	c.readStop = readStop
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.cfg.URL)
	c.emitOpen()
	go c.readLoop(readCtx, conn)
	return nil
}

// Send writes one text frame. The payload is expected to be JSON already.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// IsConnected reports whether the channel currently holds an open socket.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close shuts the connection down deliberately. Listeners get a close
// notification with a nil error. Safe to call repeatedly; a closed
// channel can be reopened with Connect.
func (c *Channel) Close() error {
	conn, stop := c.detach()
	if conn == nil {
		return nil
	}
	if stop != nil {
		stop()
	}
	err := conn.Close(websocket.StatusNormalClosure, "")
	c.emitClose(nil)
	return err
}

// detach removes the live connection under lock so the read loop and
// Close never double-report the same teardown.
func (c *Channel) detach() (*websocket.Conn, context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, nil
	}
	conn := c.conn
	stop := c.readStop
	c.conn = nil
	c.connected = false
	c.readStop = nil
	return conn, stop
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, payload, err := conn.Read(ctx)
		if err != nil {
			dead, _ := c.detach()
			if dead == nil {
				// Close already tore the connection down.
				return
			}
			dead.Close(websocket.StatusAbnormalClosure, "read failed")
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.emitClose(nil)
				return
			}
			c.logger.Warn("read failed", "error", err)
			c.emitError(err)
			c.emitClose(err)
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			c.emitBinary(payload)
		case websocket.MessageText:
			if !json.Valid(payload) {
				c.logger.Warn("dropping non-JSON text frame", "bytes", len(payload))
				continue
			}
			c.emitMessage(json.RawMessage(payload))
		}
	}
}

// OnMessage registers a listener for decoded JSON control frames.
func (c *Channel) OnMessage(fn func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.onMessage[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onMessage, id)
	}
}

// OnBinary registers a listener for raw binary frames.
func (c *Channel) OnBinary(fn func([]byte)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.onBinary[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onBinary, id)
	}
}

// OnOpen registers a listener for successful connects.
func (c *Channel) OnOpen(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.onOpen[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onOpen, id)
	}
}

// OnClose registers a listener for connection teardown. The error is nil
// for a deliberate Close.
func (c *Channel) OnClose(fn func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.onClose[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onClose, id)
	}
}

// OnError registers a listener for transport failures.
func (c *Channel) OnError(fn func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.onError[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onError, id)
	}
}

func (c *Channel) emitOpen() {
	for _, fn := range c.snapshotOpen() {
		fn()
	}
}

func (c *Channel) emitClose(err error) {
	c.mu.Lock()
	fns := make([]func(error), 0, len(c.onClose))
	for _, fn := range c.onClose {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Channel) emitError(err error) {
	c.mu.Lock()
	fns := make([]func(error), 0, len(c.onError))
	for _, fn := range c.onError {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Channel) emitMessage(raw json.RawMessage) {
	c.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(c.onMessage))
	for _, fn := range c.onMessage {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func (c *Channel) emitBinary(payload []byte) {
	c.mu.Lock()
	fns := make([]func([]byte), 0, len(c.onBinary))
	for _, fn := range c.onBinary {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (c *Channel) snapshotOpen() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := make([]func(), 0, len(c.onOpen))
	for _, fn := range c.onOpen {
		fns = append(fns, fn)
	}
	return fns
}
