package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Radhika1502/renexus-sub006/pkg/protocol"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout     time.Duration
	MaxMessageBytes int64
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	if conn != nil && config.MaxMessageBytes > 0 {
		conn.SetReadLimit(config.MaxMessageBytes)
	}

	// Counted from construction so a connection closed before Run still
	// balances the shutdown wait group.
	wg.Add(1)

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, 256), // Buffered channel
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Debug("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		// Read the full message. Use io.ReadAll for safety.
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		// Pass a connection-scoped context to the handler.
		c.onMessage(c.ctx, c.id, message)
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message to the client. It is safe for concurrent use. A
// delivery failure surfaces through the write pump as a connection close, it
// is never propagated to the caller.
func (c *Connection) Send(message []byte) {
	select {
	case c.send <- message:
	case <-c.ctx.Done():
		c.logger.Debug("Attempted to send on a closed connection")
	}
}

// Ping sends a transport-level ping and blocks until the corresponding pong
// arrives or ctx expires.
func (c *Connection) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Open reports whether the connection has not yet begun closing.
func (c *Connection) Open() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

// Close shuts down the connection after a transport-level error (or nil for a
// normal closure). Safe to invoke multiple times.
func (c *Connection) Close(err error) {
	c.shutdown(websocket.StatusNormalClosure, "", err)
}

// CloseWithCode performs the close handshake with a protocol close code and
// reason, falling back to an abrupt abort if the graceful path fails.
func (c *Connection) CloseWithCode(code protocol.CloseCode, reason string) {
	c.shutdown(websocket.StatusCode(code), reason, nil)
}

func (c *Connection) shutdown(status websocket.StatusCode, reason string, cause error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("Transport connection closing",
			slog.Int("status", int(status)),
			slog.String("reason", reason),
			slog.Any("cause", cause),
		)
		// The send channel is intentionally never closed: Send may race with
		// shutdown, and a send on a closed channel would panic. The write pump
		// exits on ctx cancellation and any buffered messages are dropped.
		c.cancel()
		if c.conn != nil {
			if err := c.conn.Close(status, reason); err != nil {
				c.conn.CloseNow()
			}
		}
		if c.onClose != nil {
			c.onClose(c.id, cause)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
