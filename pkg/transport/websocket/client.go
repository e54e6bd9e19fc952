package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/gorilla/websocket"
)

// ClientOptions represents per-connection options
type ClientOptions struct {
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	InboundBuffer  int
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 16 << 20,
		SendBuffer:     256,
		InboundBuffer:  64,
	}
}

// Client is one accepted WebSocket connection. It implements domain.Client.
//
// Outbound frames go through a buffered queue drained by a single write pump, so
// Send never blocks a caller on a slow peer. Data frames are read on the
// goroutine that calls ReadLoop and handled in order by a separate worker, so
// control frames keep flowing while a frame is being handled.
type Client struct {
	id      string
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger
	options ClientOptions

	sendChan   chan []byte
	done       chan struct{}
	startOnce  sync.Once
	terminated atomic.Bool
}

// NewClient wraps an upgraded connection
func NewClient(id string, conn *websocket.Conn, logger *logging.Logger, options ClientOptions) *Client {
	logger = logger.WithFields(map[string]any{"client_id": id})
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))

	if options.SendBuffer <= 0 {
		options.SendBuffer = DefaultClientOptions().SendBuffer
	}
	if options.InboundBuffer <= 0 {
		options.InboundBuffer = DefaultClientOptions().InboundBuffer
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultClientOptions().WriteTimeout
	}
	if options.MaxMessageSize > 0 {
		conn.SetReadLimit(options.MaxMessageSize)
	}

	return &Client{
		id:       id,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		options:  options,
		sendChan: make(chan []byte, options.SendBuffer),
		done:     make(chan struct{}),
	}
}

// ID implements domain.Client
func (c *Client) ID() string {
	return c.id
}

// Send implements domain.Client. It queues the frame and returns at once.
func (c *Client) Send(ctx context.Context, message []byte) error {
	if c.ctx.Err() != nil {
		return domain.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case c.sendChan <- message:
		return nil
	case <-c.ctx.Done():
		return domain.ErrConnectionClosed
	default:
		return domain.ErrSendBufferFull.WithDetails(c.id)
	}
}

// Close implements domain.Client. The write pump sends a normal close frame and
// then closes the socket.
func (c *Client) Close() error {
	c.cancel()
	return nil
}

// Terminate drops the socket without a close handshake
func (c *Client) Terminate() {
	c.terminated.Store(true)
	c.cancel()
	c.conn.Close()
}

// Context implements domain.Client. It is done once the connection starts closing.
func (c *Client) Context() context.Context {
	return c.ctx
}

// Ping sends a ping control frame. Safe to call concurrently with the write pump.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.options.WriteTimeout))
}

// OnPong registers fn to run on the read goroutine for every pong received
func (c *Client) OnPong(fn func()) {
	c.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// Start launches the write pump
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.writePump()
	})
}

// Wait blocks until the write pump has closed the socket
func (c *Client) Wait() {
	<-c.done
}

// ReadLoop reads frames until the socket fails or closes. Data frames are queued
// and passed to handle one at a time in arrival order on a worker goroutine.
// ReadLoop returns after the worker has handled every queued frame.
func (c *Client) ReadLoop(handle func(ctx context.Context, data []byte)) error {
	inbox := make(chan []byte, c.options.InboundBuffer)
	worker := make(chan struct{})
	go func() {
		defer close(worker)
		for message := range inbox {
			handle(c.ctx, message)
		}
	}()
	defer func() {
		close(inbox)
		<-worker
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!c.terminated.Load() && c.ctx.Err() == nil {
				c.logger.Warn("websocket read error", "error", err)
			}
			return err
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		select {
		case inbox <- message:
		case <-c.ctx.Done():
			c.logger.Debug("frame dropped on closing connection", "size", len(message))
		}
	}
}

// writePump pumps queued frames to the websocket connection
func (c *Client) writePump() {
	defer close(c.done)
	defer func() {
		c.conn.Close()
		c.logger.Debug("write pump stopped")
	}()

	for {
		select {
		case <-c.ctx.Done():
			if !c.terminated.Load() {
				deadline := time.Now().Add(c.options.WriteTimeout)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
					c.logger.Debug("close frame not sent", "error", err)
				}
			}
			return

		case message := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				c.Terminate()
				return
			}
		}
	}
}
