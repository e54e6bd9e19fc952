// Package client is a Go client for the relay: it dials with a session token,
// dispatches server frames to handlers and reconnects after a dropped connection.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"github.com/HMasataka/relay/pkg/transport/protocol"
	"github.com/gorilla/websocket"
)

// Options represents relay client options
type Options struct {
	Logger        *logging.Logger
	Token         string
	CookieName    string
	WriteTimeout  time.Duration
	AutoReconnect bool
	Reconnect     ReconnectPolicy
}

// DefaultOptions returns default client options
func DefaultOptions() Options {
	return Options{
		CookieName:    "token",
		WriteTimeout:  10 * time.Second,
		AutoReconnect: true,
		Reconnect:     DefaultReconnectPolicy(),
	}
}

type outbound struct {
	Recipient string               `json:"recipient"`
	Text      string               `json:"text,omitempty"`
	File      *protocol.FileUpload `json:"file,omitempty"`
}

// Client represents a relay client
type Client struct {
	url      url.URL
	options  Options
	logger   *logging.Logger
	handlers *protocol.DefaultHandlerRegistry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	conn    *websocket.Conn
	online  []domain.Identity
	writeMu sync.Mutex
}

// New creates a client for serverURL, e.g. ws://localhost:4000/ws
func New(serverURL string, options Options) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_URL", "invalid server url")
	}
	if options.Logger == nil {
		options.Logger = logging.New(logging.Config{Level: "info", Format: "text"})
	}
	if options.CookieName == "" {
		options.CookieName = "token"
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:      *u,
		options:  options,
		logger:   options.Logger,
		handlers: protocol.NewHandlerRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// OnPresence registers the roster handler
func (c *Client) OnPresence(fn func(ctx context.Context, online []domain.Identity)) {
	c.handlers.Register(protocol.FramePresence, protocol.HandlerFunc(func(ctx context.Context, f *protocol.Frame) error {
		fn(ctx, f.Presence.Online)
		return nil
	}))
}

// OnDelivery registers the handler for incoming messages
func (c *Client) OnDelivery(fn func(ctx context.Context, msg protocol.DeliveryFrame)) {
	c.handlers.Register(protocol.FrameDelivery, protocol.HandlerFunc(func(ctx context.Context, f *protocol.Frame) error {
		fn(ctx, *f.Delivery)
		return nil
	}))
}

// OnError registers the handler for error frames about messages this client sent
func (c *Client) OnError(fn func(ctx context.Context, message string)) {
	c.handlers.Register(protocol.FrameError, protocol.HandlerFunc(func(ctx context.Context, f *protocol.Frame) error {
		fn(ctx, f.Error.Error)
		return nil
	}))
}

// Connect dials the server and starts reading in the background
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if !c.installConn(conn) {
		return errors.New(errors.ErrorTypeTransport, "CLIENT_CLOSED", "client is closed")
	}

	go c.run(conn)
	return nil
}

// Done is closed once the client stops for good
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Online returns the last roster received
func (c *Client) Online() []domain.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Identity(nil), c.online...)
}

// SendText sends a text message to recipient
func (c *Client) SendText(ctx context.Context, recipient, text string) error {
	return c.send(ctx, outbound{Recipient: recipient, Text: text})
}

// SendFile sends an attachment, with optional text, to recipient
func (c *Client) SendFile(ctx context.Context, recipient, text, name, mimeType string, data []byte) error {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return c.send(ctx, outbound{
		Recipient: recipient,
		Text:      text,
		File: &protocol.FileUpload{
			Name:     name,
			MimeType: mimeType,
			Data:     "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
		},
	})
}

// Close sends a close frame and stops reconnecting
func (c *Client) Close() error {
	c.cancel()

	conn := c.currentConn()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.options.WriteTimeout))
	c.writeMu.Unlock()
	conn.Close()

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return errors.Wrap(err, errors.ErrorTypeTransport, "CLOSE_ERROR", "failed to send close frame")
	}
	return nil
}

func (c *Client) send(ctx context.Context, msg outbound) error {
	conn := c.currentConn()
	if conn == nil {
		return errors.New(errors.ErrorTypeTransport, "NOT_CONNECTED", "not connected to server")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "MARSHAL_ERROR", "failed to marshal message")
	}

	deadline := time.Now().Add(c.options.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "WRITE_ERROR", "failed to send message")
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.options.Token != "" {
		header.Add("Cookie", (&http.Cookie{Name: c.options.CookieName, Value: c.options.Token}).String())
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		e := errors.Wrap(err, errors.ErrorTypeTransport, "DIAL_ERROR", "failed to connect to server")
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			e = errors.Wrap(err, errors.ErrorTypeAuth, domain.ErrAuthFailure.Code, domain.ErrAuthFailure.Message)
		}
		return nil, e
	}

	c.logger.Info("connected to relay", "url", c.url.String())
	return conn, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)

	for {
		err := c.readLoop(conn)
		c.setConn(nil)
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection lost", "error", err)

		if !c.options.AutoReconnect {
			return
		}
		if conn = c.reconnect(); conn == nil {
			return
		}
		if !c.installConn(conn) {
			return
		}
	}
}

func (c *Client) reconnect() *websocket.Conn {
	for attempt := 1; c.options.Reconnect.Allowed(attempt); attempt++ {
		timer := time.NewTimer(c.options.Reconnect.Delay(attempt))
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := c.dial(c.ctx)
		if err == nil {
			return conn
		}
		c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)

		if errors.Is(err, domain.ErrAuthFailure) {
			return nil
		}
	}

	c.logger.Error("giving up reconnecting")
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("failed to decode frame", "error", err)
			continue
		}

		if frame.Kind == protocol.FramePresence {
			c.mu.Lock()
			c.online = append([]domain.Identity(nil), frame.Presence.Online...)
			c.mu.Unlock()
		}

		if err := c.handlers.Handle(c.ctx, frame); err != nil {
			c.logger.Debug("frame not handled", "kind", frame.Kind, "error", err)
		}
	}
}

// installConn makes conn current unless Close already ran, in which case conn
// is closed and false is returned.
func (c *Client) installConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()
	return true
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}
