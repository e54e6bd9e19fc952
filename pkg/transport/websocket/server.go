package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/relay/internal/eventbus"
	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"github.com/HMasataka/relay/pkg/hub"
	"github.com/HMasataka/relay/pkg/liveness"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// MessageRouter handles data frames read from a registered connection
type MessageRouter interface {
	Handle(ctx context.Context, client domain.Client, raw []byte) error
}

// messageCounter is implemented by routers that count traffic
type messageCounter interface {
	Persisted() int64
	Delivered() int64
}

// Server drives every connection from handshake to teardown: authenticate,
// upgrade, register, monitor, announce presence, read, and clean up once.
type Server struct {
	upgrader     websocket.Upgrader
	auth         domain.Authenticator
	registry     *hub.Registry
	broadcaster  *hub.Broadcaster
	router       MessageRouter
	logger       *logging.Logger
	eventBus     eventbus.Bus
	errorHandler errors.Handler
	options      ServerOptions
	startedAt    time.Time

	mu      sync.Mutex
	clients map[string]*Client
	closing bool
	wg      sync.WaitGroup

	accepted atomic.Int64
	rejected atomic.Int64
	evicted  atomic.Int64
}

// NewServer creates a new WebSocket server
func NewServer(opts ...ServerOption) *Server {
	options := ServerOptions{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Client:          DefaultClientOptions(),
	}
	lv := liveness.DefaultOptions()
	options.PingInterval = lv.Interval
	options.PongDeadline = lv.Deadline

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = logging.NewNop()
	}
	if options.ErrorHandler == nil {
		options.ErrorHandler = errors.NewDefaultHandler(options.Logger.Logger)
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     options.CheckOrigin,
		},
		auth:         options.Authenticator,
		registry:     options.Registry,
		broadcaster:  options.Broadcaster,
		router:       options.Router,
		logger:       options.Logger,
		eventBus:     options.EventBus,
		errorHandler: options.ErrorHandler,
		options:      options,
		startedAt:    time.Now(),
		clients:      make(map[string]*Client),
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	identity, err := s.auth.Authenticate(r.Context(), r.Header)
	if err != nil {
		s.rejected.Add(1)
		s.errorHandler.Handle(r.Context(), err)
		s.publish(eventbus.NewEvent(eventbus.EventConnectionRejected, "websocket-server", map[string]string{
			"remote_addr": r.RemoteAddr,
		}))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error",
			"error", err,
			"remote_addr", r.RemoteAddr,
		)
		return
	}

	s.serve(conn, identity, r.RemoteAddr)
}

func (s *Server) serve(conn *websocket.Conn, identity domain.Identity, remoteAddr string) {
	clientID := xid.New().String()
	client := NewClient(clientID, conn, s.logger, s.options.Client)
	client.Start()

	logger := s.logger.WithFields(map[string]any{
		"client_id": clientID,
		"user_id":   identity.UserID,
	})

	if err := s.registry.Register(client, identity); err != nil {
		s.errorHandler.Handle(context.Background(), err)
		client.Terminate()
		client.Wait()
		return
	}
	s.track(client)

	monitor := liveness.New(liveness.ProberFunc(client.Ping), liveness.Options{
		Interval: s.options.PingInterval,
		Deadline: s.options.PongDeadline,
		Logger:   logger,
		OnDead: func(err error) {
			s.evicted.Add(1)
			s.publish(eventbus.NewEvent(eventbus.EventConnectionEvicted, "websocket-server", identity).
				WithMetadata("client_id", clientID))
			client.Terminate()
		},
	})
	client.OnPong(monitor.Pong)
	monitor.Start()

	s.accepted.Add(1)
	s.publish(eventbus.NewEvent(eventbus.EventConnectionAccepted, "websocket-server", identity).
		WithMetadata("client_id", clientID).
		WithMetadata("remote_addr", remoteAddr))
	logger.Info("client connected", "remote_addr", remoteAddr)

	s.broadcaster.BroadcastPresence(context.Background())

	// returns once queued frames are handled
	client.ReadLoop(func(ctx context.Context, data []byte) {
		if s.router == nil {
			return
		}
		// errors are reported by the router
		_ = s.router.Handle(ctx, client, data)
	})

	monitor.Stop()
	client.Close()
	client.Wait()
	s.untrack(client)

	if s.registry.Deregister(client) {
		s.broadcaster.BroadcastPresence(context.Background())
	}

	s.publish(eventbus.NewEvent(eventbus.EventConnectionClosed, "websocket-server", identity).
		WithMetadata("client_id", clientID))
	logger.Info("client disconnected", "liveness", monitor.State().String())
}

// Shutdown closes every connection with a normal close frame and waits for their
// teardown. Connections still open when ctx ends are terminated.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for _, c := range s.clients {
			c.Terminate()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Stats returns relay statistics
func (s *Server) Stats() domain.HubStats {
	clients, users := s.registry.Count()
	stats := domain.HubStats{
		ConnectedClients: clients,
		OnlineUsers:      users,
		Broadcasts:       s.broadcaster.Broadcasts(),
		Uptime:           time.Since(s.startedAt).Seconds(),
	}
	if counter, ok := s.router.(messageCounter); ok {
		stats.MessagesPersisted = counter.Persisted()
		stats.MessagesDelivered = counter.Delivered()
	}
	return stats
}

// Accepted returns how many connections were registered
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// Rejected returns how many handshakes failed authentication
func (s *Server) Rejected() int64 { return s.rejected.Load() }

// Evicted returns how many connections the heartbeat terminated
func (s *Server) Evicted() int64 { return s.evicted.Load() }

func (s *Server) track(c *Client) {
	s.mu.Lock()
	s.clients[c.ID()] = c
	closing := s.closing
	s.mu.Unlock()

	if closing {
		c.Close()
	}
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.ID())
	s.mu.Unlock()
}

func (s *Server) publish(event *eventbus.Event) {
	if s.eventBus != nil {
		s.eventBus.PublishAsync(event)
	}
}
