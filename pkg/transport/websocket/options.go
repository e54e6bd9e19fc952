package websocket

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/HMasataka/relay/internal/eventbus"
	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"github.com/HMasataka/relay/pkg/hub"
)

// ServerOptions represents websocket server options
type ServerOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Authenticator   domain.Authenticator
	Registry        *hub.Registry
	Broadcaster     *hub.Broadcaster
	Router          MessageRouter
	Logger          *logging.Logger
	EventBus        eventbus.Bus
	ErrorHandler    errors.Handler
	Client          ClientOptions
	PingInterval    time.Duration
	PongDeadline    time.Duration
}

// ServerOption is a function that configures ServerOptions
type ServerOption func(*ServerOptions)

// WithAuthenticator sets the handshake authenticator
func WithAuthenticator(auth domain.Authenticator) ServerOption {
	return func(o *ServerOptions) {
		o.Authenticator = auth
	}
}

// WithRegistry sets the connection registry
func WithRegistry(registry *hub.Registry) ServerOption {
	return func(o *ServerOptions) {
		o.Registry = registry
	}
}

// WithBroadcaster sets the presence broadcaster
func WithBroadcaster(broadcaster *hub.Broadcaster) ServerOption {
	return func(o *ServerOptions) {
		o.Broadcaster = broadcaster
	}
}

// WithRouter sets the message router for the server
func WithRouter(router MessageRouter) ServerOption {
	return func(o *ServerOptions) {
		o.Router = router
	}
}

// WithLogger sets the logger for the server
func WithLogger(logger *logging.Logger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = logger
	}
}

// WithEventBus sets the event bus for the server
func WithEventBus(eventBus eventbus.Bus) ServerOption {
	return func(o *ServerOptions) {
		o.EventBus = eventBus
	}
}

// WithErrorHandler sets the handler lifecycle errors are reported to
func WithErrorHandler(handler errors.Handler) ServerOption {
	return func(o *ServerOptions) {
		o.ErrorHandler = handler
	}
}

// WithClientOptions sets per-connection options
func WithClientOptions(options ClientOptions) ServerOption {
	return func(o *ServerOptions) {
		o.Client = options
	}
}

// WithLiveness sets the heartbeat cadence
func WithLiveness(interval, deadline time.Duration) ServerOption {
	return func(o *ServerOptions) {
		o.PingInterval = interval
		o.PongDeadline = deadline
	}
}

// WithCheckOrigin sets the check origin function
func WithCheckOrigin(checkOrigin func(r *http.Request) bool) ServerOption {
	return func(o *ServerOptions) {
		o.CheckOrigin = checkOrigin
	}
}

// WithAllowedOrigins accepts browser upgrades only from the listed origins.
// "*" allows any origin; an empty list keeps the same-host check.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(o *ServerOptions) {
		if len(origins) == 0 {
			o.CheckOrigin = nil
			return
		}

		allowed := make(map[string]struct{}, len(origins))
		for _, origin := range origins {
			if origin == "*" {
				o.CheckOrigin = func(*http.Request) bool { return true }
				return
			}
			allowed[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
		}

		o.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
			return ok
		}
	}
}
