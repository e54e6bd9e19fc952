// Package app wires the relay components from configuration and serves them over HTTP.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/HMasataka/relay/internal/auth"
	"github.com/HMasataka/relay/internal/blob"
	"github.com/HMasataka/relay/internal/config"
	"github.com/HMasataka/relay/internal/eventbus"
	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/internal/presence"
	"github.com/HMasataka/relay/internal/store"
	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"github.com/HMasataka/relay/pkg/hub"
	"github.com/HMasataka/relay/pkg/router"
	relayws "github.com/HMasataka/relay/pkg/transport/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/mongo"
)

// App is a fully wired relay instance
type App struct {
	cfg        *config.Config
	logger     *logging.Logger
	instanceID string

	bus    *eventbus.InMemoryBus
	ws     *relayws.Server
	mongo  *mongo.Client
	redis  *redis.Client
	mirror *presence.Mirror
	cancel context.CancelFunc
}

// New builds every component named by cfg. Close releases them.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &App{
		cfg:        cfg,
		logger:     logger,
		instanceID: xid.New().String(),
		bus:        eventbus.NewInMemoryBus(1024),
		cancel:     cancel,
	}
	a.bus.Start(ctx)
	a.bus.SubscribeAll(func(event *eventbus.Event) {
		logger.Debug("event", "type", event.Type, "event_id", event.ID, "source", event.Source)
	})

	messages, err := a.messageStore(ctx)
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}

	blobs, err := a.blobStore(ctx)
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}

	if cfg.Redis.Enabled {
		if err := a.startMirror(ctx); err != nil {
			a.Close(context.Background())
			return nil, err
		}
	}

	errorHandler := errors.NewDefaultHandler(logger.Logger)
	registry := hub.NewRegistry(logger)
	broadcaster := hub.NewBroadcaster(registry, hub.BroadcasterOptions{
		Logger:      logger,
		EventBus:    a.bus,
		SendTimeout: cfg.Transport.WriteTimeout.Std(),
	})
	msgRouter := router.New(registry, messages, blobs, router.Options{
		Logger:       logger,
		EventBus:     a.bus,
		ErrorHandler: errorHandler,
		StoreTimeout: cfg.Store.Timeout.Std(),
		SendTimeout:  cfg.Transport.WriteTimeout.Std(),
	})

	a.ws = relayws.NewServer(
		relayws.WithAuthenticator(auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.CookieName)),
		relayws.WithRegistry(registry),
		relayws.WithBroadcaster(broadcaster),
		relayws.WithRouter(msgRouter),
		relayws.WithLogger(logger),
		relayws.WithEventBus(a.bus),
		relayws.WithErrorHandler(errorHandler),
		relayws.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		relayws.WithLiveness(cfg.Liveness.PingInterval.Std(), cfg.Liveness.PongDeadline.Std()),
		relayws.WithClientOptions(relayws.ClientOptions{
			WriteTimeout:   cfg.Transport.WriteTimeout.Std(),
			MaxMessageSize: cfg.Transport.MaxMessageSize,
			SendBuffer:     cfg.Transport.SendBuffer,
			InboundBuffer:  cfg.Transport.InboundBuffer,
		}),
	)

	logger.Info("relay initialized",
		"instance_id", a.instanceID,
		"store", cfg.Store.Driver,
		"blob", cfg.Blob.Driver,
		"redis", cfg.Redis.Enabled,
	)
	return a, nil
}

// Handler returns the HTTP routes of the relay
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/ws", a.ws.ServeHTTP)
	r.Get("/healthz", a.healthz)
	r.Get("/stats", a.stats)
	return r
}

// Run serves HTTP on the configured address until ctx is done, then shuts down.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         a.cfg.Addr(),
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout.Std(),
		WriteTimeout: a.cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  a.cfg.Server.IdleTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransport, "LISTEN_ERROR", "http server failed")
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := a.ws.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("websocket shutdown incomplete", "error", err)
	}
	return nil
}

// Close releases store, cache and bus resources
func (a *App) Close(ctx context.Context) {
	// drain queued presence events before the mirror clears its key
	a.bus.Stop()
	if a.mirror != nil {
		if err := a.mirror.Close(ctx); err != nil {
			a.logger.Warn("failed to clear presence mirror", "error", err)
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.mongo != nil {
		if err := a.mongo.Disconnect(ctx); err != nil {
			a.logger.Warn("mongo disconnect failed", "error", err)
		}
	}
	a.cancel()
}

type statsResponse struct {
	domain.HubStats
	InstanceID    string `json:"instance_id"`
	Accepted      int64  `json:"connections_accepted"`
	Rejected      int64  `json:"connections_rejected"`
	Evicted       int64  `json:"connections_evicted"`
	EventsDropped uint64 `json:"events_dropped"`
}

func (a *App) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		HubStats:      a.ws.Stats(),
		InstanceID:    a.instanceID,
		Accepted:      a.ws.Accepted(),
		Rejected:      a.ws.Rejected(),
		Evicted:       a.ws.Evicted(),
		EventsDropped: a.bus.Dropped(),
	})
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	status := http.StatusOK

	if a.mongo != nil {
		checks["mongo"] = "ok"
		if err := a.mongo.Ping(ctx, nil); err != nil {
			checks["mongo"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if a.redis != nil {
		checks["redis"] = "ok"
		if err := a.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
}

func (a *App) messageStore(ctx context.Context) (domain.MessageStore, error) {
	if a.cfg.Store.Driver == config.StoreDriverMemory {
		return store.NewMemory(), nil
	}

	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	s := store.NewMongo(db.Collection(a.cfg.Store.Collection))
	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *App) blobStore(ctx context.Context) (domain.BlobStore, error) {
	if a.cfg.Blob.Driver == config.BlobDriverDisk {
		return blob.NewDisk(a.cfg.Blob.Dir)
	}

	db, err := a.database(ctx)
	if err != nil {
		return nil, err
	}
	return blob.NewGridFS(db, a.cfg.Blob.Bucket)
}

// database connects on first use and shares the client between message and blob stores
func (a *App) database(ctx context.Context) (*mongo.Database, error) {
	if a.mongo == nil {
		cli, err := store.Connect(ctx, a.cfg.Store.MongoURI, a.cfg.Store.Timeout.Std())
		if err != nil {
			return nil, err
		}
		a.mongo = cli
	}
	return a.mongo.Database(a.cfg.Store.Database), nil
}

func (a *App) startMirror(ctx context.Context) error {
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "REDIS_CONNECT", "failed to connect to Redis")
	}

	a.mirror = presence.NewMirror(a.redis, a.instanceID, presence.MirrorOptions{
		KeyPrefix: a.cfg.Redis.KeyPrefix,
		TTL:       a.cfg.Redis.TTL.Std(),
		Logger:    a.logger,
	})
	a.mirror.Attach(a.bus)
	go a.mirror.Run(ctx)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
