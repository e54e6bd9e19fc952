package hub

import (
	"sort"
	"sync"

	"github.com/HMasataka/relay/internal/logging"
	"github.com/HMasataka/relay/pkg/domain"
)

type entry struct {
	client   domain.Client
	identity domain.Identity
}

// Registry is the single source of truth for who is online.
// All mutations and reads are serialized by one lock.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]entry
	users   map[string]map[string]domain.Client
	logger  *logging.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		clients: make(map[string]entry),
		users:   make(map[string]map[string]domain.Client),
		logger:  logger,
	}
}

// Register admits a connection under an identity
func (r *Registry) Register(client domain.Client, identity domain.Identity) error {
	if identity.IsZero() {
		return domain.ErrAuthFailure.WithDetails("empty identity")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	clientID := client.ID()
	if _, exists := r.clients[clientID]; exists {
		return domain.ErrDuplicateRegistration.WithDetails(clientID)
	}

	r.clients[clientID] = entry{client: client, identity: identity}

	conns, ok := r.users[identity.UserID]
	if !ok {
		conns = make(map[string]domain.Client)
		r.users[identity.UserID] = conns
	}
	conns[clientID] = client

	r.logger.Info("client registered",
		"client_id", clientID,
		"user_id", identity.UserID,
		"total_clients", len(r.clients),
	)

	return nil
}

// Deregister removes a connection. It reports whether the connection was present;
// removing an absent connection is not an error.
func (r *Registry) Deregister(client domain.Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	clientID := client.ID()
	e, ok := r.clients[clientID]
	if !ok {
		return false
	}

	delete(r.clients, clientID)
	if conns, ok := r.users[e.identity.UserID]; ok {
		delete(conns, clientID)
		if len(conns) == 0 {
			delete(r.users, e.identity.UserID)
		}
	}

	r.logger.Info("client unregistered",
		"client_id", clientID,
		"user_id", e.identity.UserID,
		"total_clients", len(r.clients),
	)

	return true
}

// SnapshotOnline returns every distinct identity holding at least one live connection
func (r *Registry) SnapshotOnline() []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.onlineLocked()
}

// ConnectionsFor returns the live connections bound to userID
func (r *Registry) ConnectionsFor(userID string) []domain.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	out := make([]domain.Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IdentityOf returns the identity bound to a registered connection
func (r *Registry) IdentityOf(client domain.Client) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.clients[client.ID()]
	return e.identity, ok
}

// Clients returns every registered connection
func (r *Registry) Clients() []domain.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.clientsLocked()
}

// Snapshot returns the roster and the connections it must be sent to, read under one lock
func (r *Registry) Snapshot() ([]domain.Identity, []domain.Client) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.onlineLocked(), r.clientsLocked()
}

// Count returns the number of registered connections and distinct users
func (r *Registry) Count() (clients, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients), len(r.users)
}

func (r *Registry) onlineLocked() []domain.Identity {
	online := make([]domain.Identity, 0, len(r.users))
	for userID, conns := range r.users {
		for clientID := range conns {
			online = append(online, domain.Identity{
				UserID:   userID,
				Username: r.clients[clientID].identity.Username,
			})
			break
		}
	}

	sort.Slice(online, func(i, j int) bool {
		return online[i].UserID < online[j].UserID
	})

	return online
}

func (r *Registry) clientsLocked() []domain.Client {
	out := make([]domain.Client, 0, len(r.clients))
	for _, e := range r.clients {
		out = append(out, e.client)
	}
	return out
}
