// Package presence tracks which users hold at least one live connection.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"treehub/internal/model"
)

// Status is a user's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Mirror receives online/offline transitions so processes outside this one
// can observe presence. The in-process registry stays authoritative.
type Mirror interface {
	SetOnline(ctx context.Context, identity model.Identity) error
	SetOffline(ctx context.Context, userID string) error
}

// Registry maps users to their live connections. A user is online iff the
// set is non-empty; several connections per user are normal (multi-device).
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{}
	byConn map[string]model.Identity
	log    *zap.Logger
	mirror Mirror
	// serializes mirror writes; each write re-checks the live state first
	mirrorMu sync.Mutex
	timeout  time.Duration
}

// NewRegistry builds an empty registry. mirror may be nil.
func NewRegistry(log *zap.Logger, mirror Mirror) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		byUser:  make(map[string]map[string]struct{}),
		byConn:  make(map[string]model.Identity),
		log:     log,
		mirror:  mirror,
		timeout: 2 * time.Second,
	}
}

// Register records connID for identity and reports whether the user just
// came online. Registering the same connection twice is a no-op.
func (r *Registry) Register(connID string, identity model.Identity) bool {
	r.mu.Lock()
	if _, exists := r.byConn[connID]; exists {
		r.mu.Unlock()
		return false
	}
	r.byConn[connID] = identity
	conns, ok := r.byUser[identity.ID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[identity.ID] = conns
	}
	conns[connID] = struct{}{}
	becameOnline := len(conns) == 1
	r.mu.Unlock()

	if becameOnline {
		r.mirrorOnline(identity)
	}
	return becameOnline
}

// Deregister removes connID and reports the owning user and whether that
// user just went offline. Unknown connections are a no-op.
func (r *Registry) Deregister(connID string) (string, bool) {
	r.mu.Lock()
	identity, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byConn, connID)
	conns := r.byUser[identity.ID]
	delete(conns, connID)
	becameOffline := len(conns) == 0
	if becameOffline {
		delete(r.byUser, identity.ID)
	}
	r.mu.Unlock()

	if becameOffline {
		r.mirrorOffline(identity.ID)
	}
	return identity.ID, becameOffline
}

// IsOnline reports whether userID holds at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ConnectionsFor returns a snapshot of userID's connection ids.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Online lists the identities of every online user.
func (r *Registry) Online() []model.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.byUser))
	out := make([]model.Identity, 0, len(r.byUser))
	for _, identity := range r.byConn {
		if _, dup := seen[identity.ID]; dup {
			continue
		}
		seen[identity.ID] = struct{}{}
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *Registry) mirrorOnline(identity model.Identity) {
	if r.mirror == nil {
		return
	}
	r.mirrorMu.Lock()
	defer r.mirrorMu.Unlock()
	if !r.IsOnline(identity.ID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.mirror.SetOnline(ctx, identity); err != nil {
		r.log.Warn("presence mirror online", zap.String("user_id", identity.ID), zap.Error(err))
	}
}

func (r *Registry) mirrorOffline(userID string) {
	if r.mirror == nil {
		return
	}
	r.mirrorMu.Lock()
	defer r.mirrorMu.Unlock()
	if r.IsOnline(userID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.mirror.SetOffline(ctx, userID); err != nil {
		r.log.Warn("presence mirror offline", zap.String("user_id", userID), zap.Error(err))
	}
}
