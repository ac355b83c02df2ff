// Package registry implements the Feed Cache Registry: the mapping from an
// authenticated client to its Frame Cache, with a secondary lookup by the
// client's human-readable stream identifier.
package registry

import (
	"errors"
	"sync"

	"videodaemon/internal/auth"
	"videodaemon/internal/cache"
)

// ErrNotFound is returned by LookupByIdentifier when no Frame Cache is
// registered under the given identifier.
var ErrNotFound = errors.New("registry: identifier not found")

// CacheFactory constructs a new Frame Cache for a client. It is injected so
// the registry stays decoupled from cache.Config defaults and test clocks.
type CacheFactory func(client *auth.Client) *cache.Cache

// Registry maps clients to Frame Caches. The "get-or-create for client X"
// sequence is atomic with respect to concurrent callers racing on the same
// client, and the identifier secondary index is always updated consistently
// with the primary map.
type Registry struct {
	mu          sync.RWMutex
	byClientID  map[string]*cache.Cache
	byIdentifier map[string]*cache.Cache
	newCache    CacheFactory
}

// New constructs an empty Registry. factory is called at most once per
// client, under the registry's write lock, to build a new Frame Cache.
func New(factory CacheFactory) *Registry {
	return &Registry{
		byClientID:   make(map[string]*cache.Cache),
		byIdentifier: make(map[string]*cache.Cache),
		newCache:     factory,
	}
}

// GetOrCreate returns the Frame Cache for client, creating and installing one
// on first access. Concurrent callers for the same client observe the same
// cache instance.
func (r *Registry) GetOrCreate(client *auth.Client) *cache.Cache {
	r.mu.RLock()
	if c, ok := r.byClientID[client.ID]; ok {
		r.mu.RUnlock()
		return c
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byClientID[client.ID]; ok {
		return c
	}
	c := r.newCache(client)
	r.byClientID[client.ID] = c
	r.byIdentifier[client.Identifier] = c
	return c
}

// LookupByIdentifier resolves a Frame Cache by its human-readable stream
// identifier, as used by the Viewer Server's /feed/{identifier} endpoint.
func (r *Registry) LookupByIdentifier(identifier string) (*cache.Cache, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byIdentifier[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Remove drops a client's Frame Cache from both indices, used once the
// Storage Flusher has drained a client and the Authenticator is ready to
// evict it.
func (r *Registry) Remove(client *auth.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byClientID, client.ID)
	delete(r.byIdentifier, client.Identifier)
}

// RemoveByClientID drops a Frame Cache by its owning client's opaque ID,
// for callers (the Storage Flusher's OnClosed hook) that never held a
// *auth.Client to begin with.
func (r *Registry) RemoveByClientID(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byClientID[clientID]
	if !ok {
		return
	}
	delete(r.byClientID, clientID)
	delete(r.byIdentifier, c.Stream())
}

// Identifiers returns a snapshot of every currently registered stream
// identifier, used by the Viewer Server's index endpoint.
func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byIdentifier))
	for id := range r.byIdentifier {
		out = append(out, id)
	}
	return out
}

// Snapshot returns every (clientID, cache) pair currently registered, used
// by the Storage Flusher to iterate without holding the registry lock while
// it drains each cache.
func (r *Registry) Snapshot() map[string]*cache.Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*cache.Cache, len(r.byClientID))
	for id, c := range r.byClientID {
		out[id] = c
	}
	return out
}

// Len reports the number of currently registered feeds, for /readyz.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byClientID)
}
