// Package auth resolves inbound API keys into the owning organization and
// its gateway policy. Keys are stored hashed; the raw token never leaves
// this package. A small bounded cache fronts the backing store so that hot
// keys skip a store round trip — the store stays authoritative, the cache
// is best-effort.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrUnauthorized is returned for unknown, revoked or malformed API keys.
// The gateway maps it to a 401 and never forwards the request upstream.
var ErrUnauthorized = errors.New("auth: invalid api key")

// Identity is the resolved owner of an API key.
type Identity struct {
	OrgID  string
	KeyID  string
	UserID string

	// PolicyRaw is the organization's rate-limit policy in header form
	// ("100;w=60;u=requests"); empty means the default policy applies.
	PolicyRaw string

	// Region tags the organization for data-residency partitioning.
	Region string

	Revoked bool
}

// Keystore is the backing credential store. Lookup receives the hex SHA-256
// of the raw key and returns ErrUnauthorized when no live key matches.
type Keystore interface {
	Lookup(ctx context.Context, keyHash string) (*Identity, error)
}

// StaticKeystore serves a fixed set of keys from memory. Meant for local
// development and tests; production deployments use the Postgres store.
type StaticKeystore struct {
	identities map[string]*Identity
}

// NewStaticKeystore builds a keystore from raw keys. Every key resolves to
// the same organization with no stored policy and the default region.
func NewStaticKeystore(orgID string, rawKeys []string) *StaticKeystore {
	ids := make(map[string]*Identity, len(rawKeys))
	for _, raw := range rawKeys {
		hash := HashKey(raw)
		ids[hash] = &Identity{
			OrgID: orgID,
			KeyID: "static-" + hash[:8],
		}
	}
	return &StaticKeystore{identities: ids}
}

// Lookup implements Keystore.
func (s *StaticKeystore) Lookup(_ context.Context, keyHash string) (*Identity, error) {
	id, ok := s.identities[keyHash]
	if !ok {
		return nil, ErrUnauthorized
	}
	return id, nil
}

const (
	cacheMaxEntries = 512
	cacheTTL        = 2 * time.Minute
)

type cachedIdentity struct {
	id        *Identity
	expiresAt time.Time
}

// Resolver validates API keys against a Keystore through a bounded
// FIFO-evicting cache.
type Resolver struct {
	store Keystore

	mu    sync.Mutex
	cache map[string]cachedIdentity
	order []string
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store Keystore) *Resolver {
	return &Resolver{
		store: store,
		cache: make(map[string]cachedIdentity, cacheMaxEntries),
	}
}

// HashKey returns the hex SHA-256 of a raw API key. Exported so stores and
// provisioning tools hash the same way.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Resolve validates the raw bearer token and returns the owning identity.
// Returns ErrUnauthorized for malformed, unknown or revoked keys.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if !strings.HasPrefix(token, "sk-") || len(token) < 8 {
		return nil, ErrUnauthorized
	}

	hash := HashKey(token)

	if id, ok := r.cached(hash); ok {
		if id.Revoked {
			return nil, ErrUnauthorized
		}
		return id, nil
	}

	id, err := r.store.Lookup(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	r.populate(hash, id)

	if id.Revoked {
		return nil, ErrUnauthorized
	}
	return id, nil
}

func (r *Resolver) cached(hash string) (*Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[hash]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(r.cache, hash)
		return nil, false
	}
	return entry.id, true
}

// populate inserts hash into the cache, evicting the oldest entry once the
// bound is reached. FIFO rather than LRU: eviction order does not matter
// much at this size and insertion order needs no bookkeeping on reads.
func (r *Resolver) populate(hash string, id *Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache[hash]; !ok {
		for len(r.cache) >= cacheMaxEntries && len(r.order) > 0 {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.cache, oldest)
		}
		r.order = append(r.order, hash)
	}

	r.cache[hash] = cachedIdentity{id: id, expiresAt: time.Now().Add(cacheTTL)}
}

// Invalidate drops a cached key, forcing the next Resolve through the store.
func (r *Resolver) Invalidate(rawKey string) {
	hash := HashKey(rawKey)
	r.mu.Lock()
	delete(r.cache, hash)
	r.mu.Unlock()
}

// CacheLen returns the number of cached identities.
func (r *Resolver) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
