package cache

import (
	"context"
	"time"
)

// RegionalStore routes cache operations to the store registered for the
// request's region. Data residency is strict: a key written through one
// region is never visible through another. Requests with no region tag
// (or an unknown one) use the default store.
type RegionalStore struct {
	regions map[string]Cache
	def     Cache
}

// NewRegionalStore creates a RegionalStore with def as the fallback backend.
func NewRegionalStore(def Cache) *RegionalStore {
	return &RegionalStore{
		regions: make(map[string]Cache),
		def:     def,
	}
}

// Register binds a region tag to a dedicated backend. Registering the same
// region twice replaces the earlier binding.
func (rs *RegionalStore) Register(region string, c Cache) {
	rs.regions[region] = c
}

// ForRegion returns the backend serving the given region, falling back to
// the default store for empty or unregistered tags.
func (rs *RegionalStore) ForRegion(region string) Cache {
	if c, ok := rs.regions[region]; ok {
		return c
	}
	return rs.def
}

// Get reads key from the store owned by region.
func (rs *RegionalStore) Get(ctx context.Context, region, key string) ([]byte, bool) {
	return rs.ForRegion(region).Get(ctx, key)
}

// Set writes key to the store owned by region.
func (rs *RegionalStore) Set(ctx context.Context, region, key string, value []byte, ttl time.Duration) error {
	return rs.ForRegion(region).Set(ctx, key, value, ttl)
}
