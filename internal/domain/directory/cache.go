package directory

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedRepository keeps facility lookups in a TTL cache. Actors are never
// cached so role and membership changes apply on the next request.
type CachedRepository struct {
	Repository
	cache *cache.Cache
}

func NewCachedRepository(next Repository, ttl time.Duration) *CachedRepository {
	return &CachedRepository{
		Repository: next,
		cache:      cache.New(ttl, 2*ttl),
	}
}

func (c *CachedRepository) LookupFacility(ctx context.Context, facilityID string) (*Facility, error) {
	if v, found := c.cache.Get(facilityID); found {
		f := *v.(*Facility)
		return &f, nil
	}
	f, err := c.Repository.LookupFacility(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	cp := *f
	c.cache.Set(facilityID, &cp, cache.DefaultExpiration)
	return f, nil
}

// Invalidate drops a cached facility, or every facility when id is empty.
func (c *CachedRepository) Invalidate(facilityID string) {
	if facilityID == "" {
		c.cache.Flush()
		return
	}
	c.cache.Delete(facilityID)
}

// Warm replaces the cache contents with every facility in the directory and
// returns how many were loaded.
func (c *CachedRepository) Warm(ctx context.Context) (int, error) {
	facilities, err := c.Repository.ListFacilities(ctx)
	if err != nil {
		return 0, err
	}
	c.Invalidate("")
	for _, f := range facilities {
		cp := *f
		c.cache.Set(f.ID, &cp, cache.DefaultExpiration)
	}
	return len(facilities), nil
}
