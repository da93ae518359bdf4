package app

import (
	"context"
	"fmt"
	"time"

	"replydesk/internal/domain"
)

// Catalog lists what the signed-in user can reply on: profile accounts and
// locations, and place-platform places. Lists are cached per account.
type Catalog struct {
	places  domain.PlaceAPI
	profile domain.ProfileAPI
	cache   domain.Cache
	ttl     time.Duration
	account func() string
}

func NewCatalog(places domain.PlaceAPI, profile domain.ProfileAPI, cache domain.Cache, ttl time.Duration, account func() string) *Catalog {
	if account == nil {
		account = func() string { return "default" }
	}
	return &Catalog{places: places, profile: profile, cache: cache, ttl: ttl, account: account}
}

func (c *Catalog) key(kind string) string {
	return fmt.Sprintf("catalog:%s:%s", c.account(), kind)
}

// cached reads key from the cache or calls load and stores the result.
func cached[T any](ctx context.Context, c *Catalog, key string, load func(context.Context) (T, error)) (T, error) {
	var v T
	if c.cache != nil {
		if ok, err := c.cache.Get(ctx, key, &v); err == nil && ok {
			return v, nil
		}
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if c.cache != nil {
		_ = c.cache.Set(ctx, key, v, int(c.ttl.Seconds()))
	}
	return v, nil
}

func (c *Catalog) Accounts(ctx context.Context) ([]domain.Account, error) {
	return cached(ctx, c, c.key("accounts"), c.profile.Accounts)
}

func (c *Catalog) Locations(ctx context.Context) ([]domain.Location, error) {
	return cached(ctx, c, c.key("locations"), c.profile.Locations)
}

func (c *Catalog) Places(ctx context.Context) ([]domain.Place, error) {
	return cached(ctx, c, c.key("places"), c.places.Places)
}

// Status is never cached; it reflects the backend's platform login right now.
func (c *Catalog) Status(ctx context.Context) (domain.PlaceStatus, error) {
	return c.places.PlaceStatus(ctx)
}

// Forget drops the current account's cached lists.
func (c *Catalog) Forget(ctx context.Context) {
	if c.cache == nil {
		return
	}
	for _, k := range []string{"accounts", "locations", "places"} {
		_ = c.cache.Del(ctx, c.key(k))
	}
}
