package catalog

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache lazily loads the catalog once and serves it to every connection.
// The catalog does not change while a game is running, so entries are
// never invalidated. Failed loads are not cached.
type Cache struct {
	src   Source
	group singleflight.Group

	mu  sync.RWMutex
	cat *Catalog
}

func NewCache(src Source) *Cache {
	return &Cache{src: src}
}

func (c *Cache) Load(ctx context.Context) (Catalog, error) {
	c.mu.RLock()
	cat := c.cat
	c.mu.RUnlock()
	if cat != nil {
		return *cat, nil
	}

	v, err, _ := c.group.Do("catalog", func() (any, error) {
		c.mu.RLock()
		cached := c.cat
		c.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		teams, err := c.src.ListTeams(ctx)
		if err != nil {
			return nil, err
		}
		roles, err := c.src.ListRoles(ctx)
		if err != nil {
			return nil, err
		}
		loaded := &Catalog{Teams: teams, Roles: roles}

		c.mu.Lock()
		c.cat = loaded
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return Catalog{}, err
	}
	return *v.(*Catalog), nil
}
