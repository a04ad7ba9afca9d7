// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package elfimg

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mbeema/plthook/pkg/modules"
	"github.com/mbeema/plthook/pkg/procmem"
)

type cacheEntry struct {
	img *Image
	err error
}

// Cache holds parsed images per loaded module instance. Parse failures are
// cached too, so a broken module is parsed once per load rather than once
// per refresh. Concurrent misses for one module share a single parse.
type Cache struct {
	r      procmem.Reader
	logger *zap.Logger
	lru    *lru.Cache[modules.Key, cacheEntry]
	group  singleflight.Group
}

// NewCache creates a cache holding up to size images.
func NewCache(r procmem.Reader, size int, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l, err := lru.New[modules.Key, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{r: r, logger: logger, lru: l}, nil
}

// Get returns the parsed image of m.
func (c *Cache) Get(m modules.Module) (*Image, error) {
	key := m.Key()
	if e, ok := c.lru.Get(key); ok {
		return e.img, e.err
	}
	v, _, _ := c.group.Do(key.String(), func() (any, error) {
		img, err := Open(c.r, m.Base, m.Path, c.logger)
		e := cacheEntry{img: img, err: err}
		c.lru.Add(key, e)
		return e, nil
	})
	e := v.(cacheEntry)
	return e.img, e.err
}

// Purge drops the entry of an unloaded module.
func (c *Cache) Purge(m modules.Module) {
	c.lru.Remove(m.Key())
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
