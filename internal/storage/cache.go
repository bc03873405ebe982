package storage

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"tradejournal/internal/models"
)

var _ ImageStore = (*CachedStore)(nil)

type cacheKey struct {
	ownerID string
	kind    models.Kind
}

func (k cacheKey) String() string {
	return k.ownerID + "/" + string(k.kind)
}

// CachedStore keeps recently read images in an LRU in front of another ImageStore.
// Cached payloads are shared between callers and must not be modified.
type CachedStore struct {
	next  ImageStore
	cache *lru.Cache[cacheKey, models.StoredImageData]
	group singleflight.Group

	// gen is bumped on every eviction so that a read which started before a write
	// never repopulates the cache with the value the write replaced.
	mu  sync.Mutex
	gen uint64
}

func NewCachedStore(next ImageStore, size int) (*CachedStore, error) {
	cache, err := lru.New[cacheKey, models.StoredImageData](size)
	if err != nil {
		return nil, fmt.Errorf("storage.NewCachedStore: %w", err)
	}
	return &CachedStore{next: next, cache: cache}, nil
}

type cachedLookup struct {
	data  models.StoredImageData
	found bool
}

func (c *CachedStore) Get(ctx context.Context, ownerID string, kind models.Kind) (models.StoredImageData, bool, error) {
	key := cacheKey{ownerID: ownerID, kind: kind}
	if data, ok := c.cache.Get(key); ok {
		return data, true, nil
	}

	// The shared fetch outlives any single caller; each caller stops waiting when
	// its own context ends.
	ch := c.group.DoChan(key.String(), func() (any, error) {
		gen := c.generation()
		data, found, err := c.next.Get(context.WithoutCancel(ctx), ownerID, kind)
		if err != nil {
			return nil, err
		}
		if found {
			c.mu.Lock()
			if c.gen == gen {
				c.cache.Add(key, data)
			}
			c.mu.Unlock()
		}
		return cachedLookup{data: data, found: found}, nil
	})

	select {
	case <-ctx.Done():
		return models.StoredImageData{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.StoredImageData{}, false, res.Err
		}
		lookup := res.Val.(cachedLookup)
		return lookup.data, lookup.found, nil
	}
}

func (c *CachedStore) Save(ctx context.Context, ownerID string, kind models.Kind, data []byte, mime string) (SaveResult, error) {
	res, err := c.next.Save(ctx, ownerID, kind, data, mime)
	if err != nil || res.Outcome != OutcomeUnchanged {
		c.Invalidate(ownerID, kind)
	}
	return res, err
}

func (c *CachedStore) Delete(ctx context.Context, ownerID string, kind models.Kind) error {
	err := c.next.Delete(ctx, ownerID, kind)
	c.Invalidate(ownerID, kind)
	return err
}

// Invalidate drops the cached entry for (ownerID, kind), e.g. after another
// instance reported a change.
func (c *CachedStore) Invalidate(ownerID string, kind models.Kind) {
	c.mu.Lock()
	c.gen++
	c.cache.Remove(cacheKey{ownerID: ownerID, kind: kind})
	c.mu.Unlock()
}

func (c *CachedStore) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *CachedStore) Len() int {
	return c.cache.Len()
}
