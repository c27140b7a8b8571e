package objectstore

import (
	"bytes"
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded LRU of value bytes that several Caching stores can share.
// Entries are namespaced by the owning store so keys never collide.
type Cache struct {
	lru *lru.Cache[string, []byte]
}

// NewCache returns a cache holding at most size values.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, Error.New("failed to create cache: %v", err)
	}
	return &Cache{lru: c}, nil
}

// Len returns the number of cached values.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every cached value.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Caching serves Get from a Cache and writes through to the inner store.
// Only values are cached; child stores, key listings and update dates always
// go to the inner store.
type Caching struct {
	inner     Store
	cache     *Cache
	namespace string
}

// NewCaching wraps inner with cache. The namespace separates this store's
// entries from other stores sharing the same cache.
func NewCaching(inner Store, cache *Cache, namespace string) *Caching {
	return &Caching{inner: inner, cache: cache, namespace: namespace}
}

// Inner returns the wrapped store.
func (c *Caching) Inner() Store {
	return c.inner
}

func (c *Caching) cacheKey(key string) string {
	return c.namespace + "\x00" + key
}

// Invalidate drops the cached value for key.
func (c *Caching) Invalidate(key string) {
	c.cache.lru.Remove(c.cacheKey(key))
}

func (c *Caching) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := c.cache.lru.Get(c.cacheKey(key)); ok {
		return bytes.Clone(v), nil
	}
	v, err := c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.lru.Add(c.cacheKey(key), bytes.Clone(v))
	return v, nil
}

func (c *Caching) Put(ctx context.Context, key string, value []byte) error {
	c.Invalidate(key)
	return c.inner.Put(ctx, key, value)
}

func (c *Caching) Delete(ctx context.Context, key string) error {
	c.Invalidate(key)
	return c.inner.Delete(ctx, key)
}

func (c *Caching) Exists(ctx context.Context, key string) (bool, error) {
	if _, ok := c.cache.lru.Peek(c.cacheKey(key)); ok {
		return true, nil
	}
	return c.inner.Exists(ctx, key)
}

func (c *Caching) Keys(ctx context.Context) ([]string, error) {
	return c.inner.Keys(ctx)
}

func (c *Caching) DeleteAll(ctx context.Context) error {
	keys, err := c.inner.Keys(ctx)
	if err == nil {
		for _, k := range keys {
			c.Invalidate(k)
		}
	}
	return c.inner.DeleteAll(ctx)
}

func (c *Caching) UpdateDate(ctx context.Context, key string) (time.Time, error) {
	return c.inner.UpdateDate(ctx, key)
}

func (c *Caching) CreateChild(ctx context.Context, name string) (Store, error) {
	return c.inner.CreateChild(ctx, name)
}

func (c *Caching) DeleteChild(ctx context.Context, name string) error {
	return c.inner.DeleteChild(ctx, name)
}

func (c *Caching) ChildExists(ctx context.Context, name string) (bool, error) {
	return c.inner.ChildExists(ctx, name)
}
