package cache

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	errbuilder "github.com/ZanzyTHEbar/errbuilder-go"
	"go.uber.org/zap"
)

// FilePersistentCache provides a simple file-backed persistent cache. Values
// must be JSON-serializable; on load they come back as generic JSON types.
type FilePersistentCache struct {
	store    map[string]persistedItem
	mutex    sync.RWMutex
	ttl      time.Duration
	filePath string
	logger   *zap.Logger
}

type persistedItem struct {
	Value      interface{} `json:"value"`
	Expiration int64       `json:"expiration"`
}

// NewFilePersistentCache creates a new persistent cache with a default TTL
// and backing file path.
func NewFilePersistentCache(defaultTTL time.Duration, filePath string, logger *zap.Logger) *FilePersistentCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &FilePersistentCache{
		store:    make(map[string]persistedItem),
		ttl:      defaultTTL,
		filePath: filePath,
		logger:   logger,
	}
	c.loadFromFile()
	go c.cleanupLoop(10 * time.Minute)
	return c
}

// loadFromFile loads cache items from the backing file. A missing or corrupt
// file starts the cache empty.
func (c *FilePersistentCache) loadFromFile() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	file, err := os.Open(c.filePath)
	if err != nil {
		return
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&c.store); err != nil {
		c.logger.Warn("failed to decode persistent cache, starting empty",
			zap.String("path", c.filePath), zap.Error(err))
		c.store = make(map[string]persistedItem)
	}
}

// saveToFile writes the cache to the backing file. Callers hold the mutex.
func (c *FilePersistentCache) saveToFile() {
	file, err := os.Create(c.filePath)
	if err != nil {
		c.logger.Warn("failed to persist cache", zap.String("path", c.filePath), zap.Error(err))
		return
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(c.store); err != nil {
		c.logger.Warn("failed to encode persistent cache", zap.Error(err))
	}
}

// Get retrieves an item from the cache. Missing and expired keys return a
// not-found error.
func (c *FilePersistentCache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := errbuilder.WrapIfContextDone(ctx, ctx.Err()); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	item, found := c.store[key]
	c.mutex.RUnlock()

	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}
	if time.Now().UnixNano() > item.Expiration {
		c.logger.Debug("persistent cache item expired", zap.String("key", key))
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}
	return item.Value, nil
}

// Set adds or updates an item in the cache and persists the store.
func (c *FilePersistentCache) Set(ctx context.Context, key string, value interface{}) error {
	if err := errbuilder.WrapIfContextDone(ctx, ctx.Err()); err != nil {
		return err
	}

	c.mutex.Lock()
	c.store[key] = persistedItem{
		Value:      value,
		Expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	c.saveToFile()
	c.mutex.Unlock()

	c.logger.Debug("persistent cache item set", zap.String("key", key))
	return nil
}

// cleanupLoop periodically removes expired items and rewrites the file.
func (c *FilePersistentCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.mutex.Lock()
		now := time.Now().UnixNano()
		for key, item := range c.store {
			if now > item.Expiration {
				delete(c.store, key)
			}
		}
		c.saveToFile()
		c.mutex.Unlock()
	}
}
