// SPDX-License-Identifier: MIT

// Package cache provides a small TTL cache used to absorb hot job-status
// polling without hitting the job record store on every request.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is thread-safe get/set with per-entry expiry.
type Cache interface {
	// Get retrieves a value. The second return is false if absent or expired.
	Get(key string) (any, bool)
	// Set stores a value with the specified TTL.
	Set(key string, value any, ttl time.Duration)
	// Delete removes a value.
	Delete(key string)
}

type memEntry struct {
	value     any
	expiresAt time.Time
}

// Memory is an in-process Cache. A background janitor drops expired entries
// so the map does not grow with dead keys.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

// NewMemory creates a memory cache. The janitor runs on cleanupInterval until
// ctx is cancelled; pass a zero interval to disable it.
func NewMemory(ctx context.Context, cleanupInterval time.Duration) *Memory {
	c := &Memory{entries: make(map[string]memEntry)}
	if cleanupInterval > 0 {
		go c.janitor(ctx, cleanupInterval)
	}
	return c
}

func (c *Memory) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *Memory) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *Memory) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Memory) janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
