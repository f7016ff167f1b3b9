// Package cache holds process-local caches and the idempotency stores used by
// the decision processor.
package cache

import (
	"fmt"
	"time"

	c "github.com/patrickmn/go-cache"

	"github.com/pesio-ai/be-approval-engine/internal/graph"
)

// GraphCache keeps compiled graphs keyed by definition id and version.
// Versions are immutable, so entries never need invalidation; the TTL only
// bounds memory.
type GraphCache struct {
	cache *c.Cache
}

// NewGraphCache creates a cache. ttl <= 0 keeps entries forever.
func NewGraphCache(ttl time.Duration) *GraphCache {
	if ttl <= 0 {
		return &GraphCache{cache: c.New(c.NoExpiration, 10*time.Minute)}
	}
	return &GraphCache{cache: c.New(ttl, 2*ttl)}
}

func graphKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// Get returns the cached graph for (id, version).
func (gc *GraphCache) Get(id string, version int) (*graph.Graph, bool) {
	v, found := gc.cache.Get(graphKey(id, version))
	if !found {
		return nil, false
	}
	g, ok := v.(*graph.Graph)
	return g, ok
}

// Set stores g for (id, version).
func (gc *GraphCache) Set(id string, version int, g *graph.Graph) {
	gc.cache.SetDefault(graphKey(id, version), g)
}
