package dedup

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Compile-time check that MemoryGuard implements Guard.
var _ Guard = (*MemoryGuard)(nil)

// MemoryGuard implements Guard with an in-process TTL cache. Suitable
// for single-node deployments without Redis and for tests. Offers the
// same at-most-once semantics within the process only.
type MemoryGuard struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewMemoryGuard creates an in-process guard with the standard TTL.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{cache: gocache.New(TTL, 10*time.Minute)}
}

// CheckAndMark implements Guard. The mutex makes check-then-mark atomic
// for concurrent deliveries of the same id.
func (g *MemoryGuard) CheckAndMark(ctx context.Context, messageID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, seen := g.cache.Get(messageID); seen {
		return false
	}
	g.cache.Set(messageID, struct{}{}, TTL)
	return true
}
