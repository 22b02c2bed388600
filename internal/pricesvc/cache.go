package pricesvc

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

type cacheEntry struct {
	vaa        []byte
	receivedAt time.Time
}

// Cache keeps the latest envelope seen per price id. It serves as a Source when
// envelopes arrive over the stream.
type Cache struct {
	mu   sync.RWMutex
	byID map[wire.PriceID]cacheEntry
}

func NewCache() *Cache {
	return &Cache{byID: make(map[wire.PriceID]cacheEntry)}
}

func (c *Cache) Put(id wire.PriceID, vaa []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[id] = cacheEntry{vaa: vaa, receivedAt: time.Now()}
}

func (c *Cache) Get(id wire.PriceID) ([]byte, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.byID[id]
	return entry.vaa, entry.receivedAt, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// LatestVAAs returns the cached envelopes for ids, each distinct envelope once.
func (c *Cache) LatestVAAs(_ context.Context, ids []wire.PriceID) ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out [][]byte
	for _, id := range ids {
		entry, ok := c.byID[id]
		if !ok {
			continue
		}
		duplicate := false
		for _, existing := range out {
			if bytes.Equal(existing, entry.vaa) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, entry.vaa)
		}
	}
	return out, nil
}

func (c *Cache) ListFeedIDs(context.Context) ([]wire.PriceID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]wire.PriceID, 0, len(c.byID))
	for id := range c.byID {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out, nil
}
