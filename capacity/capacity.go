// Package capacity tracks farmer capacity announcements on the renter side.
// Entries age out on a TTL so the cache self-compacts; a farmer that stops
// announcing disappears.
package capacity

import (
	"encoding/json"
	"time"

	logging "github.com/ipfs/go-log/v2"
	core "github.com/shardbay/go-node-core"
	cache "github.com/unkn0wn-root/kioshun"
)

var log = logging.Logger("capacity")

// DefaultTTL is how long a capacity announcement stays fresh.
const DefaultTTL = 20 * time.Minute

// Announcement is the payload farmers publish on capacity topics.
type Announcement struct {
	Capacity core.StoreUsage `json:"capacity"`
	Contact  core.Contact    `json:"contact"`
}

// Marshal serializes an announcement for pub/sub.
func (a Announcement) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// ParseAnnouncement decodes a capacity topic payload.
func ParseAnnouncement(b []byte) (Announcement, error) {
	var a Announcement
	err := json.Unmarshal(b, &a)
	return a, err
}

// Entry is one known farmer with spare capacity.
type Entry struct {
	Capacity core.StoreUsage
	Contact  core.Contact
	LastSeen time.Time
}

// Cache is the farmer identity -> capacity map.
type Cache struct {
	ttl   time.Duration
	cache *cache.InMemoryCache[string, Entry]
}

// NewCache creates a capacity cache. A non-positive ttl selects DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := cache.New[string, Entry](cache.Config{
		MaxSize:         0,
		CleanupInterval: ttl,
		DefaultTTL:      ttl,
		EvictionPolicy:  cache.LRU,
		StatsEnabled:    true,
	})
	return &Cache{ttl: ttl, cache: c}
}

// Update records an announcement from a farmer.
func (c *Cache) Update(a Announcement) {
	if a.Contact.Identity == "" {
		log.Debugw("dropping capacity announcement without identity")
		return
	}
	entry := Entry{
		Capacity: a.Capacity,
		Contact:  a.Contact,
		LastSeen: time.Now(),
	}
	if err := c.cache.Set(a.Contact.Identity, entry, c.ttl); err != nil {
		log.Errorw("failed to cache capacity entry", "err", err)
	}
}

// Get returns the entry for a farmer identity, if fresh.
func (c *Cache) Get(farmerID string) (Entry, bool) {
	return c.cache.Get(farmerID)
}

// Pick returns any known farmer with at least minFree bytes available.
func (c *Cache) Pick(minFree int64) (Entry, bool) {
	for _, id := range c.cache.Keys() {
		e, ok := c.cache.Get(id)
		if ok && e.Capacity.Available >= minFree {
			return e, true
		}
	}
	return Entry{}, false
}

// Len returns the number of fresh entries.
func (c *Cache) Len() int64 {
	return c.cache.Size()
}

// Close stops the compaction worker.
func (c *Cache) Close() error {
	return c.cache.Close()
}
