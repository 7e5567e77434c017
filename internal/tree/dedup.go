package tree

import (
	"container/list"
	"sync"
	"time"

	"bftcomm/internal/proto"
)

const (
	defaultSeenCap = 8192
	defaultSeenTTL = 2 * time.Minute
)

// relayKey identifies one consensus vote independently of the relay path.
type relayKey struct {
	sender proto.ReplicaID
	number int64
	epoch  int32
	phase  proto.ConsensusType
}

func keyOf(cm *proto.ConsensusMessage) relayKey {
	return relayKey{sender: cm.Sender, number: cm.Number, epoch: cm.Epoch, phase: cm.Phase}
}

// seenCache is a bounded LRU with per-entry expiry.
type seenCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	now     func() time.Time
	entries map[relayKey]*list.Element
	order   *list.List
}

type seenEntry struct {
	key     relayKey
	expires time.Time
}

func newSeenCache(capacity int, ttl time.Duration) *seenCache {
	if capacity <= 0 {
		capacity = defaultSeenCap
	}
	if ttl <= 0 {
		ttl = defaultSeenTTL
	}
	return &seenCache{
		cap:     capacity,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[relayKey]*list.Element),
		order:   list.New(),
	}
}

// CheckAndAdd records key and reports whether it was already present.
func (c *seenCache) CheckAndAdd(key relayKey) bool {
	if c == nil {
		return false
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	if el, ok := c.entries[key]; ok {
		el.Value.(*seenEntry).expires = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return true
	}
	el := c.order.PushFront(&seenEntry{key: key, expires: now.Add(c.ttl)})
	c.entries[key] = el
	for len(c.entries) > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		delete(c.entries, back.Value.(*seenEntry).key)
		c.order.Remove(back)
	}
	return false
}

func (c *seenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// pruneLocked drops expired entries from the cold end. Refreshing moves an
// entry to the front, so the list is ordered by expiry.
func (c *seenCache) pruneLocked(now time.Time) {
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*seenEntry)
		if ent.expires.After(now) {
			return
		}
		delete(c.entries, ent.key)
		c.order.Remove(el)
		el = prev
	}
}
