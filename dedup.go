package chatsync

// DefaultSeenCapacity bounds the number of identifiers a SeenCache remembers.
const DefaultSeenCapacity = 4096

// SeenCache is a bounded set of message identifiers for the active conversation.
// When full, the oldest identifier is forgotten first. Not safe for concurrent use;
// the coordinator owns it.
type SeenCache struct {
	capacity int
	ids      map[string]struct{}
	order    []string
	head     int
}

// NewSeenCache returns an empty cache holding at most capacity identifiers.
func NewSeenCache(capacity int) *SeenCache {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &SeenCache{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Seen reports whether id has been marked.
func (c *SeenCache) Seen(id string) bool {
	_, ok := c.ids[id]
	return ok
}

// MarkSeen records id. It reports whether id was new.
func (c *SeenCache) MarkSeen(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := c.ids[id]; ok {
		return false
	}
	if len(c.order) < c.capacity {
		c.order = append(c.order, id)
	} else {
		delete(c.ids, c.order[c.head])
		c.order[c.head] = id
		c.head = (c.head + 1) % c.capacity
	}
	c.ids[id] = struct{}{}
	return true
}

// Reset forgets every identifier.
func (c *SeenCache) Reset() {
	c.ids = make(map[string]struct{}, c.capacity)
	c.order = c.order[:0]
	c.head = 0
}

// Len returns the number of remembered identifiers.
func (c *SeenCache) Len() int {
	return len(c.ids)
}
