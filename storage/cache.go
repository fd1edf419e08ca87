package storage

import "sync"

// defaultCacheCapacity is the default number of pages held in the cache
// (256 pages * 4 KB ~= 1 MB, matching the "small MB" budget of §4.4).
const defaultCacheCapacity = 256

// pageCache is a bounded map pid -> page image (§4.4). Every cached page is
// clean: writes always go through the journal first, so any entry can be
// discarded and re-fetched without loss. Eviction uses a doubly-linked LRU
// list for O(1) get/put/evict.
type pageCache struct {
	mu       sync.Mutex
	capacity int
	items    map[uint32]*cacheNode
	head     *cacheNode // most recently used
	tail     *cacheNode // least recently used

	hits   uint64
	misses uint64
}

type cacheNode struct {
	pageID uint32
	data   []byte
	prev   *cacheNode
	next   *cacheNode
}

// newPageCache creates a page cache with the given capacity in pages.
func newPageCache(capacity int) *pageCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &pageCache{
		capacity: capacity,
		items:    make(map[uint32]*cacheNode, capacity),
	}
}

// get returns a copy of a cached page image, if present.
func (c *pageCache) get(pageID uint32) (*Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.items[pageID]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.moveToFront(node)
	p := New(pageID, len(node.data))
	copy(p.Bytes(), node.data)
	return p, true
}

// insertToCache replaces any older image for pid with the new one (§4.4:
// "the entry replaces any older image for the same pid").
func (c *pageCache) insertToCache(p *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pageID := p.ID()
	if node, ok := c.items[pageID]; ok {
		node.data = append(node.data[:0], p.Bytes()...)
		c.moveToFront(node)
		return
	}

	data := make([]byte, len(p.Bytes()))
	copy(data, p.Bytes())
	node := &cacheNode{pageID: pageID, data: data}
	c.items[pageID] = node
	c.pushFront(node)

	if len(c.items) > c.capacity {
		c.evict()
	}
}

// invalidate removes a page from the cache.
func (c *pageCache) invalidate(pageID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.items[pageID]
	if !ok {
		return
	}
	c.removeNode(node)
	delete(c.items, pageID)
}

// clear empties the cache.
func (c *pageCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[uint32]*cacheNode, c.capacity)
	c.head = nil
	c.tail = nil
}

// stats reports hit/miss counters, mostly used by tests.
func (c *pageCache) stats() (hits, misses uint64, size, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items), c.capacity
}

func (c *pageCache) pushFront(node *cacheNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *pageCache) removeNode(node *cacheNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.prev = nil
	node.next = nil
}

func (c *pageCache) moveToFront(node *cacheNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.pushFront(node)
}

func (c *pageCache) evict() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	c.removeNode(victim)
	delete(c.items, victim.pageID)
}
