package cache

// handle addresses a node in the arena. Handle 0 is the LRU sentinel and
// doubles as the "no node" value in tree links.
type handle int32

// node is the arena record behind every cached object.
type node struct {
	obj     Object
	manager Manager
	tree    *Tree

	hash     uint32
	refcount int16
	balance  int8
	onLRU    bool

	left, right, parent handle

	// LRU links; valid only while onLRU is set.
	next, prev handle
}

// Tree is the root slot of one binary tree of cached objects. The zero value
// is an empty tree.
type Tree struct {
	root handle
}

// Empty reports whether the tree holds no objects.
func (t *Tree) Empty() bool { return t.root == 0 }

// alloc returns a fresh node handle, reusing freed slots first.
func (c *Cache) alloc() handle {
	if n := len(c.freeSlots); n > 0 {
		h := c.freeSlots[n-1]
		c.freeSlots = c.freeSlots[:n-1]
		return h
	}
	c.nodes = append(c.nodes, node{})
	return handle(len(c.nodes) - 1)
}

// release returns a node slot to the free list and detaches its object.
func (c *Cache) release(h handle) {
	n := &c.nodes[h]
	if n.obj != nil {
		e := n.obj.CacheEntry()
		e.handle = 0
		e.cache = nil
	}
	*n = node{}
	c.freeSlots = append(c.freeSlots, h)
}

// lruPushFront links h at the "reuse soon" end of the LRU list.
func (c *Cache) lruPushFront(h handle) {
	head := &c.nodes[0]
	n := &c.nodes[h]
	n.prev = 0
	n.next = head.next
	c.nodes[head.next].prev = h
	head.next = h
	n.onLRU = true
}

// lruPushBack links h at the "evict first" end of the LRU list.
func (c *Cache) lruPushBack(h handle) {
	head := &c.nodes[0]
	n := &c.nodes[h]
	n.next = 0
	n.prev = head.prev
	c.nodes[head.prev].next = h
	head.prev = h
	n.onLRU = true
}

func (c *Cache) lruUnlink(h handle) {
	n := &c.nodes[h]
	if !n.onLRU {
		return
	}
	c.nodes[n.prev].next = n.next
	c.nodes[n.next].prev = n.prev
	n.next, n.prev = 0, 0
	n.onLRU = false
}

// slotOf returns the link that references h: its parent's left or right
// field, or the tree root. The pointer must not be held across an alloc.
func (c *Cache) slotOf(h handle) *handle {
	n := &c.nodes[h]
	if n.parent == 0 {
		return &n.tree.root
	}
	p := &c.nodes[n.parent]
	if p.left == h {
		return &p.left
	}
	return &p.right
}

// replace makes the link that references h point at with instead.
func (c *Cache) replace(h, with handle) {
	*c.slotOf(h) = with
	if with != 0 {
		c.nodes[with].parent = c.nodes[h].parent
	}
}
