package cache

import "fmt"

// Walk visits the objects of t in tree order until fn returns false.
func (c *Cache) Walk(t *Tree, fn func(obj Object) bool) {
	var stack []handle
	h := t.root
	for h != 0 || len(stack) > 0 {
		for h != 0 {
			stack = append(stack, h)
			h = c.nodes[h].left
		}
		h = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(c.nodes[h].obj) {
			return
		}
		h = c.nodes[h].right
	}
}

// Check verifies the structural invariants of the pool: every live node is
// reachable from its tree through consistent parent links, hashes are in
// tree order, and a node is on the LRU list exactly when it is unreferenced.
// It is intended for tests and diagnostics.
func (c *Cache) Check() error {
	live := 0
	roots := make(map[*Tree]bool)
	for i := 1; i < len(c.nodes); i++ {
		h := handle(i)
		n := &c.nodes[h]
		if n.obj == nil {
			continue
		}
		live++
		if n.refcount < 0 {
			return fmt.Errorf("node %d: negative refcount %d", h, n.refcount)
		}
		if (n.refcount == 0) != n.onLRU {
			return fmt.Errorf("node %d: refcount %d but onLRU=%t", h, n.refcount, n.onLRU)
		}
		if e := n.obj.CacheEntry(); e.handle != h || e.cache != c {
			return fmt.Errorf("node %d: entry points at handle %d", h, e.handle)
		}
		if *c.slotOf(h) != h {
			return fmt.Errorf("node %d: parent link does not reference it", h)
		}
		for _, child := range []handle{n.left, n.right} {
			if child != 0 && (c.nodes[child].parent != h || c.nodes[child].tree != n.tree) {
				return fmt.Errorf("node %d: child %d has inconsistent back link", h, child)
			}
		}
		if n.parent == 0 {
			roots[n.tree] = true
		}
	}
	if live != c.stats.Count {
		return fmt.Errorf("live nodes %d, count %d", live, c.stats.Count)
	}

	reachable := 0
	for t := range roots {
		var prev uint32
		first := true
		var err error
		c.Walk(t, func(obj Object) bool {
			reachable++
			hash := obj.CacheEntry().Hash()
			if !first && hash < prev {
				err = fmt.Errorf("tree out of order: hash %#x after %#x", hash, prev)
				return false
			}
			prev, first = hash, false
			return true
		})
		if err != nil {
			return err
		}
	}
	if reachable != live {
		return fmt.Errorf("reachable nodes %d, live %d", reachable, live)
	}

	free := 0
	for h := c.nodes[0].next; h != 0; h = c.nodes[h].next {
		n := &c.nodes[h]
		if n.obj == nil || !n.onLRU || n.refcount != 0 {
			return fmt.Errorf("lru: node %d is not a free object", h)
		}
		if c.nodes[n.next].prev != h {
			return fmt.Errorf("lru: broken back link at node %d", h)
		}
		free++
		if free > live {
			return fmt.Errorf("lru: cycle detected")
		}
	}
	if free != c.stats.Free {
		return fmt.Errorf("lru holds %d objects, free count %d", free, c.stats.Free)
	}
	return nil
}
