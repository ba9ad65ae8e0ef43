package cache

import (
	"errors"
	"fmt"
	"math"

	"github.com/marmos91/ods2/internal/logger"
)

// ErrNotFound is returned by Find when no object matches and no Creator was
// supplied.
var ErrNotFound = errors.New("cache: object not found")

const (
	// DefaultLimit is the free-object count at which an untouch purges.
	DefaultLimit = 256
	// DefaultGoal is the free-object count a purge trims down to.
	DefaultGoal = 128
	// DefaultImbalance is the search imbalance that triggers a rotation.
	DefaultImbalance = 5
)

// Options configures a Cache. Zero fields take their defaults.
type Options struct {
	Limit     int
	Goal      int
	Imbalance int
	Metrics   Metrics
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Finds   int `json:"finds" yaml:"finds"`
	Created int `json:"created" yaml:"created"`
	Purges  int `json:"purges" yaml:"purges"`
	Peak    int `json:"peak" yaml:"peak"`
	Count   int `json:"count" yaml:"count"`
	Free    int `json:"free" yaml:"free"`
	Deletes int `json:"deletes" yaml:"deletes"`
}

// Cache is one object pool: the arena of nodes, the LRU list of unreferenced
// objects and the counters that drive purging.
type Cache struct {
	opts      Options
	nodes     []node
	freeSlots []handle
	stats     Stats

	// deleting is set while a manager runs on behalf of Delete.
	deleting bool

	// flushing is set while Flush walks its managers. Purges are held
	// back until the walk ends.
	flushing bool

	// mutations counts structural tree changes, so that Find can detect a
	// nested operation that reshaped the tree while a Creator ran.
	mutations uint64
}

// New creates an empty Cache.
func New(opts Options) *Cache {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Goal <= 0 || opts.Goal > opts.Limit {
		opts.Goal = opts.Limit / 2
	}
	if opts.Imbalance <= 0 {
		opts.Imbalance = DefaultImbalance
	}
	if opts.Imbalance > math.MaxInt8-1 {
		opts.Imbalance = math.MaxInt8 - 1
	}
	// Slot 0 is the LRU sentinel, linked to itself.
	return &Cache{
		opts:  opts,
		nodes: make([]node, 1, 64),
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats { return c.stats }

// Options returns the effective options.
func (c *Cache) Options() Options { return c.opts }

func compareHash(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Find locates the object stored in t under hash (and, on hash ties,
// matching cmp) and takes a reference on it. On a miss, create builds a new
// object which is linked with a reference count of one. A nil create turns
// a miss into ErrNotFound.
func (c *Cache) Find(t *Tree, hash uint32, cmp Comparator, create Creator) (Object, error) {
	c.stats.Finds++
	imbalance := int8(c.opts.Imbalance)

	parent := handle(0)
	goLeft := false
	slot := &t.root
	for *slot != 0 {
		h := *slot
		n := &c.nodes[h]
		r := compareHash(hash, n.hash)
		if r == 0 && cmp != nil {
			r = cmp(n.obj)
		}
		if r == 0 {
			c.touch(h)
			c.observeFind(true)
			return n.obj, nil
		}
		if r < 0 {
			l := n.left
			if l != 0 {
				old := n.balance
				n.balance--
				if old < -imbalance {
					c.rotateRight(h)
					continue
				}
			}
			parent, goLeft = h, true
			slot = &n.left
		} else {
			if n.right != 0 {
				old := n.balance
				n.balance++
				if old > imbalance {
					c.rotateLeft(h)
					continue
				}
			}
			parent, goLeft = h, false
			slot = &n.right
		}
	}
	c.observeFind(false)

	if create == nil {
		return nil, ErrNotFound
	}

	before := c.mutations
	obj, err := create()
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("cache: creator returned no object")
	}
	if c.mutations != before {
		// The creator reshaped this or another tree; find the insertion
		// point again before linking.
		parent, goLeft = c.insertionPoint(t, hash, cmp)
	}

	h := c.alloc()
	n := &c.nodes[h]
	*n = node{
		obj:      obj,
		tree:     t,
		hash:     hash,
		refcount: 1,
		parent:   parent,
	}
	switch {
	case parent == 0:
		t.root = h
	case goLeft:
		c.nodes[parent].left = h
	default:
		c.nodes[parent].right = h
	}
	e := obj.CacheEntry()
	e.cache = c
	e.handle = h
	c.mutations++

	c.stats.Created++
	c.stats.Count++
	if c.stats.Count > c.stats.Peak {
		c.stats.Peak = c.stats.Count
	}
	if m := c.opts.Metrics; m != nil {
		m.ObserveCreate()
		m.ObserveSize(c.stats.Count, c.stats.Free)
	}
	return obj, nil
}

// insertionPoint descends t without rebalancing and returns the leaf link a
// new node for hash belongs under.
func (c *Cache) insertionPoint(t *Tree, hash uint32, cmp Comparator) (parent handle, goLeft bool) {
	h := t.root
	for h != 0 {
		n := &c.nodes[h]
		r := compareHash(hash, n.hash)
		if r == 0 && cmp != nil {
			r = cmp(n.obj)
		}
		parent = h
		if r < 0 {
			goLeft = true
			h = n.left
		} else {
			goLeft = false
			h = n.right
		}
	}
	return parent, goLeft
}

// rotateRight promotes the left child of h into h's place.
func (c *Cache) rotateRight(h handle) {
	n := &c.nodes[h]
	l := n.left
	slot := c.slotOf(h)
	n.left = c.nodes[l].right
	if n.left != 0 {
		c.nodes[n.left].parent = h
	}
	*slot = l
	c.nodes[l].parent = n.parent
	c.nodes[l].right = h
	n.parent = l
	n.balance = 0
	c.mutations++
}

// rotateLeft promotes the right child of h into h's place.
func (c *Cache) rotateLeft(h handle) {
	n := &c.nodes[h]
	r := n.right
	slot := c.slotOf(h)
	n.right = c.nodes[r].left
	if n.right != 0 {
		c.nodes[n.right].parent = h
	}
	*slot = r
	c.nodes[r].parent = n.parent
	c.nodes[r].left = h
	n.parent = r
	n.balance = 0
	c.mutations++
}

func (c *Cache) observeFind(hit bool) {
	if m := c.opts.Metrics; m != nil {
		m.ObserveFind(hit)
	}
}

// lookup returns the live handle of obj, panicking on foreign or detached
// objects.
func (c *Cache) lookup(obj Object) handle {
	e := obj.CacheEntry()
	if e.handle == 0 || e.cache != c {
		panic(fmt.Sprintf("cache: object %T is not stored in this cache", obj))
	}
	return e.handle
}

func (c *Cache) touch(h handle) {
	n := &c.nodes[h]
	if n.refcount == math.MaxInt16 {
		panic("cache: reference count overflow")
	}
	if n.refcount == 0 {
		c.lruUnlink(h)
		c.stats.Free--
	}
	n.refcount++
}

// Touch takes an additional reference on obj.
func (c *Cache) Touch(obj Object) {
	c.touch(c.lookup(obj))
}

// Untouch drops a reference on obj. When the last reference goes the object
// joins the LRU list: at the "reuse soon" end if reuse is set, otherwise at
// the end purging evicts first. Releasing an unreferenced object panics.
func (c *Cache) Untouch(obj Object, reuse bool) {
	h := c.lookup(obj)
	n := &c.nodes[h]
	if n.refcount <= 0 {
		panic(fmt.Sprintf("cache: untouch of unreferenced object %T (hash %#x)", obj, n.hash))
	}
	n.refcount--
	if n.refcount != 0 {
		return
	}
	c.stats.Free++
	if c.stats.Free >= c.opts.Limit {
		c.Purge()
		// A manager run by the purge may have taken a new reference on
		// this object or deleted it through a redirect.
		if obj.CacheEntry().handle != h || c.nodes[h].refcount != 0 || c.nodes[h].onLRU {
			return
		}
	}
	if reuse {
		c.lruPushFront(h)
	} else {
		c.lruPushBack(h)
	}
}

// SetManager attaches m to obj. A nil m detaches the current manager.
func (c *Cache) SetManager(obj Object, m Manager) {
	c.nodes[c.lookup(obj)].manager = m
}

// Manager returns the manager attached to obj, or nil.
func (c *Cache) Manager(obj Object) Manager {
	return c.nodes[c.lookup(obj)].manager
}

// Root returns the object at the root of t, or nil for an empty tree.
func (c *Cache) Root(t *Tree) Object {
	if t.root == 0 {
		return nil
	}
	return c.nodes[t.root].obj
}

// reclaim runs a manager with the deletion guard held for ModeDelete.
func (c *Cache) reclaim(m Manager, mode Mode) Outcome {
	if mode == ModeDelete {
		c.deleting = true
		defer func() { c.deleting = false }()
	}
	return m.Reclaim(mode)
}

// Delete removes obj from the cache. Managers are consulted first and may
// refuse, consent or redirect deletion to another object; Delete returns the
// object actually removed, or nil when nothing was. Referenced objects are
// never removed. Calling Delete from inside a manager panics.
func (c *Cache) Delete(obj Object) Object {
	if c.deleting {
		panic(fmt.Sprintf("cache: delete of %T while a delete is in progress", obj))
	}
	var h handle
	for {
		h = c.lookup(obj)
		m := c.nodes[h].manager
		if m == nil {
			break
		}
		out := c.reclaim(m, ModeDelete)
		if out.kind == outcomeRefuse {
			return nil
		}
		if out.kind == outcomeConsumed || out.proxy == obj {
			h = c.lookup(obj)
			break
		}
		obj = out.proxy
	}

	n := &c.nodes[h]
	if n.refcount != 0 {
		logger.Debug("cache refusing to delete referenced object",
			logger.KeyHash, n.hash, logger.KeyRefcount, n.refcount)
		return nil
	}

	c.lruUnlink(h)
	c.splice(h)
	c.release(h)

	c.stats.Count--
	c.stats.Free--
	c.stats.Deletes++
	if m := c.opts.Metrics; m != nil {
		m.ObserveDelete()
		m.ObserveSize(c.stats.Count, c.stats.Free)
	}
	return obj
}

// splice unlinks h from its tree, promoting the in-order successor when h
// has two children.
func (c *Cache) splice(h handle) {
	n := &c.nodes[h]
	switch {
	case n.left == 0:
		c.replace(h, n.right)
	case n.right == 0:
		c.replace(h, n.left)
	default:
		path := n.right
		if c.nodes[path].left != 0 {
			for c.nodes[path].left != 0 {
				path = c.nodes[path].left
			}
			c.replace(path, c.nodes[path].right)
			c.nodes[path].right = n.right
			c.nodes[n.right].parent = path
		}
		c.nodes[path].left = n.left
		c.nodes[n.left].parent = path
		c.replace(h, path)
		c.nodes[path].balance = 0
	}
	c.mutations++
}

// Purge evicts unreferenced objects, least recently released first, until
// the free count is at most the goal. It does nothing while a delete or a
// flush is in progress.
func (c *Cache) Purge() {
	if c.deleting || c.flushing {
		return
	}
	c.stats.Purges++
	evicted := 0
	h := c.nodes[0].prev
	for c.stats.Free > c.opts.Goal && h != 0 {
		last := c.nodes[h].prev
		if c.nodes[h].refcount != 0 {
			h = last
			continue
		}
		var lastObj Object
		if last != 0 {
			lastObj = c.nodes[last].obj
		}
		deleted := c.Delete(c.nodes[h].obj)
		if deleted != nil {
			evicted++
		}
		if deleted == nil || deleted != lastObj {
			h = last
		}
	}
	logger.Debug("cache purge", logger.KeyCount, evicted, logger.KeyFree, c.stats.Free)
	if m := c.opts.Metrics; m != nil {
		m.ObservePurge(evicted)
	}
}

// Flush asks every manager attached to an unreferenced object to write back
// its state. Nothing is evicted while managers run; a purge owed to objects
// released meanwhile runs once the walk is done.
func (c *Cache) Flush() {
	if c.flushing {
		return
	}
	var pending []Object
	for h := c.nodes[0].prev; h != 0; h = c.nodes[h].prev {
		if c.nodes[h].manager != nil {
			pending = append(pending, c.nodes[h].obj)
		}
	}

	c.flushing = true
	func() {
		defer func() { c.flushing = false }()
		for _, obj := range pending {
			e := obj.CacheEntry()
			if e.handle == 0 || e.cache != c {
				continue
			}
			n := &c.nodes[e.handle]
			if n.refcount != 0 || n.manager == nil {
				continue
			}
			c.reclaim(n.manager, ModeFlush)
		}
	}()

	if c.stats.Free >= c.opts.Limit {
		c.Purge()
	}
}

// Remove deletes every unreferenced object of t, children before parents.
// Deletion redirected to a proxy is retried until the object itself goes or
// its manager refuses.
func (c *Cache) Remove(t *Tree) {
	for _, obj := range c.postOrder(t.root) {
		e := obj.CacheEntry()
		if e.handle == 0 || e.cache != c || c.nodes[e.handle].refcount != 0 {
			continue
		}
		for {
			deleted := c.Delete(obj)
			if deleted == nil || deleted == obj {
				break
			}
		}
	}
}

// postOrder snapshots the objects of the subtree rooted at h.
func (c *Cache) postOrder(h handle) []Object {
	if h == 0 {
		return nil
	}
	var out []Object
	type frame struct {
		h       handle
		visited bool
	}
	stack := []frame{{h: h}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.visited {
			out = append(out, c.nodes[top.h].obj)
			stack = stack[:len(stack)-1]
			continue
		}
		top.visited = true
		n := &c.nodes[top.h]
		if n.right != 0 {
			stack = append(stack, frame{h: n.right})
		}
		if n.left != 0 {
			stack = append(stack, frame{h: n.left})
		}
	}
	return out
}

// Refcount sums the reference counts of every object in t.
func (c *Cache) Refcount(t *Tree) int {
	return c.subtreeRefcount(t.root)
}

// SubtreeRefcount sums the reference counts of obj and its tree descendants.
func (c *Cache) SubtreeRefcount(obj Object) int {
	return c.subtreeRefcount(c.lookup(obj))
}

func (c *Cache) subtreeRefcount(h handle) int {
	if h == 0 {
		return 0
	}
	total := 0
	work := []handle{h}
	for len(work) > 0 {
		h := work[len(work)-1]
		work = work[:len(work)-1]
		n := &c.nodes[h]
		total += int(n.refcount)
		if n.left != 0 {
			work = append(work, n.left)
		}
		if n.right != 0 {
			work = append(work, n.right)
		}
	}
	return total
}
