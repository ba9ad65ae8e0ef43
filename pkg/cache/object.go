package cache

// Object is anything that can be stored in a Cache. Implementations embed an
// Entry, which provides the CacheEntry method.
type Object interface {
	CacheEntry() *Entry
}

// Entry is the cache bookkeeping embedded in every cacheable object.
//
// The zero value is a detached entry. An entry becomes attached when the
// object is linked into a tree by Cache.Find and detached again when the
// object is deleted.
type Entry struct {
	cache  *Cache
	handle handle
}

// CacheEntry implements Object.
func (e *Entry) CacheEntry() *Entry { return e }

// Attached reports whether the object is currently stored in a cache.
func (e *Entry) Attached() bool { return e.handle != 0 }

// Hash returns the hash value the object was stored under.
func (e *Entry) Hash() uint32 {
	if e.handle == 0 {
		return 0
	}
	return e.cache.nodes[e.handle].hash
}

// Refcount returns the object's current reference count.
func (e *Entry) Refcount() int {
	if e.handle == 0 {
		return 0
	}
	return int(e.cache.nodes[e.handle].refcount)
}

// Comparator orders a search key against a stored object whose hash equals
// the search hash. It returns a negative value when the key sorts before obj,
// zero on a match and a positive value when the key sorts after obj.
type Comparator func(obj Object) int

// Creator builds a new object after a failed lookup. The object must be fully
// initialized when Creator returns; on error nothing is linked.
type Creator func() (Object, error)

// Mode tells a Manager why it is being called.
type Mode int

const (
	// ModeDelete means the cache is about to delete the object.
	ModeDelete Mode = iota
	// ModeFlush asks the manager to write back state without eviction.
	ModeFlush
)

func (m Mode) String() string {
	switch m {
	case ModeDelete:
		return "delete"
	case ModeFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Manager is the per-object reclaim hook. It is invoked before the cache
// deletes the object and when the cache is flushed.
type Manager interface {
	Reclaim(mode Mode) Outcome
}

// ManagerFunc adapts a function to the Manager interface.
type ManagerFunc func(mode Mode) Outcome

// Reclaim implements Manager.
func (f ManagerFunc) Reclaim(mode Mode) Outcome { return f(mode) }

type outcomeKind int

const (
	outcomeRefuse outcomeKind = iota
	outcomeConsumed
	outcomeRedirect
)

// Outcome is the verdict of a Manager.
type Outcome struct {
	kind  outcomeKind
	proxy Object
}

// Refuse keeps the object alive; deletion is abandoned.
func Refuse() Outcome { return Outcome{kind: outcomeRefuse} }

// Consumed lets deletion proceed with the object itself.
func Consumed() Outcome { return Outcome{kind: outcomeConsumed} }

// Redirect asks the cache to delete proxy instead. Deletion restarts against
// the proxy, which may carry its own manager.
func Redirect(proxy Object) Outcome {
	return Outcome{kind: outcomeRedirect, proxy: proxy}
}

// Refused reports whether the outcome refuses deletion.
func (o Outcome) Refused() bool { return o.kind == outcomeRefuse }

// Proxy returns the redirect target, or nil.
func (o Outcome) Proxy() Object { return o.proxy }
