// Package cache implements the reference-counted object cache shared by every
// cacheable ODS-2 object kind (files, windows and chunks).
//
// All objects live in a common pool owned by a Cache. Each object is also a
// member of exactly one binary Tree (the files of a volume, the windows of a
// file, the chunks of a file, ...) so that it can be located again by hash and
// an optional comparator. An object with a reference count of zero stays in
// its tree but is additionally linked on the pool's least-recently-used list,
// from which it may be evicted when the number of free objects grows too
// large.
//
// Key Design Principles:
//   - Nodes are stored in an arena and addressed by index handles, never by
//     raw pointers into parent slots
//   - The cache context is explicit; there is no process-wide state
//   - Trees are kept shallow by a threshold single rotation performed while
//     searching, not by full AVL bookkeeping
//   - Objects that need special treatment before eviction (flushing dirty
//     data, tearing down child trees) attach a Manager
//
// A Cache is not safe for concurrent use. Callers running several goroutines
// against one Cache must serialize access themselves.
package cache
