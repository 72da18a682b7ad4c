package splitmap

import (
	"math"
	"sync/atomic"
)

// harrisList is a lock-free singly linked list sorted by key, using
// Harris-style deletion: a node is first logically removed by marking
// its next link, and physically unlinked later by whichever search walks
// over it.
//
// A link is a pointer to an immutable listRef that carries the successor
// and the mark together, so marking and relinking are single-pointer
// compare-and-swaps. Every node owns the only two refs that can point at
// it (unmarked and marked), which keeps ref identity equal to
// (successor, mark) identity and costs no allocation per operation.
//
// Memory reclamation is left to the garbage collector: an unlinked node
// stays reachable for as long as any cursor still holds it.
type harrisList[V any] struct {
	head *listNode[V]
	tail *listNode[V]
}

type listNode[V any] struct {
	next      atomic.Pointer[listRef[V]]
	ref       listRef[V]
	markedRef listRef[V]
	key       uint64
	value     V
	sentinel  bool
}

type listRef[V any] struct {
	node   *listNode[V]
	marked bool
}

func newListNode[V any](key uint64, value V, sentinel bool) *listNode[V] {
	n := &listNode[V]{key: key, value: value, sentinel: sentinel}
	n.ref = listRef[V]{node: n}
	n.markedRef = listRef[V]{node: n, marked: true}
	return n
}

// newHarrisList creates a list holding a head sentinel with key 0 and a
// tail sentinel that bounds every search.
func newHarrisList[V any]() *harrisList[V] {
	var zero V
	l := &harrisList[V]{
		head: newListNode(0, zero, true),
		tail: newListNode(math.MaxUint64, zero, true),
	}
	l.head.next.Store(&l.tail.ref)
	return l
}

// isDeleted reports whether n has been logically removed.
func (n *listNode[V]) isDeleted() bool {
	r := n.next.Load()
	return r != nil && r.marked
}

// listCursor is a position in the list: curr is the node right after
// prev, as last observed.
type listCursor[V any] struct {
	list *harrisList[V]
	prev *listNode[V]
	curr *listNode[V]
}

// cursorAt returns a cursor whose prev is start. start must be a node
// that is never deleted, such as a sentinel.
func (l *harrisList[V]) cursorAt(start *listNode[V]) listCursor[V] {
	return listCursor[V]{list: l, prev: start, curr: start.next.Load().node}
}

// find advances the cursor to the first live node whose key is >= key,
// unlinking any run of marked nodes found right before it. found reports
// whether that node has the key. ok is false when a concurrent update
// invalidated the position; the caller must rebuild the cursor and retry.
func (c *listCursor[V]) find(key uint64) (found, ok bool) {
	tail := c.list.tail
	prev, anchor, curr := c.prev, c.curr, c.curr
	for curr != tail {
		next := curr.next.Load()
		if next.marked {
			curr = next.node
			continue
		}
		if curr.key >= key {
			break
		}
		prev, anchor, curr = curr, next.node, next.node
	}
	if anchor != curr {
		if !prev.next.CompareAndSwap(&anchor.ref, &curr.ref) {
			return false, false
		}
		// curr may have been marked since it was read.
		if curr.isDeleted() {
			return false, false
		}
	}
	c.prev, c.curr = prev, curr
	return curr != tail && curr.key == key, true
}

// insert links n right before the cursor's current node. On success the
// cursor moves to n. It fails when prev no longer links to curr.
func (c *listCursor[V]) insert(n *listNode[V]) bool {
	n.next.Store(&c.curr.ref)
	if !c.prev.next.CompareAndSwap(&c.curr.ref, &n.ref) {
		return false
	}
	c.curr = n
	return true
}

// delete logically removes the cursor's current node and tries once to
// unlink it. It fails if the node was already marked by someone else.
func (c *listCursor[V]) delete() (V, bool) {
	curr := c.curr
	for {
		next := curr.next.Load()
		if next.marked {
			var zero V
			return zero, false
		}
		if curr.next.CompareAndSwap(next, &next.node.markedRef) {
			c.prev.next.CompareAndSwap(&curr.ref, &next.node.ref)
			return curr.value, true
		}
	}
}

// lookup returns the payload of the cursor's current node.
func (c *listCursor[V]) lookup() V {
	return c.curr.value
}

// each calls f for every live node between the head and tail sentinels,
// in list order. Nodes marked while the walk is in progress may or may
// not be visited.
func (l *harrisList[V]) each(f func(n *listNode[V]) bool) {
	for n := l.head.next.Load().node; n != l.tail; n = n.next.Load().node {
		if n.isDeleted() {
			continue
		}
		if !f(n) {
			return
		}
	}
}
