package splitmap

import (
	"cmp"
	"iter"
	"sync"
	"sync/atomic"
)

// OrderedListSet is a concurrent sorted set backed by a singly linked
// list with one mutex per link. Operations walk the list hand over hand,
// holding at most the lock of the link they stand on and the next one,
// so operations on disjoint parts of the list proceed in parallel.
//
// The zero OrderedListSet is empty and ready to use.
// It must not be copied after first use.
type OrderedListSet[T cmp.Ordered] struct {
	head setLink[T]
	size atomic.Int64
}

// setLink is a lockable pointer to the next node.
type setLink[T cmp.Ordered] struct {
	mu   sync.Mutex
	next *setNode[T]
}

type setNode[T cmp.Ordered] struct {
	value T
	setLink[T]
}

// locate returns the locked link that points at the first node whose
// value is >= v, and whether that node holds v. The caller must unlock
// the returned link.
func (s *OrderedListSet[T]) locate(v T) (*setLink[T], bool) {
	l := &s.head
	l.mu.Lock()
	for {
		n := l.next
		if n == nil {
			return l, false
		}
		switch c := cmp.Compare(n.value, v); {
		case c == 0:
			return l, true
		case c > 0:
			return l, false
		}
		n.mu.Lock()
		l.mu.Unlock()
		l = &n.setLink
	}
}

// Contains reports whether v is in the set.
func (s *OrderedListSet[T]) Contains(v T) bool {
	l, found := s.locate(v)
	l.mu.Unlock()
	return found
}

// Insert adds v to the set. If v is already present it returns
// ErrKeyExists and leaves the set unchanged.
func (s *OrderedListSet[T]) Insert(v T) error {
	l, found := s.locate(v)
	defer l.mu.Unlock()
	if found {
		return ErrKeyExists
	}
	l.next = &setNode[T]{value: v, setLink: setLink[T]{next: l.next}}
	s.size.Add(1)
	return nil
}

// Remove deletes v from the set and returns the stored element. It
// returns ErrKeyNotFound if v is absent.
func (s *OrderedListSet[T]) Remove(v T) (T, error) {
	l, found := s.locate(v)
	defer l.mu.Unlock()
	if !found {
		var zero T
		return zero, ErrKeyNotFound
	}
	n := l.next
	n.mu.Lock()
	l.next = n.next
	n.next = nil
	n.mu.Unlock()
	s.size.Add(-1)
	return n.value, nil
}

// Len returns the number of elements in the set.
func (s *OrderedListSet[T]) Len() int {
	return int(s.size.Load())
}

// All returns an iterator over the elements in ascending order. The
// iterator holds the coupling locks while it runs: the element being
// yielded cannot be removed and nothing can be inserted right after it
// until yield returns. yield must not modify the set.
func (s *OrderedListSet[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		l := &s.head
		l.mu.Lock()
		for {
			n := l.next
			if n == nil {
				l.mu.Unlock()
				return
			}
			n.mu.Lock()
			l.mu.Unlock()
			if !yield(n.value) {
				n.mu.Unlock()
				return
			}
			l = &n.setLink
		}
	}
}
