package splitmap

import (
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"
	"unsafe"
)

const (
	// segmentLogSize is the number of index bits consumed by one tree level.
	segmentLogSize = 10
	segmentSize    = 1 << segmentLogSize
	segmentMask    = segmentSize - 1

	// maxArrayHeight is the tallest tree any uint64 index can require.
	maxArrayHeight = (64 + segmentLogSize - 1) / segmentLogSize
)

// GrowableArray is a lock-free, index-addressable array of atomic slots
// that grows on demand and never shrinks.
//
// The array is a tree of fixed-size segments. A segment at height 1 holds
// leaf slots; a segment at a greater height holds pointers to child
// segments one level lower. Nothing inside a segment records its height:
// the meaning of a slot is decided only by the depth it is read at.
//
// When an index does not fit the current tree, a taller root is installed
// whose first slot holds the previous root, so the old tree becomes the
// low subtree of the new one. Missing segments on the path to a leaf are
// created lazily. All races are resolved by compare-and-swap; the loser
// drops its allocation and continues with the winner's segment.
//
//	height 2:  [ 111 | 110 | ... | 001 | 000 ]
//	              |                      |
//	height 1:  [ ... ]                [ ... ]  <- leaf slots
//
// Leaf values are never owned by the array. Close releases the segments
// and leaves every leaf untouched.
//
// The zero GrowableArray is empty and ready to use.
// It must not be copied after first use.
type GrowableArray[T any] struct {
	root      atomic.Pointer[arrayRoot]
	published [maxArrayHeight + 1]atomic.Uint64
}

// segment is one level of the tree. Each word is either nil, a *segment
// (when the segment sits above height 1) or a leaf *T (at height 1).
type segment struct {
	slots [segmentSize]unsafe.Pointer
}

// arrayRoot pairs the root segment with the height of the tree under it.
type arrayRoot struct {
	seg    *segment
	height int
}

// closedArrayRoot marks an array that has been torn down.
var closedArrayRoot = &arrayRoot{}

// Slot is the leaf cell of a GrowableArray. It is a typed view of one
// segment word at height 1.
type Slot[T any] struct {
	_ [0]*T
	p unsafe.Pointer
}

// Load atomically loads the leaf value.
func (s *Slot[T]) Load() *T {
	return (*T)(atomic.LoadPointer(&s.p))
}

// Store atomically publishes v.
func (s *Slot[T]) Store(v *T) {
	atomic.StorePointer(&s.p, unsafe.Pointer(v))
}

// CompareAndSwap executes the compare-and-swap operation on the leaf.
func (s *Slot[T]) CompareAndSwap(old, new *T) bool {
	return atomic.CompareAndSwapPointer(&s.p, unsafe.Pointer(old), unsafe.Pointer(new))
}

// arrayEntry is the tagged view of a segment word. Exactly one of child
// and leaf may be non-nil, and which one is allowed depends on the height
// of the segment the word was read from.
type arrayEntry[T any] struct {
	child *segment
	leaf  *T
}

func (e arrayEntry[T]) isNil() bool {
	return e.child == nil && e.leaf == nil
}

// entryAt decodes word i of seg, which lives at the given height.
func entryAt[T any](seg *segment, i int, height int) arrayEntry[T] {
	p := atomic.LoadPointer(&seg.slots[i])
	if height > 1 {
		return arrayEntry[T]{child: (*segment)(p)}
	}
	return arrayEntry[T]{leaf: (*T)(p)}
}

// heightFor returns the number of tree levels needed to address index.
// Index 0 still needs one level.
func heightFor(index uint64) int {
	n := bits.Len64(index)
	return max(1, (n+segmentLogSize-1)/segmentLogSize)
}

// digit extracts the slot number of index at the given height.
func digit(index uint64, height int) int {
	return int((index >> (uint(height-1) * segmentLogSize)) & segmentMask)
}

// Get returns the slot that stores the leaf at index, materializing the
// root and any missing segments on the way down. The returned slot is
// stable: every call with the same index returns the same slot.
func (a *GrowableArray[T]) Get(index uint64) *Slot[T] {
	need := heightFor(index)
	r := a.root.Load()
	for r == nil || r.height < need {
		r = a.grow(r)
	}

	seg, height := r.seg, r.height
	for height > 1 {
		addr := &seg.slots[digit(index, height)]
		child := (*segment)(atomic.LoadPointer(addr))
		if child == nil {
			fresh := new(segment)
			if atomic.CompareAndSwapPointer(addr, nil, unsafe.Pointer(fresh)) {
				a.published[height-1].Add(1)
				child = fresh
			} else {
				child = (*segment)(atomic.LoadPointer(addr))
			}
		}
		seg = child
		height--
	}
	return (*Slot[T])(unsafe.Pointer(&seg.slots[digit(index, 1)]))
}

// grow installs a root one level taller than old and returns the root
// that is current afterwards, which may have been installed by another
// goroutine.
func (a *GrowableArray[T]) grow(old *arrayRoot) *arrayRoot {
	if old == closedArrayRoot {
		panic("splitmap: use of closed GrowableArray")
	}
	next := &arrayRoot{seg: new(segment), height: 1}
	if old != nil {
		next.height = old.height + 1
		next.seg.slots[0] = unsafe.Pointer(old.seg)
	}
	if a.root.CompareAndSwap(old, next) {
		a.published[next.height].Add(1)
		return next
	}
	return a.root.Load()
}

// Height returns the current number of tree levels, 0 for an empty array.
func (a *GrowableArray[T]) Height() int {
	r := a.root.Load()
	if r == nil {
		return 0
	}
	return r.height
}

// MaxIndex returns the largest index addressable without growing.
func (a *GrowableArray[T]) MaxIndex() uint64 {
	h := a.Height()
	if h*segmentLogSize >= 64 {
		return ^uint64(0)
	}
	return 1<<(uint(h)*segmentLogSize) - 1
}

// Stats returns the number of segments published per height level.
func (a *GrowableArray[T]) Stats() ArrayStats {
	s := ArrayStats{Height: a.Height()}
	for h := 1; h <= maxArrayHeight; h++ {
		s.Segments[h] = int(a.published[h].Load())
	}
	return s
}

// Close tears the array down and reports how many segments it released
// per level. Leaf values are left alone: they belong to whoever stored
// them.
//
// Close requires exclusive ownership. It must not run concurrently with
// Get, and any Get after Close panics. Calling Close again is a no-op.
func (a *GrowableArray[T]) Close() ArrayStats {
	var released ArrayStats
	r := a.root.Swap(closedArrayRoot)
	if r == nil || r == closedArrayRoot {
		return released
	}
	released.Height = r.height
	releaseSegment[T](r.seg, r.height, &released)
	return released
}

// releaseSegment releases every segment below seg, then seg itself. Only
// words of segments above height 1 are followed; height-1 words are leaves.
func releaseSegment[T any](seg *segment, height int, released *ArrayStats) {
	if height > 1 {
		for i := range seg.slots {
			e := entryAt[T](seg, i, height)
			if e.child == nil {
				continue
			}
			releaseSegment[T](e.child, height-1, released)
			atomic.StorePointer(&seg.slots[i], nil)
		}
	}
	released.Segments[height]++
}

// ArrayStats counts segments per tree level. Segments[h] is the number of
// segments at height h; Segments[0] is unused.
type ArrayStats struct {
	Height   int
	Segments [maxArrayHeight + 1]int
}

// Total returns the number of segments over all levels.
func (s ArrayStats) Total() (n int) {
	for _, c := range s.Segments {
		n += c
	}
	return
}

// ToString returns string representation of array stats.
func (s ArrayStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("ArrayStats{\n")
	sb.WriteString(fmt.Sprintf("Height:   %d\n", s.Height))
	for h := s.Height; h >= 1; h-- {
		sb.WriteString(fmt.Sprintf("Level %d:  %d\n", h, s.Segments[h]))
	}
	sb.WriteString("}\n")
	return sb.String()
}
