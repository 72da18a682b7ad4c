package splitmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"math/bits"
	"strings"
	"sync/atomic"
	"unsafe"
)

const (
	// defaultLoadFactor is the number of items per bucket tolerated before
	// the bucket count is doubled.
	defaultLoadFactor = 2
	// minBucketCount is the bucket count of a fresh map.
	minBucketCount = 2
	// reservedKeyBit is the top key bit. It is reserved so that a data
	// key, once bit-reversed, always has its lowest bit free for the
	// data/sentinel discriminator.
	reservedKeyBit = uint64(1) << 63
)

var (
	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = errors.New("splitmap: key already exists")
	// ErrKeyNotFound is returned by Delete when the key is absent.
	ErrKeyNotFound = errors.New("splitmap: key not found")
)

// SplitOrderedMap is a lock-free map from uint64 keys to values of type V,
// implemented as a Shalev-Shavit split-ordered list.
//
// All items live in one lock-free list sorted by the bit-reversed key.
// Buckets are sentinel nodes threaded into that same list, and a
// GrowableArray caches a pointer to each bucket's sentinel. Because the
// order is bit-reversed, the items of bucket i for bucket count 2n are
// exactly the items of bucket i mod n that sort after the sentinel of
// bucket i, so doubling the bucket count never moves an item: new buckets
// are spliced in lazily, on first use, in front of the items they take
// over.
//
// Keys are used as their own hash. The top key bit is reserved, so keys
// must be below 1<<63; passing a larger key panics.
//
// Insert has insert-if-absent semantics: an existing value is never
// overwritten.
//
// SplitOrderedMap must be created with NewSplitOrderedMap.
// It must not be copied after first use.
type SplitOrderedMap[V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad0 [(CacheLineSize - unsafe.Sizeof(struct {
		list       unsafe.Pointer
		buckets    unsafe.Pointer
		loadFactor uint64
	}{})%CacheLineSize) % CacheLineSize]byte

	list       *harrisList[V]
	buckets    *GrowableArray[listNode[V]]
	loadFactor uint64

	bucketCount atomic.Uint64
	//lint:ignore U1000 prevents false sharing
	pad1 [(CacheLineSize - unsafe.Sizeof(atomic.Uint64{})%CacheLineSize) % CacheLineSize]byte

	itemCount atomic.Int64
	//lint:ignore U1000 prevents false sharing
	pad2 [(CacheLineSize - unsafe.Sizeof(atomic.Int64{})%CacheLineSize) % CacheLineSize]byte
}

// MapConfig defines configurable SplitOrderedMap options.
type MapConfig struct {
	sizeHint   int
	loadFactor int
}

// WithPresize configures a new SplitOrderedMap with enough buckets to
// hold sizeHint items without doubling. Buckets are still materialized
// lazily, so presizing costs nothing up front. If sizeHint is zero or
// negative, the value is ignored.
func WithPresize(sizeHint int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.sizeHint = sizeHint
	}
}

// WithLoadFactor sets the number of items per bucket above which the
// bucket count is doubled. Values below 1 are ignored. Default is 2.
func WithLoadFactor(loadFactor int) func(*MapConfig) {
	return func(c *MapConfig) {
		if loadFactor >= 1 {
			c.loadFactor = loadFactor
		}
	}
}

// NewSplitOrderedMap creates an empty map.
//
// Parameters:
//   - WithPresize option for initial capacity
//   - WithLoadFactor option for the doubling threshold
func NewSplitOrderedMap[V any](options ...func(*MapConfig)) *SplitOrderedMap[V] {
	c := &MapConfig{loadFactor: defaultLoadFactor}
	for _, o := range options {
		o(c)
	}

	m := &SplitOrderedMap[V]{
		list:       newHarrisList[V](),
		buckets:    &GrowableArray[listNode[V]]{},
		loadFactor: uint64(c.loadFactor),
	}
	size := uint64(minBucketCount)
	if c.sizeHint > 0 {
		size = max(size, nextPowOf2(uint64(c.sizeHint)/m.loadFactor))
	}
	m.bucketCount.Store(size)
	// The head sentinel has key 0 and is the sentinel of bucket 0.
	m.buckets.Get(0).Store(m.list.head)
	return m
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or
// equal to n.
func nextPowOf2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}

// assertValidKey panics when the reserved top bit of key is set.
func assertValidKey(key uint64) {
	if key&reservedKeyBit != 0 {
		panic(fmt.Sprintf("splitmap: key %#x out of range, the top bit is reserved", key))
	}
}

// sentinelKey is the split-order key of the sentinel of bucket index.
// Its lowest bit is always clear.
func sentinelKey(index uint64) uint64 {
	return bits.Reverse64(index)
}

// dataKey is the split-order key of an item. Its lowest bit is always set,
// so an item sorts after the sentinel of its own bucket.
func dataKey(key uint64) uint64 {
	return bits.Reverse64(key) | 1
}

// keyOf recovers the user key from a data key.
func keyOf(ordKey uint64) uint64 {
	return bits.Reverse64(ordKey &^ 1)
}

// parentIndex returns the bucket that index was split from: index with its
// highest set bit cleared. Bucket 0 is its own parent.
func parentIndex(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	return index &^ (uint64(1) << (bits.Len64(index) - 1))
}

// lookupBucket returns a cursor positioned at the sentinel of bucket
// index, creating the bucket first if needed.
func (m *SplitOrderedMap[V]) lookupBucket(index uint64) listCursor[V] {
	if s := m.buckets.Get(index).Load(); s != nil {
		return m.list.cursorAt(s)
	}
	return m.initializeBucket(index)
}

// initializeBucket splices the sentinel of bucket index into the list,
// after making sure its parent bucket exists, and caches it in the bucket
// array. If another goroutine got there first its sentinel is used.
func (m *SplitOrderedMap[V]) initializeBucket(index uint64) listCursor[V] {
	parent := parentIndex(index)
	key := sentinelKey(index)
	slot := m.buckets.Get(index)
	for {
		c := m.lookupBucket(parent)
		found, ok := c.find(key)
		if !ok {
			continue
		}
		if found {
			slot.Store(c.curr)
			return m.list.cursorAt(c.curr)
		}
		var zero V
		s := newListNode(key, zero, true)
		if c.insert(s) {
			slot.Store(s)
			return m.list.cursorAt(s)
		}
	}
}

// find positions a cursor at the data key of key within its bucket.
// It returns the bucket count the bucket was picked with, whether a live
// node with that key exists, and the cursor.
func (m *SplitOrderedMap[V]) find(key uint64) (uint64, bool, listCursor[V]) {
	size := m.bucketCount.Load()
	index := key & (size - 1)
	ord := dataKey(key)
	for {
		c := m.lookupBucket(index)
		if found, ok := c.find(ord); ok {
			return size, found, c
		}
	}
}

// Load returns the value stored in the map for a key, or the zero value
// if no value is present.
// The ok result indicates whether value was found in the map.
func (m *SplitOrderedMap[V]) Load(key uint64) (value V, ok bool) {
	assertValidKey(key)
	_, found, c := m.find(key)
	if !found {
		return
	}
	return c.lookup(), true
}

// Has reports whether key is present.
func (m *SplitOrderedMap[V]) Has(key uint64) bool {
	_, ok := m.Load(key)
	return ok
}

// Insert stores value under key if the key is absent. If the key is
// already present, the map is left unchanged and Insert returns value
// itself together with ErrKeyExists.
func (m *SplitOrderedMap[V]) Insert(key uint64, value V) (V, error) {
	assertValidKey(key)
	ord := dataKey(key)
	var n *listNode[V]
	for {
		size, found, c := m.find(key)
		if found {
			return value, ErrKeyExists
		}
		if n == nil {
			n = newListNode(ord, value, false)
		}
		if !c.insert(n) {
			// Someone changed the neighbourhood; look again.
			continue
		}
		// The counter can run below zero while deletes of nodes whose
		// inserters have not counted them yet are outstanding.
		if count := m.itemCount.Add(1); count > 0 && uint64(count) > size*m.loadFactor {
			// Best effort: losing this race means another goroutine
			// already moved the count forward.
			m.bucketCount.CompareAndSwap(size, size<<1)
		}
		var zero V
		return zero, nil
	}
}

// Delete removes key and returns the value it held. It returns
// ErrKeyNotFound if the key is absent, including when a concurrent Delete
// of the same key won.
func (m *SplitOrderedMap[V]) Delete(key uint64) (V, error) {
	assertValidKey(key)
	_, found, c := m.find(key)
	if found {
		if v, ok := c.delete(); ok {
			m.itemCount.Add(-1)
			return v, nil
		}
	}
	var zero V
	return zero, ErrKeyNotFound
}

// Len returns the number of items according to the internal counter.
// This is an O(1) operation.
func (m *SplitOrderedMap[V]) Len() int {
	return int(m.itemCount.Load())
}

// IsZero checks whether the map holds no items.
func (m *SplitOrderedMap[V]) IsZero() bool {
	return m.Len() == 0
}

// BucketCount returns the current logical number of buckets.
func (m *SplitOrderedMap[V]) BucketCount() uint64 {
	return m.bucketCount.Load()
}

// Range calls yield sequentially for each key and value present in the
// map, in split order. If yield returns false, range stops the iteration.
//
// Range does not correspond to any consistent snapshot: items inserted or
// deleted concurrently may or may not be visited, but no key is visited
// twice.
func (m *SplitOrderedMap[V]) Range(yield func(key uint64, value V) bool) {
	m.list.each(func(n *listNode[V]) bool {
		if n.sentinel {
			return true
		}
		return yield(keyOf(n.key), n.value)
	})
}

// All returns an iterator over each key and value present in the map.
func (m *SplitOrderedMap[V]) All() iter.Seq2[uint64, V] {
	return m.Range
}

// Keys returns an iterator over each key present in the map.
func (m *SplitOrderedMap[V]) Keys() iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		m.Range(func(key uint64, _ V) bool {
			return yield(key)
		})
	}
}

// ToMap collect all entries and return a map[uint64]V
func (m *SplitOrderedMap[V]) ToMap() map[uint64]V {
	a := make(map[uint64]V, max(0, m.Len()))
	m.Range(func(key uint64, value V) bool {
		a[key] = value
		return true
	})
	return a
}

// ToMapWithLimit collect up to limit entries into a map[uint64]V, limit < 0 is no limit
func (m *SplitOrderedMap[V]) ToMapWithLimit(limit int) map[uint64]V {
	if limit == 0 {
		return map[uint64]V{}
	}
	if limit < 0 {
		limit = math.MaxInt
	}
	a := make(map[uint64]V, min(max(0, m.Len()), limit))
	m.Range(func(key uint64, value V) bool {
		a[key] = value
		limit--
		return limit > 0
	})
	return a
}

// String implement the formatting output interface fmt.Stringer
func (m *SplitOrderedMap[V]) String() string {
	const limit = 1024
	return strings.Replace(fmt.Sprint(m.ToMapWithLimit(limit)), "map[", "SplitOrderedMap[", 1)
}

var (
	jsonMarshal   func(v any) ([]byte, error)
	jsonUnmarshal func(data []byte, v any) error
)

// SetDefaultJSONMarshal sets the default JSON serialization and deserialization functions.
// If not set, the standard library is used by default.
func SetDefaultJSONMarshal(marshal func(v any) ([]byte, error), unmarshal func(data []byte, v any) error) {
	jsonMarshal, jsonUnmarshal = marshal, unmarshal
}

// MarshalJSON JSON serialization
func (m *SplitOrderedMap[V]) MarshalJSON() ([]byte, error) {
	if jsonMarshal != nil {
		return jsonMarshal(m.ToMap())
	}
	return json.Marshal(m.ToMap())
}

// UnmarshalJSON JSON deserialization. Keys already present keep their
// current value. The map must have been created with NewSplitOrderedMap.
func (m *SplitOrderedMap[V]) UnmarshalJSON(data []byte) error {
	var a map[uint64]V
	if jsonUnmarshal != nil {
		if err := jsonUnmarshal(data, &a); err != nil {
			return err
		}
	} else {
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
	}
	for k := range a {
		if k&reservedKeyBit != 0 {
			return fmt.Errorf("splitmap: unmarshal key %d: %w", k, errKeyOutOfRange)
		}
	}
	for k, v := range a {
		_, _ = m.Insert(k, v)
	}
	return nil
}

var errKeyOutOfRange = errors.New("top bit is reserved")

// Close releases the bucket index. The map must not be used afterwards,
// and Close must not run concurrently with any other method.
func (m *SplitOrderedMap[V]) Close() ArrayStats {
	return m.buckets.Close()
}

// Stats returns statistics for the SplitOrderedMap. Just like other map
// methods, this one is thread-safe. Yet it's an O(N) operation,
// so it should be used only for diagnostics or debugging purposes.
func (m *SplitOrderedMap[V]) Stats() *MapStats {
	stats := &MapStats{
		BucketCount:        m.bucketCount.Load(),
		InitializedBuckets: 1,
		Counter:            m.Len(),
		Array:              m.buckets.Stats(),
	}
	m.list.each(func(n *listNode[V]) bool {
		if n.sentinel {
			stats.InitializedBuckets++
		} else {
			stats.Size++
		}
		return true
	})
	return stats
}

// MapStats is SplitOrderedMap statistics.
//
// Warning: map statistics are intented to be used for diagnostic
// purposes, not for production code. This means that breaking changes
// may be introduced into this struct even between minor releases.
type MapStats struct {
	// BucketCount is the logical number of buckets.
	BucketCount uint64
	// InitializedBuckets is the number of bucket sentinels spliced into
	// the list, bucket 0 included.
	InitializedBuckets int
	// Size is the number of live items found by walking the list.
	Size int
	// Counter is the number of items according to the internal atomic
	// counter. In case of concurrent map modifications this number may
	// be different from Size.
	Counter int
	// Array describes the bucket index.
	Array ArrayStats
}

// ToString returns string representation of map stats.
func (s *MapStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("MapStats{\n")
	sb.WriteString(fmt.Sprintf("BucketCount:        %d\n", s.BucketCount))
	sb.WriteString(fmt.Sprintf("InitializedBuckets: %d\n", s.InitializedBuckets))
	sb.WriteString(fmt.Sprintf("Size:               %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Counter:            %d\n", s.Counter))
	sb.WriteString(fmt.Sprintf("ArrayHeight:        %d\n", s.Array.Height))
	sb.WriteString(fmt.Sprintf("ArraySegments:      %d\n", s.Array.Total()))
	sb.WriteString("}\n")
	return sb.String()
}
