package splitmap

import (
	"math/rand/v2"
	"reflect"
	"sync"
	"testing"
	"unsafe"
)

func TestGrowableArrayStructSize(t *testing.T) {
	size := unsafe.Sizeof(GrowableArray[int]{})
	t.Log("GrowableArray[int] size:", size)
	t.Log("segment size:", unsafe.Sizeof(segment{}))
	if unsafe.Sizeof(Slot[int]{}) != unsafe.Sizeof(unsafe.Pointer(nil)) {
		t.Fatalf("Slot must be exactly one word, got %d bytes", unsafe.Sizeof(Slot[int]{}))
	}
	structType := reflect.TypeOf(GrowableArray[int]{})
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		t.Logf("Field: %-10s Type: %-30s Offset: %d Size: %d bytes\n",
			field.Name, field.Type, field.Offset, field.Type.Size())
	}
}

func TestHeightFor(t *testing.T) {
	tests := []struct {
		index uint64
		want  int
	}{
		{0, 1},
		{1, 1},
		{segmentSize - 1, 1},
		{segmentSize, 2},
		{1<<(2*segmentLogSize) - 1, 2},
		{1 << (2 * segmentLogSize), 3},
		{1<<62 - 1, 7},
		{1 << 62, 7},
		{1<<63 - 1, 7},
		{^uint64(0), 7},
	}
	for _, tt := range tests {
		if got := heightFor(tt.index); got != tt.want {
			t.Errorf("heightFor(%#x) = %d, want %d", tt.index, got, tt.want)
		}
	}
}

func TestGrowableArrayZeroValue(t *testing.T) {
	var a GrowableArray[int]
	if h := a.Height(); h != 0 {
		t.Fatalf("empty array height = %d, want 0", h)
	}
	if s := a.Stats(); s.Total() != 0 {
		t.Fatalf("empty array has %d segments", s.Total())
	}
	if s := a.Close(); s.Total() != 0 {
		t.Fatalf("closing an empty array released %d segments", s.Total())
	}
}

func TestGrowableArrayGetStable(t *testing.T) {
	var a GrowableArray[int]
	indexes := []uint64{0, 1, 7, segmentSize - 1, segmentSize, 123456, 1 << 40, 1<<63 - 1}

	slots := make(map[uint64]*Slot[int])
	for _, i := range indexes {
		s := a.Get(i)
		if s.Load() != nil {
			t.Fatalf("fresh slot %d is not empty", i)
		}
		v := int(i % 1000)
		s.Store(&v)
		slots[i] = s
	}
	// Growth after the first Get must not have moved any slot.
	for _, i := range indexes {
		s := a.Get(i)
		if s != slots[i] {
			t.Fatalf("slot for index %d moved: %p != %p", i, s, slots[i])
		}
		if got := *s.Load(); got != int(i%1000) {
			t.Fatalf("slot %d holds %d, want %d", i, got, i%1000)
		}
	}
	seen := make(map[*Slot[int]]uint64)
	for i, s := range slots {
		if j, ok := seen[s]; ok {
			t.Fatalf("indexes %d and %d share a slot", i, j)
		}
		seen[s] = i
	}
}

func TestGrowableArrayGrowth(t *testing.T) {
	var a GrowableArray[int]
	low := a.Get(3)
	if h := a.Height(); h != 1 {
		t.Fatalf("height = %d, want 1", h)
	}
	if m := a.MaxIndex(); m != segmentSize-1 {
		t.Fatalf("MaxIndex = %d, want %d", m, segmentSize-1)
	}

	a.Get(segmentSize)
	if h := a.Height(); h != 2 {
		t.Fatalf("height = %d, want 2", h)
	}
	if a.Get(3) != low {
		t.Fatal("old root was not kept as the low subtree")
	}

	a.Get(1 << 30)
	if h := a.Height(); h != 4 {
		t.Fatalf("height = %d, want 4", h)
	}
	// Height never shrinks.
	a.Get(0)
	if h := a.Height(); h != 4 {
		t.Fatalf("height = %d after a low Get, want 4", h)
	}
}

func TestGrowableArraySegmentsPerLevel(t *testing.T) {
	var a GrowableArray[int]
	a.Get(0)
	a.Get(1 << 62)

	s := a.Stats()
	if s.Height != 7 {
		t.Fatalf("height = %d, want 7", s.Height)
	}
	// One chain of roots from the first Get, one fresh path from the second.
	if s.Segments[7] != 1 {
		t.Fatalf("level 7 segments = %d, want 1", s.Segments[7])
	}
	for h := 1; h < 7; h++ {
		if s.Segments[h] != 2 {
			t.Fatalf("level %d segments = %d, want 2\n%s", h, s.Segments[h], s.ToString())
		}
	}
	t.Log(s.ToString())
}

// TestGrowableArrayDepthInvariant checks that words of segments above
// height 1 only ever hold segments and that the walker sees exactly the
// segments the array published.
func TestGrowableArrayDepthInvariant(t *testing.T) {
	var a GrowableArray[uint64]
	r := rand.New(rand.NewPCG(1, 2))
	leaves := make(map[uint64]*uint64)
	for range 2000 {
		i := r.Uint64N(1 << 36)
		v := i
		a.Get(i).Store(&v)
		leaves[i] = &v
	}

	var walked ArrayStats
	a.walk(func(seg *segment, height int) bool {
		walked.Segments[height]++
		for i := range seg.slots {
			e := entryAt[uint64](seg, i, height)
			if height > 1 && e.leaf != nil {
				t.Fatalf("leaf found at height %d", height)
			}
			if height == 1 && e.child != nil {
				t.Fatalf("child segment found at height 1")
			}
			if height == 1 && !e.isNil() && *e.leaf != *leaves[*e.leaf] {
				t.Fatalf("leaf %d does not match", *e.leaf)
			}
		}
		return true
	})
	if got, want := walked.Segments, a.Stats().Segments; got != want {
		t.Fatalf("walked %v segments, published %v", got, want)
	}
	for i, p := range leaves {
		if a.Get(i).Load() != p {
			t.Fatalf("leaf %d lost", i)
		}
	}
}

func TestGrowableArrayClose(t *testing.T) {
	var a GrowableArray[int]
	values := make([]int, 0, 5000)
	for i := range 5000 {
		values = append(values, i)
	}
	for i := range values {
		a.Get(uint64(i) * 997).Store(&values[i])
	}
	published := a.Stats()

	released := a.Close()
	if released != published {
		t.Fatalf("released %s\npublished %s", released.ToString(), published.ToString())
	}
	// Leaves are not owned by the array.
	for i, v := range values {
		if v != i {
			t.Fatalf("leaf %d was modified: %d", i, v)
		}
	}
	if again := a.Close(); again.Total() != 0 {
		t.Fatalf("second Close released %d segments", again.Total())
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Get after Close did not panic")
		}
	}()
	a.Get(1)
}

func TestGrowableArrayConcurrentGet(t *testing.T) {
	const (
		goroutines = 16
		perG       = 2000
	)
	var a GrowableArray[uint64]
	indexes := make([]uint64, perG)
	r := rand.New(rand.NewPCG(3, 4))
	for i := range indexes {
		// Spread over several heights so growth races with descent.
		indexes[i] = r.Uint64N(1 << (10 + 5*(i%8)))
	}

	results := make([][]*Slot[uint64], goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := range goroutines {
		go func() {
			defer wg.Done()
			out := make([]*Slot[uint64], perG)
			for k := range indexes {
				j := (k + g*131) % perG
				out[j] = a.Get(indexes[j])
			}
			results[g] = out
		}()
	}
	wg.Wait()

	for g := 1; g < goroutines; g++ {
		for k := range indexes {
			if results[g][k] != results[0][k] {
				t.Fatalf("goroutine %d saw a different slot for index %d", g, indexes[k])
			}
		}
	}
	var walked ArrayStats
	a.walk(func(_ *segment, height int) bool {
		walked.Segments[height]++
		return true
	})
	if walked.Segments != a.Stats().Segments {
		t.Fatalf("walked %v, published %v", walked.Segments, a.Stats().Segments)
	}
}

func TestGrowableArraySlotCompareAndSwap(t *testing.T) {
	var a GrowableArray[string]
	s := a.Get(42)
	x, y := "x", "y"
	if !s.CompareAndSwap(nil, &x) {
		t.Fatal("CAS from nil failed")
	}
	if s.CompareAndSwap(nil, &y) {
		t.Fatal("CAS from stale nil succeeded")
	}
	if *s.Load() != "x" {
		t.Fatalf("slot holds %q", *s.Load())
	}
}

// walk visits every published segment with its height, parents first.
func (a *GrowableArray[T]) walk(visit func(seg *segment, height int) bool) {
	r := a.root.Load()
	if r == nil || r == closedArrayRoot {
		return
	}
	walkSegment[T](r.seg, r.height, visit)
}

func walkSegment[T any](seg *segment, height int, visit func(*segment, int) bool) bool {
	if !visit(seg, height) {
		return false
	}
	if height == 1 {
		return true
	}
	for i := range seg.slots {
		if e := entryAt[T](seg, i, height); e.child != nil {
			if !walkSegment[T](e.child, height-1, visit) {
				return false
			}
		}
	}
	return true
}
