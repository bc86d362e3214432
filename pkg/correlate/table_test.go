package correlate

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTablePutGetTake(t *testing.T) {
	tab := NewTable[string, int]()
	tab.Put("a", 1)
	if v, ok := tab.Get("a"); !ok || v != 1 {
		t.Fatalf("get mismatch: %v %v", v, ok)
	}
	if v, ok := tab.Take("a"); !ok || v != 1 {
		t.Fatalf("take mismatch: %v %v", v, ok)
	}
	if _, ok := tab.Get("a"); ok {
		t.Fatalf("expected entry removed after Take")
	}
	if _, ok := tab.Take("a"); ok {
		t.Fatalf("second Take must miss")
	}
}

func TestTakeIsExclusive(t *testing.T) {
	tab := NewTable[int, string]()
	const n = 64
	for i := 0; i < n; i++ {
		tab.Put(i, "v")
	}
	var wg sync.WaitGroup
	var wins atomic.Int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if _, ok := tab.Take(i); ok {
					wins.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != int64(n) {
		t.Fatalf("expected exactly %d successful takes, got %d", n, got)
	}
	if tab.Len() != 0 {
		t.Fatalf("expected empty table, len=%d", tab.Len())
	}
}

func TestCounterMonotone(t *testing.T) {
	var c Counter
	var mu sync.Mutex
	seen := make(map[int64]struct{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := int64(0)
			for i := 0; i < 100; i++ {
				id := c.Next()
				if id <= prev {
					t.Errorf("id %d not increasing after %d", id, prev)
					return
				}
				prev = id
				mu.Lock()
				if _, dup := seen[id]; dup {
					mu.Unlock()
					t.Errorf("duplicate id %d", id)
					return
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if c.Current() != 800 {
		t.Fatalf("expected 800 allocations, got %d", c.Current())
	}
}
