package idgen

import (
	"sync"
	"testing"
)

func TestAllocateRangeAndUniqueness(t *testing.T) {
	a := NewAllocator()

	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		id, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if id < 100000 || id > 999999 {
			t.Fatalf("id %d out of range", id)
		}
		if seen[id] {
			t.Fatalf("id %d issued twice", id)
		}
		seen[id] = true
	}

	if a.Issued() != 1000 {
		t.Errorf("Issued() = %d, want 1000", a.Issued())
	}
}

func TestAllocateConcurrent(t *testing.T) {
	a := NewAllocator()

	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[int]bool)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := a.Allocate()
				if err != nil {
					t.Errorf("Allocate: %v", err)
					return
				}
				mu.Lock()
				if seen[id] {
					t.Errorf("id %d issued twice", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := a.Issued(); got != workers*perWorker {
		t.Errorf("Issued() = %d, want %d", got, workers*perWorker)
	}
}

func TestReset(t *testing.T) {
	a := NewAllocator()
	for i := 0; i < 10; i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
	}

	a.Reset()

	if a.Issued() != 0 {
		t.Errorf("Issued() after reset = %d, want 0", a.Issued())
	}
}
