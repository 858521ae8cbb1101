// Package idgen issues process-unique numeric ids. Submissions, tracks and
// jobs all draw from the same namespace: an id handed out once is never
// reissued until Reset.
package idgen

import (
	"math/rand"
	"sync"

	"github.com/stemsplit/api/internal/model"
)

const (
	idMin = 100000
	idMax = 999999
)

// Allocator draws collision-free random ids from [idMin, idMax].
type Allocator struct {
	mu   sync.Mutex
	used map[int]struct{}
}

func NewAllocator() *Allocator {
	return &Allocator{
		used: make(map[int]struct{}),
	}
}

// Allocate returns a fresh id, redrawing on collision. When the range is
// fully consumed it returns model.ErrCapacityExhausted rather than spinning
// forever; callers should treat that as fatal.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.used) >= idMax-idMin+1 {
		return 0, model.ErrCapacityExhausted
	}

	for {
		id := idMin + rand.Intn(idMax-idMin+1)
		if _, taken := a.used[id]; taken {
			continue
		}
		a.used[id] = struct{}{}
		return id, nil
	}
}

// Issued reports how many ids have been handed out since the last reset
func (a *Allocator) Issued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Reset clears the namespace. Only safe together with a full registry reset,
// since stale entities would collide with reissued ids.
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = make(map[int]struct{})
}
