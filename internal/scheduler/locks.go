package scheduler

import (
	"sort"
	"sync"
)

// ResourceLockManager serialises tasks that declare the same resource key.
// Each key gets its own mutex; tasks touching disjoint keys never block each other.
type ResourceLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-resource mutexes
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *ResourceLockManager) lockFor(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, exists := r.locks[key]
	if !exists {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Lock blocks until the resource is free.
func (r *ResourceLockManager) Lock(key string) {
	r.lockFor(key).Lock()
}

// Unlock releases the resource. Unknown keys are ignored.
func (r *ResourceLockManager) Unlock(key string) {
	r.mu.Lock()
	l, exists := r.locks[key]
	r.mu.Unlock()

	if exists {
		l.Unlock()
	}
}

// LockAll acquires every key in lexical order, which rules out lock-order deadlocks
// between tasks that share more than one resource. Duplicate keys are collapsed.
// Returns a function that releases them in reverse order.
func (r *ResourceLockManager) LockAll(keys []string) (unlock func()) {
	sorted := uniqueSorted(keys)
	for _, key := range sorted {
		r.Lock(key)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			r.Unlock(sorted[i])
		}
	}
}

func uniqueSorted(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
