// ABOUTME: Bounded TTL registry of thread ids issued by this relay.
// ABOUTME: Backs optional validation that a supplied threadId was relay-issued.

package relay

import (
	"container/list"
	"sync"
	"time"
)

// registryEntry stores the last-touched time and list element for a thread id.
type registryEntry struct {
	touched time.Time
	element *list.Element
}

// Registry tracks thread ids this relay has issued or served. It is bounded
// by both TTL and size: the oldest entry is evicted when full, and a
// background goroutine drops expired entries. Concurrent requests share one
// registry, so all access is synchronized.
type Registry struct {
	mu      sync.RWMutex
	known   map[string]*registryEntry
	order   *list.List // thread ids, least recently touched at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewRegistry creates a registry with the given TTL and maximum size.
func NewRegistry(ttl time.Duration, maxSize int) *Registry {
	r := &Registry{
		known:   make(map[string]*registryEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go r.cleanup()
	return r
}

// Known reports whether the thread id is registered and not expired.
func (r *Registry) Known(threadID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.known[threadID]
	if !ok {
		return false
	}
	return time.Since(entry.touched) < r.ttl
}

// Touch registers a thread id, or refreshes it if already present. The
// oldest entry is evicted when the registry is at capacity.
func (r *Registry) Touch(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if entry, exists := r.known[threadID]; exists {
		entry.touched = now
		r.order.MoveToBack(entry.element)
		return
	}

	if len(r.known) >= r.maxSize {
		r.evictOldest()
	}

	elem := r.order.PushBack(threadID)
	r.known[threadID] = &registryEntry{touched: now, element: elem}
}

// evictOldest removes the least recently touched entry. Must hold mu.
func (r *Registry) evictOldest() {
	front := r.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	r.order.Remove(front)
	delete(r.known, id)
}

// cleanup periodically removes expired entries until Close is called.
func (r *Registry) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCleanup()
		case <-r.done:
			return
		}
	}
}

func (r *Registry) runCleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, entry := range r.known {
		if now.Sub(entry.touched) > r.ttl {
			r.order.Remove(entry.element)
			delete(r.known, id)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
