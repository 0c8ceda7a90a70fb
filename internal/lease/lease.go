// Package lease tracks per-record registration leases: capacity admission,
// TTL clamping, and expiry discovery for the prune cycle.
package lease

import (
	"container/heap"
	"sync"
	"time"
)

type entry struct {
	uri       string
	expiresAt time.Time
}

// expiryHeap orders lease entries by soonest expiry. Stale heap items left
// behind by renewals and releases are skipped on pop (lazy deletion).
type expiryHeap []*entry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(*entry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Manager is the in-memory lease table. A lease admits one live record; the
// capacity bound rejects new registrations once the table is full, while
// renewals of existing leases always pass.
type Manager struct {
	mu         sync.Mutex
	leases     map[string]*entry
	heap       expiryHeap
	capacity   int
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewManager creates a lease table. capacity of 0 means unbounded.
func NewManager(capacity int, defaultTTL, maxTTL time.Duration) *Manager {
	return &Manager{
		leases:     make(map[string]*entry),
		capacity:   capacity,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
	}
}

// DefaultTTL returns the TTL granted when a record does not request one.
func (m *Manager) DefaultTTL() time.Duration { return m.defaultTTL }

// Clamp caps a requested TTL at the configured maximum. Non-positive
// requests fall back to the default.
func (m *Manager) Clamp(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if m.maxTTL > 0 && ttl > m.maxTTL {
		ttl = m.maxTTL
	}
	return ttl
}

// Request grants or renews the lease for uri, returning the new expiry time.
// It reports false when the table is at capacity and uri holds no lease;
// renewing an existing lease never counts against capacity.
func (m *Manager) Request(uri string, ttl time.Duration, now time.Time) (time.Time, bool) {
	ttl = m.Clamp(ttl)
	expires := now.Add(ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.leases[uri]; ok {
		// Replace rather than mutate: an in-place change of expiresAt
		// would break the heap order, so the old item is left to go
		// stale and a fresh one is pushed. Holds for shortened renewals
		// as much as extensions.
		e := &entry{uri: uri, expiresAt: expires}
		m.leases[uri] = e
		heap.Push(&m.heap, e)
		return expires, true
	}

	if m.capacity > 0 && len(m.leases) >= m.capacity {
		return time.Time{}, false
	}

	e := &entry{uri: uri, expiresAt: expires}
	m.leases[uri] = e
	heap.Push(&m.heap, e)
	return expires, true
}

// Release drops the lease for uri. Releasing an absent lease is a no-op.
func (m *Manager) Release(uri string) {
	m.mu.Lock()
	delete(m.leases, uri)
	m.mu.Unlock()
}

// ActiveCount returns the number of live leases.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// ExpiresAt returns the current expiry for uri.
func (m *Manager) ExpiresAt(uri string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leases[uri]
	if !ok {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// ExpiredURIs removes and returns every lease expired as of now, soonest
// first.
func (m *Manager) ExpiredURIs(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for m.heap.Len() > 0 {
		top := m.heap[0]
		if top.expiresAt.After(now) {
			break
		}
		heap.Pop(&m.heap)
		// Skip items superseded by a renewal or release.
		if cur, ok := m.leases[top.uri]; !ok || cur != top {
			continue
		}
		delete(m.leases, top.uri)
		expired = append(expired, top.uri)
	}
	return expired
}

// Reconcile aligns the lease table with the store's live record set after a
// restart: records without a lease get one at their persisted expiry, and
// leases without a record are dropped. Returns counts of added and removed
// leases.
func (m *Manager) Reconcile(live map[string]time.Time) (added, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for uri, expires := range live {
		if _, ok := m.leases[uri]; ok {
			continue
		}
		e := &entry{uri: uri, expiresAt: expires}
		m.leases[uri] = e
		heap.Push(&m.heap, e)
		added++
	}
	for uri := range m.leases {
		if _, ok := live[uri]; !ok {
			delete(m.leases, uri)
			removed++
		}
	}
	return added, removed
}
