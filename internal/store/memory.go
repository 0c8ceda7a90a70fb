package store

import (
	"context"
	"sync"
	"time"

	"github.com/vvidic/simple-lookup-service/internal/record"
)

// MemoryStore is the in-memory Store backend: a mutex-guarded map plus an
// insertion-order index giving stable query ordering.
type MemoryStore struct {
	mu    sync.RWMutex
	recs  map[string]record.Record
	order []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]record.Record)}
}

func (s *MemoryStore) Insert(_ context.Context, rec record.Record) error {
	uri := rec.URI()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[uri]; ok {
		return ErrDuplicate
	}
	s.recs[uri] = rec.Clone()
	s.order = append(s.order, uri)
	return nil
}

func (s *MemoryStore) GetByURI(_ context.Context, uri string) (record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[uri]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, uri string, rec record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[uri]; !ok {
		return ErrNotFound
	}
	s.recs[uri] = rec.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, uri string) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[uri]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.recs, uri)
	s.removeFromOrder(uri)
	return rec, nil
}

func (s *MemoryStore) removeFromOrder(uri string) {
	for i, u := range s.order {
		if u == uri {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) Query(_ context.Context, m Matcher, skip, limit int) ([]record.Record, error) {
	if m == nil {
		m = MatchAll
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []record.Record
	for _, uri := range s.order {
		rec := s.recs[uri]
		if m(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	return page(matched, skip, limit), nil
}

func (s *MemoryStore) Expiries(_ context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.recs))
	for uri, rec := range s.recs {
		if exp, ok := rec.Expires(); ok {
			out[uri] = exp
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneExpired(_ context.Context, now time.Time, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for uri, rec := range s.recs {
		exp, ok := rec.Expires()
		if !ok {
			continue
		}
		if exp.Add(threshold).Before(now) {
			delete(s.recs, uri)
			s.removeFromOrder(uri)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs), nil
}

func (s *MemoryStore) Close() error { return nil }

// --- archive ---

type archiveEntry struct {
	at  time.Time
	rec record.Record
}

// MemoryArchive is the in-memory append-only archive.
type MemoryArchive struct {
	mu      sync.RWMutex
	entries []archiveEntry
}

// NewMemoryArchive creates an empty MemoryArchive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{}
}

func (a *MemoryArchive) Append(_ context.Context, rec record.Record) error {
	a.mu.Lock()
	a.entries = append(a.entries, archiveEntry{at: time.Now(), rec: rec.Clone()})
	a.mu.Unlock()
	return nil
}

func (a *MemoryArchive) Query(_ context.Context, m Matcher, skip, limit int) ([]record.Record, error) {
	if m == nil {
		m = MatchAll
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	var matched []record.Record
	for _, e := range a.entries {
		if m(e.rec) {
			matched = append(matched, e.rec.Clone())
		}
	}
	return page(matched, skip, limit), nil
}

func (a *MemoryArchive) Compact(_ context.Context, before time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.entries[:0]
	removed := 0
	for _, e := range a.entries {
		if e.at.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	a.entries = kept
	return removed, nil
}

func (a *MemoryArchive) Close() error { return nil }

// MemorySubscriptionRepo is a no-op SubscriptionRepo for backends without
// durable subscription storage.
type MemorySubscriptionRepo struct {
	mu   sync.Mutex
	subs map[string]StoredSubscription
}

// NewMemorySubscriptionRepo creates an empty MemorySubscriptionRepo.
func NewMemorySubscriptionRepo() *MemorySubscriptionRepo {
	return &MemorySubscriptionRepo{subs: make(map[string]StoredSubscription)}
}

func (r *MemorySubscriptionRepo) Upsert(_ context.Context, sub StoredSubscription) error {
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return nil
}

func (r *MemorySubscriptionRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
	return nil
}

func (r *MemorySubscriptionRepo) LoadAll(_ context.Context) ([]StoredSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StoredSubscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out, nil
}
