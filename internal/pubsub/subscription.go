// Package pubsub implements the publish side of the lookup service:
// subscriptions with compiled query matchers, ordered fan-out of record
// events, and batched push delivery to consumer endpoints.
package pubsub

import (
	"sync"
	"time"

	"github.com/vvidic/simple-lookup-service/internal/query"
	"github.com/vvidic/simple-lookup-service/internal/record"
)

// DefaultMaxPushEvents is the batch size threshold used when a subscription
// does not set one.
const DefaultMaxPushEvents = 10

// Subscription is a consumer's registered interest: a saved query plus the
// push endpoint and batching knobs.
type Subscription struct {
	// Immutable after creation.
	ID            string
	Endpoint      string
	QueryJSON     string
	MaxPushEvents int
	FlushInterval time.Duration
	CreatedAt     time.Time

	matcher func(record.Record) bool

	// Queue state guarded by mu.
	mu          sync.Mutex
	queue       []record.Record
	lastFlushed time.Time

	// failures counts consecutive failed flushes. Guarded by flushMu.
	failures int

	// flushMu serializes flushes so batches arrive at the endpoint in
	// queue order.
	flushMu sync.Mutex
}

// NewSubscription compiles the saved query and builds the runtime state.
// maxPushEvents <= 0 and flushInterval <= 0 fall back to defaults.
func NewSubscription(id, endpoint, queryJSON string, q *query.Query, maxPushEvents int, flushInterval time.Duration, createdAt time.Time) *Subscription {
	if maxPushEvents <= 0 {
		maxPushEvents = DefaultMaxPushEvents
	}
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	return &Subscription{
		ID:            id,
		Endpoint:      endpoint,
		QueryJSON:     queryJSON,
		MaxPushEvents: maxPushEvents,
		FlushInterval: flushInterval,
		CreatedAt:     createdAt,
		matcher:       q.Matcher(),
		lastFlushed:   createdAt,
	}
}

// Matches reports whether the subscription's saved query selects rec.
func (s *Subscription) Matches(rec record.Record) bool {
	return s.matcher(rec)
}

// enqueue appends an event and reports whether the queue reached the
// push batch size.
func (s *Subscription) enqueue(rec record.Record) (full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, rec)
	return len(s.queue) >= s.MaxPushEvents
}

// drain removes and returns the next batch, capped at MaxPushEvents so a
// push never exceeds the subscriber's requested batch size. Events landing
// between the flush trigger and the drain stay queued for the next flush.
func (s *Subscription) drain(now time.Time) []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if n > s.MaxPushEvents {
		n = s.MaxPushEvents
	}
	batch := s.queue[:n:n]
	if n == len(s.queue) {
		s.queue = nil
	} else {
		s.queue = s.queue[n:]
	}
	s.lastFlushed = now
	return batch
}

// flushDue reports whether a time-based flush is owed as of now.
func (s *Subscription) flushDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0 && !now.Before(s.lastFlushed.Add(s.FlushInterval))
}

// QueuedEvents returns the current queue depth.
func (s *Subscription) QueuedEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
