// Package store implements the record store contract and its backends:
// in-memory, SQLite, and Redis, plus the append-only archive.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vvidic/simple-lookup-service/internal/record"
)

var (
	// ErrDuplicate is returned by Insert when the URI is already present.
	ErrDuplicate = errors.New("store: duplicate uri")
	// ErrNotFound is returned when a URI is absent.
	ErrNotFound = errors.New("store: not found")
)

// Matcher is the query predicate applied during Query.
type Matcher func(record.Record) bool

// MatchAll is the zero-clause matcher.
func MatchAll(record.Record) bool { return true }

// Store is the abstract keyed record collection. All operations are
// individually atomic; cross-operation transactions are not provided.
// Query ordering is implementation-defined but stable across consecutive
// identical queries on an unmutated store.
type Store interface {
	// Insert adds a record keyed by its URI. Fails with ErrDuplicate when
	// the URI is already present.
	Insert(ctx context.Context, rec record.Record) error
	// GetByURI returns the record for uri, or ErrNotFound.
	GetByURI(ctx context.Context, uri string) (record.Record, error)
	// Update atomically replaces the record for uri, or ErrNotFound.
	Update(ctx context.Context, uri string, rec record.Record) error
	// Delete atomically removes and returns the record for uri, or ErrNotFound.
	Delete(ctx context.Context, uri string) (record.Record, error)
	// Query returns matching records in stable order. skip drops the first
	// n matches; limit of 0 means unlimited.
	Query(ctx context.Context, m Matcher, skip, limit int) ([]record.Record, error)
	// Expiries returns the URI to expires-at mapping of every stored
	// record that carries one (lease reconciliation input).
	Expiries(ctx context.Context) (map[string]time.Time, error)
	// PruneExpired removes every record whose expires-at plus threshold is
	// before now, returning the number removed.
	PruneExpired(ctx context.Context, now time.Time, threshold time.Duration) (int, error)
	// Count returns the number of live records.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Archive is the append-only history of record state transitions.
// Multiple entries may share a URI.
type Archive interface {
	Append(ctx context.Context, rec record.Record) error
	// Query returns matching snapshots, oldest first.
	Query(ctx context.Context, m Matcher, skip, limit int) ([]record.Record, error)
	// Compact removes snapshots archived before the cutoff.
	Compact(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// StoredSubscription is the persisted form of a subscription.
type StoredSubscription struct {
	ID            string
	QueryJSON     string
	Endpoint      string
	MaxPushEvents int
	FlushInterval time.Duration
	CreatedAt     time.Time
}

// SubscriptionRepo persists subscriptions across restarts. Queued batches
// are deliberately not persisted.
type SubscriptionRepo interface {
	Upsert(ctx context.Context, sub StoredSubscription) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]StoredSubscription, error)
}

// page applies skip/limit to an already-ordered match list.
func page(recs []record.Record, skip, limit int) []record.Record {
	if skip >= len(recs) {
		return []record.Record{}
	}
	recs = recs[skip:]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}
