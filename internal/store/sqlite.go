package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter"

	"github.com/vvidic/simple-lookup-service/internal/record"
)

// readCacheCapacity bounds the GetByURI cache. Renewal traffic is heavily
// skewed toward recently registered records, so a small bounded cache
// absorbs most point reads.
const readCacheCapacity = 4096

// SQLiteStore is the durable Store backend over a single SQLite database.
// Point reads go through a bounded otter cache keyed by URI; every write
// path invalidates the cached entry before touching the database.
type SQLiteStore struct {
	db    *sql.DB
	cache otter.Cache[string, string]
}

// NewSQLiteStore wraps an already-migrated database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	cache, err := otter.MustBuilder[string, string](readCacheCapacity).
		Cost(func(_ string, _ string) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("store: create read cache: %w", err)
	}
	return &SQLiteStore{db: db, cache: cache}, nil
}

func encodeRecord(rec record.Record) (string, int64, error) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return "", 0, fmt.Errorf("store: encode record: %w", err)
	}
	var expNS int64
	if exp, ok := rec.Expires(); ok {
		expNS = exp.UnixNano()
	}
	return string(doc), expNS, nil
}

func decodeRecord(doc string) (record.Record, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("store: decode record: %w", err)
	}
	rec, err := record.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("store: decode record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec record.Record) error {
	doc, expNS, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	uri := rec.URI()
	s.cache.Delete(uri)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (uri, doc, expires_at_ns) VALUES (?, ?, ?)`,
		uri, doc, expNS)
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", uri, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", uri, err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLiteStore) GetByURI(ctx context.Context, uri string) (record.Record, error) {
	if doc, ok := s.cache.Get(uri); ok {
		return decodeRecord(doc)
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM records WHERE uri = ?`, uri).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", uri, err)
	}
	s.cache.Set(uri, doc)
	return decodeRecord(doc)
}

func (s *SQLiteStore) Update(ctx context.Context, uri string, rec record.Record) error {
	doc, expNS, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	s.cache.Delete(uri)
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET doc = ?, expires_at_ns = ? WHERE uri = ?`,
		doc, expNS, uri)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", uri, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update %s: %w", uri, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, uri string) (record.Record, error) {
	s.cache.Delete(uri)
	var doc string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM records WHERE uri = ? RETURNING doc`, uri).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: delete %s: %w", uri, err)
	}
	return decodeRecord(doc)
}

func (s *SQLiteStore) Query(ctx context.Context, m Matcher, skip, limit int) ([]record.Record, error) {
	if m == nil {
		m = MatchAll
	}
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var matched []record.Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("store: query scan: %w", err)
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		if m(rec) {
			matched = append(matched, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query rows: %w", err)
	}
	return page(matched, skip, limit), nil
}

func (s *SQLiteStore) Expiries(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uri, expires_at_ns FROM records WHERE expires_at_ns > 0`)
	if err != nil {
		return nil, fmt.Errorf("store: expiries: %w", err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var uri string
		var expNS int64
		if err := rows.Scan(&uri, &expNS); err != nil {
			return nil, fmt.Errorf("store: expiries scan: %w", err)
		}
		out[uri] = time.Unix(0, expNS).UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: expiries rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PruneExpired(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	cutoff := now.Add(-threshold).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE expires_at_ns > 0 AND expires_at_ns < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	// Pruned URIs are unknown here, so drop the whole read cache when any
	// rows went away.
	if n > 0 {
		s.cache.Clear()
	}
	return int(n), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	s.cache.Close()
	return nil
}

// SQLiteArchive is the durable append-only archive sharing the store's
// database handle.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive wraps an already-migrated database handle.
func NewSQLiteArchive(db *sql.DB) *SQLiteArchive {
	return &SQLiteArchive{db: db}
}

func (a *SQLiteArchive) Append(ctx context.Context, rec record.Record) error {
	doc, _, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO archive_records (archived_at_ns, uri, doc) VALUES (?, ?, ?)`,
		time.Now().UnixNano(), rec.URI(), doc)
	if err != nil {
		return fmt.Errorf("store: archive append %s: %w", rec.URI(), err)
	}
	return nil
}

func (a *SQLiteArchive) Query(ctx context.Context, m Matcher, skip, limit int) ([]record.Record, error) {
	if m == nil {
		m = MatchAll
	}
	rows, err := a.db.QueryContext(ctx, `SELECT doc FROM archive_records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: archive query: %w", err)
	}
	defer rows.Close()

	var matched []record.Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("store: archive scan: %w", err)
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		if m(rec) {
			matched = append(matched, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: archive rows: %w", err)
	}
	return page(matched, skip, limit), nil
}

func (a *SQLiteArchive) Compact(ctx context.Context, before time.Time) (int, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM archive_records WHERE archived_at_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: archive compact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: archive compact: %w", err)
	}
	return int(n), nil
}

func (a *SQLiteArchive) Close() error { return nil }

// SQLiteSubscriptionRepo persists subscriptions in the shared database.
type SQLiteSubscriptionRepo struct {
	db *sql.DB
}

// NewSQLiteSubscriptionRepo wraps an already-migrated database handle.
func NewSQLiteSubscriptionRepo(db *sql.DB) *SQLiteSubscriptionRepo {
	return &SQLiteSubscriptionRepo{db: db}
}

func (r *SQLiteSubscriptionRepo) Upsert(ctx context.Context, sub StoredSubscription) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO subscriptions (id, query_json, endpoint, max_push_events, flush_interval_ns, created_at_ns)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	query_json        = excluded.query_json,
	endpoint          = excluded.endpoint,
	max_push_events   = excluded.max_push_events,
	flush_interval_ns = excluded.flush_interval_ns`,
		sub.ID, sub.QueryJSON, sub.Endpoint, sub.MaxPushEvents,
		int64(sub.FlushInterval), sub.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: upsert subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (r *SQLiteSubscriptionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete subscription %s: %w", id, err)
	}
	return nil
}

func (r *SQLiteSubscriptionRepo) LoadAll(ctx context.Context) ([]StoredSubscription, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, query_json, endpoint, max_push_events, flush_interval_ns, created_at_ns
FROM subscriptions ORDER BY created_at_ns`)
	if err != nil {
		return nil, fmt.Errorf("store: load subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []StoredSubscription
	for rows.Next() {
		var sub StoredSubscription
		var flushNS, createdNS int64
		if err := rows.Scan(&sub.ID, &sub.QueryJSON, &sub.Endpoint,
			&sub.MaxPushEvents, &flushNS, &createdNS); err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		sub.FlushInterval = time.Duration(flushNS)
		sub.CreatedAt = time.Unix(0, createdNS).UTC()
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load subscriptions rows: %w", err)
	}
	return subs, nil
}
