package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// dbCloser holds the shared handle for shutdown. Implements io.Closer.
type dbCloser struct {
	db *sql.DB
}

func (c *dbCloser) Close() error { return c.db.Close() }

// Bundle is the set of persistence components sharing one backend.
type Bundle struct {
	Store   Store
	Archive Archive
	Subs    SubscriptionRepo
	Closer  interface{ Close() error }
}

// OpenDB opens (or creates) a SQLite database at path with recommended
// pragmas: WAL journal mode, synchronous=NORMAL, foreign_keys=ON,
// busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// BootstrapMemory wires the in-memory backend.
func BootstrapMemory() *Bundle {
	return &Bundle{
		Store:   NewMemoryStore(),
		Archive: NewMemoryArchive(),
		Subs:    NewMemorySubscriptionRepo(),
		Closer:  noopCloser{},
	}
}

// BootstrapSQLite opens lookup.db under dataDir, applies migrations, and
// returns the SQLite-backed bundle.
func BootstrapSQLite(dataDir string) (*Bundle, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	db, err := OpenDB(filepath.Join(dataDir, "lookup.db"))
	if err != nil {
		return nil, fmt.Errorf("open lookup.db: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate lookup.db: %w", err)
	}

	st, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bundle{
		Store:   st,
		Archive: NewSQLiteArchive(db),
		Subs:    NewSQLiteSubscriptionRepo(db),
		Closer:  &dbCloser{db: db},
	}, nil
}

// BootstrapRedis wires the Redis backend. The archive and subscription repo
// stay in memory; Redis keeps only the live record set.
func BootstrapRedis(redisURL string) (*Bundle, error) {
	if redisURL == "" {
		return nil, errors.New("redis backend selected but no redis url configured")
	}
	st, err := NewRedisStore(redisURL)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Store:   st,
		Archive: NewMemoryArchive(),
		Subs:    NewMemorySubscriptionRepo(),
		Closer:  st,
	}, nil
}
