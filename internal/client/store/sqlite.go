package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dbelyaev/tabkeeper/internal/client/store/migrations"
	"github.com/dbelyaev/tabkeeper/internal/logging"
)

// DefaultPollInterval bounds how stale another process's view of the
// store can be before its change handlers fire.
const DefaultPollInterval = 200 * time.Millisecond

type cacheRow struct {
	value string
	rev   int64
}

// SQLite is a cache store persisted in a local SQLite database. Change
// notifications are produced by polling the rev column and diffing
// against the last observed snapshot, so two processes sharing one
// database file observe each other's writes.
type SQLite struct {
	db  *sql.DB
	log logging.Logger

	mu       sync.Mutex
	handlers map[int]ChangeHandler
	nextID   int
	known    map[string]cacheRow

	stop   chan struct{}
	doneCh chan struct{}
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the store at dsn, applies schema
// migrations, and starts the change poller. pollInterval <= 0 selects
// DefaultPollInterval.
func OpenSQLite(ctx context.Context, dsn string, pollInterval time.Duration, log logging.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate cache store: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	s := &SQLite{
		db:       db,
		log:      log,
		handlers: make(map[int]ChangeHandler),
		known:    make(map[string]cacheRow),
		stop:     make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	// Seed the snapshot so startup state is not replayed as changes.
	if _, err := s.snapshot(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	go s.poll(pollInterval)

	return s, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cache WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cache[%s]: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	var rev int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cache (key, value, rev) VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, rev = cache.rev + 1
		RETURNING rev
	`, key, value).Scan(&rev)
	if err != nil {
		return fmt.Errorf("failed to set cache[%s]: %w", key, err)
	}

	// Record our own write so the poller does not echo it back to us.
	s.mu.Lock()
	s.known[key] = cacheRow{value: value, rev: rev}
	s.mu.Unlock()
	return nil
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove cache[%s]: %w", key, err)
	}
	s.mu.Lock()
	delete(s.known, key)
	s.mu.Unlock()
	return nil
}

func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM cache`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache keys: %w", err)
	}
	return keys, nil
}

func (s *SQLite) Subscribe(h ChangeHandler) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *SQLite) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
		<-s.doneCh
	}
	return s.db.Close()
}

// snapshot reads the full table and replaces the known state, returning
// the keys whose value or rev differ from what was known before, plus
// the keys that disappeared.
func (s *SQLite) snapshot(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, rev FROM cache`)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache snapshot: %w", err)
	}
	defer rows.Close()

	current := make(map[string]cacheRow)
	for rows.Next() {
		var key string
		var row cacheRow
		if err := rows.Scan(&key, &row.value, &row.rev); err != nil {
			return nil, fmt.Errorf("failed to scan cache row: %w", err)
		}
		current[key] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache rows: %w", err)
	}

	changed := make(map[string]string)

	s.mu.Lock()
	for key, row := range current {
		if prev, ok := s.known[key]; !ok || prev.rev != row.rev || prev.value != row.value {
			changed[key] = row.value
		}
	}
	for key := range s.known {
		if _, ok := current[key]; !ok {
			changed[key] = ""
		}
	}
	s.known = current
	s.mu.Unlock()

	return changed, nil
}

func (s *SQLite) poll(interval time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		changed, err := s.snapshot(ctx)
		cancel()
		if err != nil {
			s.log.Warn(context.Background(), "cache store poll failed", "error", err)
			continue
		}

		if len(changed) == 0 {
			continue
		}

		s.mu.Lock()
		handlers := make([]ChangeHandler, 0, len(s.handlers))
		for _, h := range s.handlers {
			handlers = append(handlers, h)
		}
		s.mu.Unlock()

		for key, value := range changed {
			for _, h := range handlers {
				h(key, value)
			}
		}
	}
}
