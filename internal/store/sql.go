package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/callosum-dev/callosum/internal/tier"
)

// SQLConfig configures connection pooling for a SQL-backed store.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns sane pool defaults for a sidecar-scale
// workload: a handful of connections is plenty.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// SQLStore is a Store backed by database/sql, supporting both
// Postgres (via lib/pq, driver name "postgres") and embedded SQLite
// (via modernc.org/sqlite, driver name "sqlite") behind one
// implementation. The two drivers differ only in placeholder syntax
// and upsert dialect, handled by the dialect field.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	// lockMu serializes the lock-acquire compare-and-swap (and every
	// other mutation of the locks table) against concurrent callers on
	// this process, giving the same linearizability guarantee the
	// in-memory/file backends give from their own single mutex. A
	// read-then-write across two statements inside a SQL transaction is
	// not enough on its own at READ COMMITTED isolation: two concurrent
	// first-time AcquireLock calls on the same context_key would both
	// observe sql.ErrNoRows and both attempt the INSERT.
	lockMu sync.Mutex
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// NewPostgresStore opens a Postgres-backed coordination store and
// creates its schema if absent.
func NewPostgresStore(ctx context.Context, dsn string, cfg *SQLConfig) (*SQLStore, error) {
	return openSQLStore(ctx, "postgres", dsn, dialectPostgres, cfg)
}

// NewSQLiteStore opens a pure-Go SQLite-backed coordination store
// (path, or ":memory:") and creates its schema if absent.
func NewSQLiteStore(ctx context.Context, path string, cfg *SQLConfig) (*SQLStore, error) {
	return openSQLStore(ctx, "sqlite", path, dialectSQLite, cfg)
}

func openSQLStore(ctx context.Context, driver, dsn string, d dialect, cfg *SQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultSQLConfig()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	var stmts []string
	switch s.dialect {
	case dialectSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS journal (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMP NOT NULL,
				instance TEXT NOT NULL,
				tool TEXT NOT NULL,
				tier INTEGER NOT NULL,
				rule_name TEXT NOT NULL,
				context_key TEXT NOT NULL,
				action TEXT NOT NULL,
				params_digest TEXT,
				conflict_note TEXT,
				trace_id TEXT,
				span_id TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_journal_context_key ON journal(context_key, action, timestamp)`,
			`CREATE TABLE IF NOT EXISTS locks (
				context_key TEXT PRIMARY KEY,
				instance TEXT NOT NULL,
				tier INTEGER NOT NULL,
				acquired_at TIMESTAMP NOT NULL,
				expires_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS context_records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				instance TEXT NOT NULL,
				context_key TEXT NOT NULL,
				tier INTEGER NOT NULL,
				timestamp TIMESTAMP NOT NULL,
				tool TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_context_records_key ON context_records(context_key, timestamp)`,
		}
	default:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS journal (
				id BIGSERIAL PRIMARY KEY,
				timestamp TIMESTAMPTZ NOT NULL,
				instance TEXT NOT NULL,
				tool TEXT NOT NULL,
				tier INTEGER NOT NULL,
				rule_name TEXT NOT NULL,
				context_key TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				params_digest TEXT,
				conflict_note TEXT,
				trace_id TEXT,
				span_id TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_journal_context_key ON journal(context_key, action, timestamp)`,
			`CREATE TABLE IF NOT EXISTS locks (
				context_key TEXT PRIMARY KEY,
				instance TEXT NOT NULL,
				tier INTEGER NOT NULL,
				acquired_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS context_records (
				id BIGSERIAL PRIMARY KEY,
				instance TEXT NOT NULL,
				context_key TEXT NOT NULL,
				tier INTEGER NOT NULL,
				timestamp TIMESTAMPTZ NOT NULL,
				tool TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_context_records_key ON context_records(context_key, timestamp)`,
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// placeholder returns the n-th (1-based) bind placeholder in this
// store's dialect: "$1" for Postgres, "?" for SQLite.
func (s *SQLStore) placeholder(n int) string {
	if s.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) AppendJournal(ctx context.Context, entry JournalEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	query := fmt.Sprintf(
		`INSERT INTO journal (timestamp, instance, tool, tier, rule_name, context_key, action, params_digest, conflict_note, trace_id, span_id)
		 VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10), s.placeholder(11),
	)
	_, err := s.db.ExecContext(ctx, query,
		entry.Timestamp, entry.Instance, entry.Tool, int(entry.Tier), entry.RuleName,
		entry.ContextKey, string(entry.Action), entry.ParamsDigest, entry.ConflictNote, entry.TraceID, entry.SpanID,
	)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (s *SQLStore) AcquireLock(ctx context.Context, instance, key string, t tier.Level, ttl time.Duration) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var existingInstance string
	var expiresAt time.Time
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT instance, expires_at FROM locks WHERE context_key = %s`, s.placeholder(1)), key)
	err = row.Scan(&existingInstance, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO locks (context_key, instance, tier, acquired_at, expires_at) VALUES (%s,%s,%s,%s,%s)`,
				s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5)),
			key, instance, int(t), now, now.Add(ttl))
		if err != nil {
			return false, fmt.Errorf("insert lock: %w", err)
		}
		return true, tx.Commit()
	case err != nil:
		return false, fmt.Errorf("query lock: %w", err)
	}

	if now.After(expiresAt) || existingInstance == instance {
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE locks SET instance = %s, tier = %s, acquired_at = %s, expires_at = %s WHERE context_key = %s`,
				s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5)),
			instance, int(t), now, now.Add(ttl), key)
		if err != nil {
			return false, fmt.Errorf("refresh lock: %w", err)
		}
		return true, tx.Commit()
	}

	return false, tx.Commit()
}

func (s *SQLStore) ReleaseLock(ctx context.Context, instance, key string) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM locks WHERE context_key = %s AND instance = %s`, s.placeholder(1), s.placeholder(2)),
		key, instance)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *SQLStore) RecordContext(ctx context.Context, instance, key string, t tier.Level, tool string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO context_records (instance, context_key, tier, timestamp, tool) VALUES (%s,%s,%s,%s,%s)`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5)),
		instance, key, int(t), time.Now(), tool)
	if err != nil {
		return fmt.Errorf("record context: %w", err)
	}
	return nil
}

func (s *SQLStore) CheckConflict(ctx context.Context, instance, key string, t tier.Level, contextWindow time.Duration) (Conflict, error) {
	var lockInstance string
	var expiresAt time.Time
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT instance, expires_at FROM locks WHERE context_key = %s`, s.placeholder(1)), key)
	switch err := row.Scan(&lockInstance, &expiresAt); {
	case err == sql.ErrNoRows:
		// fall through to context-record check
	case err != nil:
		return Conflict{}, fmt.Errorf("query lock: %w", err)
	default:
		if time.Now().Before(expiresAt) && lockInstance != instance {
			return Conflict{HasConflict: true, ConflictWith: lockInstance, Locked: true}, nil
		}
	}

	if t < tier.LevelCommitment {
		return Conflict{}, nil
	}

	cutoff := time.Now().Add(-contextWindow)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT instance FROM context_records WHERE context_key = %s AND timestamp >= %s AND instance != %s ORDER BY timestamp DESC LIMIT 1`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3)),
		key, cutoff, instance)
	if err != nil {
		return Conflict{}, fmt.Errorf("query context records: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var other string
		if err := rows.Scan(&other); err != nil {
			return Conflict{}, fmt.Errorf("scan context record: %w", err)
		}
		return Conflict{HasConflict: true, ConflictWith: other, Locked: false}, nil
	}
	return Conflict{}, rows.Err()
}

func (s *SQLStore) FindRecentOnKey(ctx context.Context, key string, window time.Duration) (*JournalEntry, error) {
	cutoff := time.Now().Add(-window)
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT timestamp, instance, tool, tier, rule_name, context_key, action, params_digest, conflict_note, trace_id, span_id
		 FROM journal WHERE context_key = %s AND action = %s ORDER BY timestamp DESC LIMIT 1`,
			s.placeholder(1), s.placeholder(2)),
		key, string(ActionComplete))

	var entry JournalEntry
	var tierVal int
	var action string
	if err := row.Scan(&entry.Timestamp, &entry.Instance, &entry.Tool, &tierVal, &entry.RuleName, &entry.ContextKey,
		&action, &entry.ParamsDigest, &entry.ConflictNote, &entry.TraceID, &entry.SpanID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find recent on key: %w", err)
	}
	entry.Tier = tier.Level(tierVal)
	entry.Action = Action(action)
	if entry.Timestamp.Before(cutoff) {
		return nil, nil
	}
	return &entry, nil
}

func (s *SQLStore) Status(ctx context.Context, contextKey string) (Snapshot, error) {
	var snap Snapshot

	lockQuery := `SELECT context_key, instance, tier, acquired_at, expires_at FROM locks WHERE expires_at > ` + placeholderNow(s)
	args := []any{time.Now()}
	if contextKey != "" {
		lockQuery += fmt.Sprintf(` AND context_key = %s`, s.placeholder(2))
		args = append(args, contextKey)
	}
	rows, err := s.db.QueryContext(ctx, lockQuery, args...)
	if err != nil {
		return snap, fmt.Errorf("query locks: %w", err)
	}
	for rows.Next() {
		var l Lock
		var tierVal int
		if err := rows.Scan(&l.ContextKey, &l.Instance, &tierVal, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan lock: %w", err)
		}
		l.Tier = tier.Level(tierVal)
		snap.Locks = append(snap.Locks, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return snap, err
	}
	rows.Close()

	recQuery := `SELECT instance, context_key, tier, timestamp, tool FROM context_records`
	var recArgs []any
	if contextKey != "" {
		recQuery += fmt.Sprintf(` WHERE context_key = %s`, s.placeholder(1))
		recArgs = append(recArgs, contextKey)
	}
	recQuery += ` ORDER BY timestamp ASC`
	rows2, err := s.db.QueryContext(ctx, recQuery, recArgs...)
	if err != nil {
		return snap, fmt.Errorf("query context records: %w", err)
	}
	defer rows2.Close()
	for rows2.Next() {
		var rec ContextRecord
		var tierVal int
		if err := rows2.Scan(&rec.Instance, &rec.ContextKey, &tierVal, &rec.Timestamp, &rec.Tool); err != nil {
			return snap, fmt.Errorf("scan context record: %w", err)
		}
		rec.Tier = tier.Level(tierVal)
		snap.RecentContexts = append(snap.RecentContexts, rec)
	}
	return snap, rows2.Err()
}

// placeholderNow returns this store's bind placeholder for the single
// "now" argument always bound first in Status's lock query.
func placeholderNow(s *SQLStore) string { return s.placeholder(1) }

func (s *SQLStore) JournalTail(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT timestamp, instance, tool, tier, rule_name, context_key, action, params_digest, conflict_note, trace_id, span_id
		 FROM journal ORDER BY id DESC LIMIT %s`, s.placeholder(1)), limit)
	if err != nil {
		return nil, fmt.Errorf("journal tail: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var tierVal int
		var action string
		if err := rows.Scan(&entry.Timestamp, &entry.Instance, &entry.Tool, &tierVal, &entry.RuleName, &entry.ContextKey,
			&action, &entry.ParamsDigest, &entry.ConflictNote, &entry.TraceID, &entry.SpanID); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entry.Tier = tier.Level(tierVal)
		entry.Action = Action(action)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse: query returns newest-first, interface contract is oldest-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *SQLStore) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	s.lockMu.Lock()
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM locks WHERE expires_at <= %s`, s.placeholder(1)), time.Now())
	s.lockMu.Unlock()
	if err != nil {
		return result, fmt.Errorf("prune expired locks: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.LocksExpired = int(n)
	}

	// Context window is enforced at read time by CheckConflict (Status
	// returns every stored record); Sweep still reclaims storage for records no decision will ever
	// consult again. A week is comfortably past any configured window.
	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	res, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM context_records WHERE timestamp <= %s`, s.placeholder(1)), cutoff)
	if err != nil {
		return result, fmt.Errorf("prune old context records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.ContextsPruned = int(n)
	}

	return result, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
