// Package journal keeps the audit trail: session lifecycle, injections,
// scheduler and deferral actions, and output drops, stored in SQLite. Writes
// are fire-and-forget and coalesced into batched transactions so hot paths
// never block on the database.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/joestump/termhub/internal/protocol"
)

// Event kinds. rule_* and deferred_* kinds append the broadcast action.
const (
	KindSessionCreated    = "session_created"
	KindSessionTerminated = "session_terminated"
	KindInputInjected     = "input_injected"
	KindStdoutDropped     = "stdout_dropped"
)

// Entry is one audit record. Detail is a human-readable line; Data carries an
// optional JSON blob for consumers that want the full payload.
type Entry struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Actor     string `json:"actor,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Data      string `json:"data,omitempty"`
	CreatedAt string `json:"created_at"`
}

// batch tuning: small enough to flush promptly, large enough that a burst of
// scheduler fires lands in one transaction.
const (
	batchMaxSize  = 64
	batchInterval = 100 * time.Millisecond
)

// Store owns the SQLite connection and the insert batcher.
type Store struct {
	conn    *sql.DB
	batcher *microbatch.Batcher[Entry]
}

// Open opens (or creates) the journal database at path, runs the embedded
// migrations, and starts the insert batcher. WAL mode and a single connection
// keep writers serialized.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{conn: conn}
	s.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:       batchMaxSize,
		FlushInterval: batchInterval,
	}, s.insertBatch)
	return s, nil
}

// Close drains pending writes, then closes the database.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.batcher.Shutdown(ctx); err != nil {
		log.Printf("journal: shutdown flush: %v", err)
	}
	return s.conn.Close()
}

// Record queues one entry for insertion. It never blocks on the database and
// never fails the caller; submit errors (shutdown races) are logged.
func (s *Store) Record(e Entry) {
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, err := s.batcher.Submit(context.Background(), e); err != nil {
		log.Printf("journal: record %s: %v", e.Kind, err)
	}
}

// insertBatch writes one batch inside a single transaction.
func (s *Store) insertBatch(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal batch: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.Exec(
			`INSERT INTO journal (session_id, kind, actor, detail, data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.SessionID, e.Kind, e.Actor, e.Detail, e.Data, e.CreatedAt,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert journal entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal batch: %w", err)
	}
	return nil
}

// List returns entries newest first. sessionID and kind filter when
// non-empty; limit is clamped to [1, 1000].
func (s *Store) List(limit, offset int, sessionID, kind string) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, session_id, kind, actor, detail, data, created_at FROM journal WHERE 1=1`
	var args []any
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Actor, &e.Detail, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count reports the total number of entries matching the filters.
func (s *Store) Count(sessionID, kind string) (int, error) {
	query := `SELECT COUNT(*) FROM journal WHERE 1=1`
	var args []any
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	var n int
	if err := s.conn.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}
