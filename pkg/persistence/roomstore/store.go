package roomstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Store is the durable local cache: the room event log, the pagination
// ledger, the sync cursor and the ancillary per-room tables.
//
// All mutations go through WriteTx, which serializes writers on a single
// permit owned by the store. Readers use the underlying pool directly and see
// the last committed snapshot (WAL mode).
type Store struct {
	db     *sql.DB
	permit *semaphore.Weighted
}

func NewSQLiteStore(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("roomstore: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, permit: semaphore.NewWeighted(1)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN with WAL, a busy timeout and immediate
// transactions so a writer takes the database lock up front.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("roomstore: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path), nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("roomstore: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS room_events (
		  room_id TEXT NOT NULL,
		  event_id TEXT NOT NULL,
		  type TEXT NOT NULL,
		  content TEXT NOT NULL,
		  sender TEXT NOT NULL DEFAULT '',
		  origin_server_ts INTEGER NOT NULL DEFAULT 0,
		  unsigned TEXT,
		  state_key TEXT,
		  prev_content TEXT,
		  timeline_segment INTEGER,
		  timeline_order INTEGER,
		  PRIMARY KEY (room_id, event_id)
		);`,
		`CREATE INDEX IF NOT EXISTS room_events_by_position
		  ON room_events(room_id, timeline_segment, timeline_order);`,
		`CREATE INDEX IF NOT EXISTS room_events_by_state
		  ON room_events(room_id, type, state_key);`,
		`CREATE TABLE IF NOT EXISTS room_state (
		  room_id TEXT NOT NULL,
		  type TEXT NOT NULL,
		  state_key TEXT NOT NULL,
		  event_id TEXT NOT NULL,
		  PRIMARY KEY (room_id, type, state_key)
		);`,
		`CREATE TABLE IF NOT EXISTS pagination_tokens (
		  room_id TEXT NOT NULL,
		  event_id TEXT NOT NULL,
		  token TEXT NOT NULL,
		  PRIMARY KEY (room_id, event_id)
		);`,
		`CREATE TABLE IF NOT EXISTS kv (
		  key TEXT PRIMARY KEY,
		  value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS room_summaries (
		  room_id TEXT PRIMARY KEY,
		  membership TEXT NOT NULL DEFAULT '',
		  summary TEXT NOT NULL DEFAULT '{}',
		  updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS account_data (
		  room_id TEXT NOT NULL DEFAULT '',
		  type TEXT NOT NULL,
		  content TEXT NOT NULL,
		  PRIMARY KEY (room_id, type)
		);`,
		`CREATE TABLE IF NOT EXISTS read_receipts (
		  room_id TEXT NOT NULL,
		  user_id TEXT NOT NULL,
		  receipt_type TEXT NOT NULL,
		  event_id TEXT NOT NULL,
		  ts INTEGER NOT NULL DEFAULT 0,
		  PRIMARY KEY (room_id, user_id, receipt_type)
		);`,
		`CREATE TABLE IF NOT EXISTS typing (
		  room_id TEXT PRIMARY KEY,
		  user_ids TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE TABLE IF NOT EXISTS to_device_events (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  type TEXT NOT NULL,
		  sender TEXT NOT NULL DEFAULT '',
		  content TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS device_lists (
		  user_id TEXT PRIMARY KEY,
		  stale INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS member_load_state (
		  room_id TEXT NOT NULL,
		  membership TEXT NOT NULL,
		  loaded_at_ms INTEGER NOT NULL,
		  PRIMARY KEY (room_id, membership)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "roomstore: migrate")
		}
	}
	return nil
}

// WriteTx runs fn inside one transaction while holding the store's write
// permit. Waiting for the permit honours ctx; once acquired, the transaction
// runs on a context detached from ctx so a departing caller cannot leave it
// half-applied. Any error from fn rolls the whole unit back.
func (s *Store) WriteTx(ctx context.Context, fn func(tx *WriteTx) error) error {
	if s == nil || s.db == nil {
		return errors.New("roomstore: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.permit.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "roomstore: acquire write permit")
	}
	defer s.permit.Release(1)

	txCtx := context.WithoutCancel(ctx)
	sqlTx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return errors.Wrap(err, "roomstore: begin")
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&WriteTx{ctx: txCtx, tx: sqlTx}); err != nil {
		return err
	}
	return errors.Wrap(sqlTx.Commit(), "roomstore: commit")
}

// Reset drops every cached row. It is the only path that deletes events.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"room_events", "room_state", "pagination_tokens", "kv", "room_summaries",
		"account_data", "read_receipts", "typing", "to_device_events", "device_lists",
		"member_load_state",
	}
	return s.WriteTx(ctx, func(tx *WriteTx) error {
		for _, table := range tables {
			if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM `+table); err != nil {
				return errors.Wrapf(err, "roomstore: reset %s", table)
			}
		}
		return nil
	})
}

// WriteTx is the handle passed to WriteTx callbacks. It is only valid for the
// duration of the callback.
type WriteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) reader(ctx context.Context) (context.Context, queryer, error) {
	if s == nil || s.db == nil {
		return nil, nil, errors.New("roomstore: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, s.db, nil
}
