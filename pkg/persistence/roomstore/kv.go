package roomstore

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/pkg/errors"
)

const (
	KeySyncCursor  = "sync.next_batch"
	KeySyncApplied = "sync.applied_count"
	KeyStitchCount = "timeline.stitch_count"
)

func getValue(ctx context.Context, q queryer, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "roomstore: get %s", key)
	}
	return value, true, nil
}

func (t *WriteTx) setValue(key, value string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return errors.Wrapf(err, "roomstore: set %s", key)
}

// Cursor returns the sync cursor committed so far, "" before the first sync.
func (t *WriteTx) Cursor() (string, error) {
	v, _, err := getValue(t.ctx, t.tx, KeySyncCursor)
	return v, err
}

func (t *WriteTx) SetCursor(cursor string) error {
	return t.setValue(KeySyncCursor, cursor)
}

func (s *Store) Cursor(ctx context.Context) (string, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return "", err
	}
	v, _, err := getValue(ctx, q, KeySyncCursor)
	return v, err
}

// IncrCounter bumps a singleton counter and returns its new value.
func (t *WriteTx) IncrCounter(key string) (int64, error) {
	v, _, err := getValue(t.ctx, t.tx, key)
	if err != nil {
		return 0, err
	}
	var n int64
	if v != "" {
		n, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "roomstore: counter %s", key)
		}
	}
	n++
	return n, t.setValue(key, strconv.FormatInt(n, 10))
}

func (s *Store) Counter(ctx context.Context, key string) (int64, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return 0, err
	}
	v, ok, err := getValue(ctx, q, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "roomstore: counter %s", key)
	}
	return n, nil
}
