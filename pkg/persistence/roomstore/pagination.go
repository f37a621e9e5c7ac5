package roomstore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

// PutToken records the backward pagination token for the oldest event of a
// contiguous run. At most one token exists per event.
func (t *WriteTx) PutToken(roomID, eventID, token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("roomstore: pagination token is empty")
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO pagination_tokens(room_id, event_id, token)
		VALUES(?, ?, ?)
		ON CONFLICT(room_id, event_id) DO UPDATE SET token = excluded.token
	`, roomID, eventID, token)
	return errors.Wrap(err, "roomstore: put pagination token")
}

// TakeToken consumes the token recorded for an event. ok is false when there
// is none, including when another writer consumed it first.
func (t *WriteTx) TakeToken(roomID, eventID string) (string, bool, error) {
	token, ok, err := readToken(t.ctx, t.tx, roomID, eventID)
	if err != nil || !ok {
		return "", false, err
	}
	if _, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM pagination_tokens WHERE room_id = ? AND event_id = ?
	`, roomID, eventID); err != nil {
		return "", false, errors.Wrap(err, "roomstore: consume pagination token")
	}
	return token, true, nil
}

// Token reads the token recorded for an event without consuming it.
func (s *Store) Token(ctx context.Context, roomID, eventID string) (string, bool, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return "", false, err
	}
	return readToken(ctx, q, roomID, eventID)
}

func readToken(ctx context.Context, q queryer, roomID, eventID string) (string, bool, error) {
	var token string
	err := q.QueryRowContext(ctx, `
		SELECT token FROM pagination_tokens WHERE room_id = ? AND event_id = ?
	`, roomID, eventID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "roomstore: get pagination token")
	}
	return token, true, nil
}
