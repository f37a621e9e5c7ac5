package roomstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// PutAccountData overwrites the account data of a type. roomID is "" for
// global account data.
func (t *WriteTx) PutAccountData(roomID, eventType string, content json.RawMessage) error {
	if eventType == "" {
		return errors.New("roomstore: account data type is empty")
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO account_data(room_id, type, content) VALUES(?, ?, ?)
		ON CONFLICT(room_id, type) DO UPDATE SET content = excluded.content
	`, roomID, eventType, contentText(content))
	return errors.Wrap(err, "roomstore: put account data")
}

// AccountData returns the stored content as-is; it may not be valid JSON.
func (s *Store) AccountData(ctx context.Context, roomID, eventType string) (json.RawMessage, bool, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return nil, false, err
	}
	var content string
	err = q.QueryRowContext(ctx, `
		SELECT content FROM account_data WHERE room_id = ? AND type = ?
	`, roomID, eventType).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "roomstore: get account data")
	}
	return json.RawMessage(content), true, nil
}

// RoomSummary is the merged summary document and membership of a room.
type RoomSummary struct {
	RoomID      string          `json:"room_id"`
	Membership  string          `json:"membership"`
	Summary     json.RawMessage `json:"summary"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
}

// MergeSummary applies patch to the room's summary document with JSON
// merge-patch semantics and records membership when non-empty. A nil patch
// only touches membership. patch must be a JSON object.
func (t *WriteTx) MergeSummary(roomID, membership string, patch json.RawMessage) error {
	if roomID == "" {
		return errors.New("roomstore: summary room_id is empty")
	}
	if len(patch) == 0 {
		patch = json.RawMessage(`{}`)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO room_summaries(room_id, membership, summary, updated_at_ms)
		VALUES(?, ?, json_patch('{}', ?), ?)
		ON CONFLICT(room_id) DO UPDATE SET
			summary = json_patch(room_summaries.summary, excluded.summary),
			membership = CASE
				WHEN excluded.membership <> '' THEN excluded.membership
				ELSE room_summaries.membership
			END,
			updated_at_ms = excluded.updated_at_ms
	`, roomID, membership, string(patch), time.Now().UnixMilli())
	return errors.Wrap(err, "roomstore: merge summary")
}

func (s *Store) Summary(ctx context.Context, roomID string) (RoomSummary, bool, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return RoomSummary{}, false, err
	}
	var (
		rs      RoomSummary
		summary string
	)
	err = q.QueryRowContext(ctx, `
		SELECT room_id, membership, summary, updated_at_ms
		FROM room_summaries WHERE room_id = ?
	`, roomID).Scan(&rs.RoomID, &rs.Membership, &summary, &rs.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return RoomSummary{}, false, nil
	}
	if err != nil {
		return RoomSummary{}, false, errors.Wrap(err, "roomstore: get summary")
	}
	rs.Summary = json.RawMessage(summary)
	return rs, true, nil
}
