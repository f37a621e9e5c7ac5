package roomstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/roomsync/pkg/protocol"
)

// Receipt is one user's read marker of a given type in a room.
type Receipt struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	ReceiptType string `json:"receipt_type"`
	EventID     string `json:"event_id"`
	TS          int64  `json:"ts"`
}

func (t *WriteTx) PutReceipt(r Receipt) error {
	if r.RoomID == "" || r.UserID == "" || r.ReceiptType == "" || r.EventID == "" {
		return errors.New("roomstore: incomplete receipt")
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO read_receipts(room_id, user_id, receipt_type, event_id, ts)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(room_id, user_id, receipt_type) DO UPDATE SET
			event_id = excluded.event_id,
			ts = excluded.ts
	`, r.RoomID, r.UserID, r.ReceiptType, r.EventID, r.TS)
	return errors.Wrap(err, "roomstore: put receipt")
}

func (s *Store) Receipts(ctx context.Context, roomID string) ([]Receipt, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT room_id, user_id, receipt_type, event_id, ts
		FROM read_receipts
		WHERE room_id = ?
		ORDER BY user_id ASC, receipt_type ASC
	`, roomID)
	if err != nil {
		return nil, errors.Wrap(err, "roomstore: query receipts")
	}
	defer func() { _ = rows.Close() }()
	out := []Receipt{}
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.RoomID, &r.UserID, &r.ReceiptType, &r.EventID, &r.TS); err != nil {
			return nil, errors.Wrap(err, "roomstore: scan receipt")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "roomstore: iterate receipts")
}

// SetTyping replaces the set of users typing in a room.
func (t *WriteTx) SetTyping(roomID string, userIDs []string) error {
	users := append([]string{}, userIDs...)
	sort.Strings(users)
	b, err := json.Marshal(users)
	if err != nil {
		return errors.Wrap(err, "roomstore: marshal typing")
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO typing(room_id, user_ids) VALUES(?, ?)
		ON CONFLICT(room_id) DO UPDATE SET user_ids = excluded.user_ids
	`, roomID, string(b))
	return errors.Wrap(err, "roomstore: set typing")
}

func (s *Store) Typing(ctx context.Context, roomID string) ([]string, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}
	var raw string
	err = q.QueryRowContext(ctx, `SELECT user_ids FROM typing WHERE room_id = ?`, roomID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []string{}, nil
		}
		return nil, errors.Wrap(err, "roomstore: get typing")
	}
	users := []string{}
	if err := json.Unmarshal([]byte(raw), &users); err != nil {
		return nil, errors.Wrap(err, "roomstore: decode typing")
	}
	return users, nil
}

// ToDeviceEvent is a queued to-device message awaiting the crypto engine.
type ToDeviceEvent struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

func (t *WriteTx) AppendToDevice(ev protocol.RoomEvent) error {
	if ev.Type == "" {
		return errors.New("roomstore: to-device type is empty")
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO to_device_events(type, sender, content) VALUES(?, ?, ?)
	`, ev.Type, ev.Sender, contentText(ev.Content))
	return errors.Wrap(err, "roomstore: append to-device")
}

// ToDeviceEvents lists queued to-device events with id > afterID.
func (s *Store) ToDeviceEvents(ctx context.Context, afterID int64, limit int) ([]ToDeviceEvent, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, type, sender, content
		FROM to_device_events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "roomstore: query to-device")
	}
	defer func() { _ = rows.Close() }()
	out := []ToDeviceEvent{}
	for rows.Next() {
		var (
			ev      ToDeviceEvent
			content string
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Sender, &content); err != nil {
			return nil, errors.Wrap(err, "roomstore: scan to-device")
		}
		ev.Content = json.RawMessage(content)
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), "roomstore: iterate to-device")
}

// AckToDevice drops queued to-device events up to and including id.
func (t *WriteTx) AckToDevice(id int64) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM to_device_events WHERE id <= ?`, id)
	return errors.Wrap(err, "roomstore: ack to-device")
}

// MarkDeviceListsStale flags users whose device keys must be re-fetched.
func (t *WriteTx) MarkDeviceListsStale(userIDs []string) error {
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		if _, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO device_lists(user_id, stale) VALUES(?, 1)
			ON CONFLICT(user_id) DO UPDATE SET stale = 1
		`, userID); err != nil {
			return errors.Wrap(err, "roomstore: mark device list stale")
		}
	}
	return nil
}

// ForgetDeviceLists stops tracking users we no longer share a room with.
func (t *WriteTx) ForgetDeviceLists(userIDs []string) error {
	for _, userID := range userIDs {
		if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM device_lists WHERE user_id = ?`, userID); err != nil {
			return errors.Wrap(err, "roomstore: forget device list")
		}
	}
	return nil
}

// MarkDeviceListFresh is called by the crypto engine after re-fetching keys.
func (t *WriteTx) MarkDeviceListFresh(userID string) error {
	_, err := t.tx.ExecContext(t.ctx, `UPDATE device_lists SET stale = 0 WHERE user_id = ?`, userID)
	return errors.Wrap(err, "roomstore: mark device list fresh")
}

func (s *Store) StaleDeviceUsers(ctx context.Context) ([]string, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM device_lists WHERE stale = 1 ORDER BY user_id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "roomstore: query stale device lists")
	}
	defer func() { _ = rows.Close() }()
	out := []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, errors.Wrap(err, "roomstore: scan device list")
		}
		out = append(out, userID)
	}
	return out, errors.Wrap(rows.Err(), "roomstore: iterate device lists")
}

// MarkMembersLoaded records that the full member list of a membership kind
// has been fetched for a room.
func (t *WriteTx) MarkMembersLoaded(roomID, membership string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO member_load_state(room_id, membership, loaded_at_ms) VALUES(?, ?, ?)
		ON CONFLICT(room_id, membership) DO NOTHING
	`, roomID, membership, time.Now().UnixMilli())
	return errors.Wrap(err, "roomstore: mark members loaded")
}

func (s *Store) MembersLoaded(ctx context.Context, roomID, membership string) (bool, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return false, err
	}
	var n int
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM member_load_state WHERE room_id = ? AND membership = ?
	`, roomID, membership).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "roomstore: get member load state")
	}
	return n > 0, nil
}
