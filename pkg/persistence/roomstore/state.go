package roomstore

import (
	"context"
	"database/sql"
	"sort"

	"github.com/pkg/errors"

	"github.com/go-go-golems/roomsync/pkg/protocol"
)

// SetStatePointer makes ev the current state for its (type, state_key).
// With overwrite=false an existing pointer wins, which is what backfilled
// (older) history needs. changed reports whether the pointer moved.
func (t *WriteTx) SetStatePointer(ev protocol.RoomEvent, overwrite bool) (bool, error) {
	if ev.StateKey == nil {
		return false, nil
	}
	query := `
		INSERT INTO room_state(room_id, type, state_key, event_id)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(room_id, type, state_key) DO NOTHING
	`
	if overwrite {
		query = `
			INSERT INTO room_state(room_id, type, state_key, event_id)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(room_id, type, state_key) DO UPDATE SET event_id = excluded.event_id
			WHERE room_state.event_id <> excluded.event_id
		`
	}
	res, err := t.tx.ExecContext(t.ctx, query, ev.RoomID, ev.Type, *ev.StateKey, ev.EventID)
	if err != nil {
		return false, errors.Wrap(err, "roomstore: set state pointer")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "roomstore: set state pointer")
	}
	return n > 0, nil
}

// LatestState returns the current state event for (type, stateKey). Without a
// pointer it is derived from the stored events: segment ascending from 0,
// order descending within a segment, unpositioned events last.
func (s *Store) LatestState(ctx context.Context, roomID, eventType, stateKey string) (StoredEvent, bool, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return StoredEvent{}, false, err
	}
	ev, err := scanEvent(q.QueryRowContext(ctx, `
		SELECT `+joinedEventColumns+`
		FROM room_state s
		JOIN room_events e ON e.room_id = s.room_id AND e.event_id = s.event_id
		WHERE s.room_id = ? AND s.type = ? AND s.state_key = ?
	`, roomID, eventType, stateKey))
	if err == nil {
		return ev, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return StoredEvent{}, false, errors.Wrap(err, "roomstore: latest state")
	}
	return deriveLatestState(ctx, q, roomID, eventType, stateKey)
}

func deriveLatestState(ctx context.Context, q queryer, roomID, eventType, stateKey string) (StoredEvent, bool, error) {
	ev, err := scanEvent(q.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM room_events
		WHERE room_id = ? AND type = ? AND state_key = ?
		ORDER BY timeline_segment IS NULL ASC, timeline_segment ASC, timeline_order DESC, rowid DESC
		LIMIT 1
	`, roomID, eventType, stateKey))
	if errors.Is(err, sql.ErrNoRows) {
		return StoredEvent{}, false, nil
	}
	if err != nil {
		return StoredEvent{}, false, errors.Wrap(err, "roomstore: derive latest state")
	}
	return ev, true, nil
}

// StateEvents returns the current state events of one type, ordered by state key.
func (s *Store) StateEvents(ctx context.Context, roomID, eventType string) ([]StoredEvent, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+joinedEventColumns+`
		FROM room_state s
		JOIN room_events e ON e.room_id = s.room_id AND e.event_id = s.event_id
		WHERE s.room_id = ? AND s.type = ?
		ORDER BY s.state_key ASC
	`, roomID, eventType)
	if err != nil {
		return nil, errors.Wrap(err, "roomstore: query state events")
	}
	return scanEvents(rows)
}

// Members returns the user ids whose current m.room.member state has the
// given membership. Undecodable member content is skipped.
func (s *Store) Members(ctx context.Context, roomID, membership string) ([]string, error) {
	events, err := s.StateEvents(ctx, roomID, protocol.EventTypeRoomMember)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if protocol.Membership(ev.RoomEvent) == membership {
			out = append(out, ev.StateKeyOrEmpty())
		}
	}
	sort.Strings(out)
	return out, nil
}
