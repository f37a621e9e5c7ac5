package roomstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/roomsync/pkg/protocol"
)

// StoredEvent is a RoomEvent together with its timeline position, if any.
type StoredEvent struct {
	protocol.RoomEvent
	Position *protocol.TimelinePosition `json:"position,omitempty"`
}

const eventColumns = `room_id, event_id, type, content, sender, origin_server_ts,
	unsigned, state_key, prev_content, timeline_segment, timeline_order`

// joinedEventColumns is eventColumns qualified for queries joining room_events as e.
const joinedEventColumns = `e.room_id, e.event_id, e.type, e.content, e.sender, e.origin_server_ts,
	e.unsigned, e.state_key, e.prev_content, e.timeline_segment, e.timeline_order`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (StoredEvent, error) {
	var (
		ev          StoredEvent
		content     string
		unsigned    sql.NullString
		stateKey    sql.NullString
		prevContent sql.NullString
		segment     sql.NullInt64
		order       sql.NullInt64
	)
	if err := row.Scan(
		&ev.RoomID,
		&ev.EventID,
		&ev.Type,
		&content,
		&ev.Sender,
		&ev.OriginServerTS,
		&unsigned,
		&stateKey,
		&prevContent,
		&segment,
		&order,
	); err != nil {
		return StoredEvent{}, err
	}
	ev.Content = json.RawMessage(content)
	if unsigned.Valid {
		ev.Unsigned = json.RawMessage(unsigned.String)
	}
	if stateKey.Valid {
		ev.StateKey = protocol.StateKey(stateKey.String)
	}
	if prevContent.Valid {
		ev.PrevContent = json.RawMessage(prevContent.String)
	}
	if segment.Valid && order.Valid {
		ev.Position = &protocol.TimelinePosition{Segment: segment.Int64, Order: order.Int64}
	}
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	defer func() { _ = rows.Close() }()
	out := make([]StoredEvent, 0, 32)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "roomstore: scan event")
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "roomstore: iterate events")
	}
	return out, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func nullableStateKey(ev protocol.RoomEvent) any {
	if ev.StateKey == nil {
		return nil
	}
	return *ev.StateKey
}

func validateEvent(ev protocol.RoomEvent) error {
	if ev.RoomID == "" {
		return errors.New("roomstore: event room_id is empty")
	}
	if ev.EventID == "" {
		return errors.New("roomstore: event event_id is empty")
	}
	if ev.Type == "" {
		return errors.New("roomstore: event type is empty")
	}
	return nil
}

// InsertState stores an event without a timeline position. An existing row
// with the same id is left untouched; inserted reports whether a row was added.
func (t *WriteTx) InsertState(ev protocol.RoomEvent) (bool, error) {
	if err := validateEvent(ev); err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO room_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
		ON CONFLICT(room_id, event_id) DO NOTHING
	`, ev.RoomID, ev.EventID, ev.Type, contentText(ev.Content), ev.Sender, ev.OriginServerTS,
		nullableJSON(ev.Unsigned), nullableStateKey(ev), nullableJSON(ev.PrevContent))
	if err != nil {
		return false, errors.Wrap(err, "roomstore: insert state event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "roomstore: insert state event")
	}
	return n == 1, nil
}

// UpsertTimelineEvent inserts ev at pos. When the id already exists only the
// position is written, and only if the stored row has none yet: content is
// never lost and a positioned event is never moved.
func (t *WriteTx) UpsertTimelineEvent(ev protocol.RoomEvent, pos protocol.TimelinePosition) error {
	if err := validateEvent(ev); err != nil {
		return err
	}
	if pos.Order < 1 || pos.Segment < 0 {
		return errors.Errorf("roomstore: invalid timeline position %d/%d", pos.Segment, pos.Order)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO room_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, event_id) DO UPDATE SET
			timeline_segment = CASE
				WHEN room_events.timeline_segment IS NULL THEN excluded.timeline_segment
				ELSE room_events.timeline_segment
			END,
			timeline_order = CASE
				WHEN room_events.timeline_segment IS NULL THEN excluded.timeline_order
				ELSE room_events.timeline_order
			END
	`, ev.RoomID, ev.EventID, ev.Type, contentText(ev.Content), ev.Sender, ev.OriginServerTS,
		nullableJSON(ev.Unsigned), nullableStateKey(ev), nullableJSON(ev.PrevContent), pos.Segment, pos.Order)
	if err != nil {
		return errors.Wrap(err, "roomstore: upsert timeline event")
	}
	return nil
}

// Lookup reports whether an event is stored and where it sits in the timeline.
type Lookup struct {
	Found    bool
	Position *protocol.TimelinePosition
}

func (l Lookup) Positioned() bool {
	return l.Position != nil
}

func lookupEvent(ctx context.Context, q queryer, roomID, eventID string) (Lookup, error) {
	var segment, order sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT timeline_segment, timeline_order
		FROM room_events
		WHERE room_id = ? AND event_id = ?
	`, roomID, eventID).Scan(&segment, &order)
	if errors.Is(err, sql.ErrNoRows) {
		return Lookup{}, nil
	}
	if err != nil {
		return Lookup{}, errors.Wrap(err, "roomstore: lookup event")
	}
	l := Lookup{Found: true}
	if segment.Valid && order.Valid {
		l.Position = &protocol.TimelinePosition{Segment: segment.Int64, Order: order.Int64}
	}
	return l, nil
}

func (t *WriteTx) Lookup(roomID, eventID string) (Lookup, error) {
	return lookupEvent(t.ctx, t.tx, roomID, eventID)
}

func (s *Store) Lookup(ctx context.Context, roomID, eventID string) (Lookup, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return Lookup{}, err
	}
	return lookupEvent(ctx, q, roomID, eventID)
}

// MaxOrder returns the highest order in a segment, 0 when it is empty.
func (t *WriteTx) MaxOrder(roomID string, segment int64) (int64, error) {
	var maxOrder int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COALESCE(MAX(timeline_order), 0)
		FROM room_events
		WHERE room_id = ? AND timeline_segment = ?
	`, roomID, segment).Scan(&maxOrder)
	if err != nil {
		return 0, errors.Wrap(err, "roomstore: max order")
	}
	return maxOrder, nil
}

// NewestInSegment returns the id of the highest-ordered event of a segment.
func (t *WriteTx) NewestInSegment(roomID string, segment int64) (string, bool, error) {
	var eventID string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT event_id
		FROM room_events
		WHERE room_id = ? AND timeline_segment = ?
		ORDER BY timeline_order DESC
		LIMIT 1
	`, roomID, segment).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "roomstore: newest in segment")
	}
	return eventID, true, nil
}

// OldestInSegment returns the id of the event at order 1 of a segment.
func (t *WriteTx) OldestInSegment(roomID string, segment int64) (string, bool, error) {
	var eventID string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT event_id
		FROM room_events
		WHERE room_id = ? AND timeline_segment = ?
		ORDER BY timeline_order ASC
		LIMIT 1
	`, roomID, segment).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "roomstore: oldest in segment")
	}
	return eventID, true, nil
}

// ShiftOrders adds delta to every order in a segment.
func (t *WriteTx) ShiftOrders(roomID string, segment, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE room_events
		SET timeline_order = timeline_order + ?
		WHERE room_id = ? AND timeline_segment = ?
	`, delta, roomID, segment)
	return errors.Wrap(err, "roomstore: shift orders")
}

// PushSegmentsBack moves every positioned event one segment older, freeing
// segment 0 for a new live edge.
func (t *WriteTx) PushSegmentsBack(roomID string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE room_events
		SET timeline_segment = timeline_segment + 1
		WHERE room_id = ? AND timeline_segment IS NOT NULL
	`, roomID)
	return errors.Wrap(err, "roomstore: push segments back")
}

// PullSegmentsForward decrements every segment id greater than above.
func (t *WriteTx) PullSegmentsForward(roomID string, above int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE room_events
		SET timeline_segment = timeline_segment - 1
		WHERE room_id = ? AND timeline_segment > ?
	`, roomID, above)
	return errors.Wrap(err, "roomstore: pull segments forward")
}

// Event loads a single stored event.
func (s *Store) Event(ctx context.Context, roomID, eventID string) (StoredEvent, bool, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return StoredEvent{}, false, err
	}
	ev, err := scanEvent(q.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM room_events
		WHERE room_id = ? AND event_id = ?
	`, roomID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return StoredEvent{}, false, nil
	}
	if err != nil {
		return StoredEvent{}, false, errors.Wrap(err, "roomstore: get event")
	}
	return ev, true, nil
}

// Timeline returns up to limit positioned events newest first: segment 0
// downwards, highest order first within a segment. limit <= 0 means all.
func (s *Store) Timeline(ctx context.Context, roomID string, limit int) ([]StoredEvent, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM room_events
		WHERE room_id = ? AND timeline_segment IS NOT NULL
		ORDER BY timeline_segment ASC, timeline_order DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "roomstore: query timeline")
	}
	return scanEvents(rows)
}

// Segment returns the events of one segment oldest first.
func (s *Store) Segment(ctx context.Context, roomID string, segment int64) ([]StoredEvent, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM room_events
		WHERE room_id = ? AND timeline_segment = ?
		ORDER BY timeline_order ASC
	`, roomID, segment)
	if err != nil {
		return nil, errors.Wrap(err, "roomstore: query segment")
	}
	return scanEvents(rows)
}

// SegmentInfo summarizes one timeline segment.
type SegmentInfo struct {
	Segment  int64 `json:"segment"`
	Events   int64 `json:"events"`
	MinOrder int64 `json:"min_order"`
	MaxOrder int64 `json:"max_order"`
	Distinct int64 `json:"distinct_orders"`
}

func (s *Store) Segments(ctx context.Context, roomID string) ([]SegmentInfo, error) {
	ctx, q, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT timeline_segment, COUNT(*), MIN(timeline_order), MAX(timeline_order),
		       COUNT(DISTINCT timeline_order)
		FROM room_events
		WHERE room_id = ? AND timeline_segment IS NOT NULL
		GROUP BY timeline_segment
		ORDER BY timeline_segment ASC
	`, roomID)
	if err != nil {
		return nil, errors.Wrap(err, "roomstore: query segments")
	}
	defer func() { _ = rows.Close() }()

	out := []SegmentInfo{}
	for rows.Next() {
		var si SegmentInfo
		if err := rows.Scan(&si.Segment, &si.Events, &si.MinOrder, &si.MaxOrder, &si.Distinct); err != nil {
			return nil, errors.Wrap(err, "roomstore: scan segment")
		}
		out = append(out, si)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "roomstore: iterate segments")
	}
	return out, nil
}

// ErrTimelineInconsistent is returned by CheckTimelineInvariants.
var ErrTimelineInconsistent = errors.New("roomstore: timeline invariant violated")

// CheckTimelineInvariants verifies that segment ids are contiguous from 0 and
// that every segment's orders are exactly 1..n.
func (s *Store) CheckTimelineInvariants(ctx context.Context, roomID string) error {
	segments, err := s.Segments(ctx, roomID)
	if err != nil {
		return err
	}
	for i, si := range segments {
		if si.Segment != int64(i) {
			return errors.Wrapf(ErrTimelineInconsistent, "room %s: expected segment %d, found %d", roomID, i, si.Segment)
		}
		if si.MinOrder != 1 || si.MaxOrder != si.Events || si.Distinct != si.Events {
			return errors.Wrapf(ErrTimelineInconsistent,
				"room %s segment %d: %d events, orders %d..%d (%d distinct)",
				roomID, si.Segment, si.Events, si.MinOrder, si.MaxOrder, si.Distinct)
		}
	}
	return nil
}
