package ingest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomsync/pkg/bus"
	"github.com/go-go-golems/roomsync/pkg/metrics"
	"github.com/go-go-golems/roomsync/pkg/persistence/roomstore"
	"github.com/go-go-golems/roomsync/pkg/protocol"
)

// Publisher receives committed updates. *bus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, u bus.Update) error
}

type Status string

const (
	// Applied means the payload was committed and the cursor advanced.
	Applied Status = "applied"
	// Raced means the stored cursor was not the expected one; nothing was written.
	Raced Status = "raced"
)

type Result struct {
	Status Status
	// Cursor is the cursor stored after the call: the payload's next_batch
	// when applied, the conflicting stored value when raced.
	Cursor string
}

// Ingestor commits sync payloads to the store, one atomic unit per payload.
type Ingestor struct {
	store     *roomstore.Store
	publisher Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func New(store *roomstore.Store, opts ...Option) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("ingest: store is nil")
	}
	in := &Ingestor{
		store:  store,
		logger: log.With().Str("component", "ingest").Logger(),
	}
	for _, opt := range opts {
		if err := opt(in); err != nil {
			return nil, errors.Wrap(err, "ingest: option")
		}
	}
	return in, nil
}

// errRaced aborts the write transaction without committing anything.
var errRaced = errors.New("ingest: cursor moved")

type counts struct {
	state       int
	timeline    int
	accountData int
	ephemeral   int
}

// Apply commits payload if the stored sync cursor still equals prior ("" before
// the first sync), then publishes the payload once on the bus. A cursor
// mismatch is reported as Raced with a nil error. Malformed documents inside
// the payload are logged and skipped and never fail the call.
func (in *Ingestor) Apply(ctx context.Context, payload *protocol.SyncPayload, prior string) (Result, error) {
	if payload == nil {
		return Result{}, errors.New("ingest: payload is nil")
	}
	if payload.NextBatch == "" {
		return Result{}, errors.New("ingest: payload has no next_batch")
	}
	started := time.Now()

	var (
		stored string
		n      counts
	)
	err := in.store.WriteTx(ctx, func(tx *roomstore.WriteTx) error {
		cur, err := tx.Cursor()
		if err != nil {
			return err
		}
		if cur != prior {
			stored = cur
			return errRaced
		}
		if err := tx.SetCursor(payload.NextBatch); err != nil {
			return err
		}
		for _, roomID := range payload.RoomIDs() {
			if err := in.applyRoom(tx, roomID, payload.Rooms[roomID], &n); err != nil {
				return errors.Wrapf(err, "room %s", roomID)
			}
		}
		for _, ev := range payload.AccountData {
			if ev.Type == "" {
				in.skip("account_data", "", "global account data without type")
				continue
			}
			if err := tx.PutAccountData("", ev.Type, ev.Content); err != nil {
				return err
			}
			n.accountData++
		}
		for _, ev := range payload.ToDevice {
			if ev.Type == "" {
				in.skip("to_device", "", "to-device event without type")
				continue
			}
			if err := tx.AppendToDevice(ev); err != nil {
				return err
			}
		}
		if dl := payload.DeviceLists; dl != nil {
			if err := tx.MarkDeviceListsStale(dl.Changed); err != nil {
				return err
			}
			if err := tx.ForgetDeviceLists(dl.Left); err != nil {
				return err
			}
		}
		_, err = tx.IncrCounter(roomstore.KeySyncApplied)
		return err
	})
	if errors.Is(err, errRaced) {
		in.metrics.SyncRaced(time.Since(started))
		in.logger.Info().Str("expected", prior).Str("stored", stored).Str("next_batch", payload.NextBatch).Msg("sync raced, nothing applied")
		return Result{Status: Raced, Cursor: stored}, nil
	}
	if err != nil {
		return Result{}, errors.Wrap(err, "ingest: apply")
	}
	in.metrics.SyncApplied(time.Since(started))
	in.metrics.IngestedEvents("state", n.state)
	in.metrics.IngestedEvents("timeline", n.timeline)
	in.metrics.IngestedEvents("account_data", n.accountData)
	in.metrics.IngestedEvents("ephemeral", n.ephemeral)
	in.logger.Debug().
		Str("next_batch", payload.NextBatch).
		Int("rooms", len(payload.Rooms)).
		Int("timeline_events", n.timeline).
		Int("state_events", n.state).
		Msg("sync applied")

	in.publish(ctx, payload)
	return Result{Status: Applied, Cursor: payload.NextBatch}, nil
}

// publish broadcasts the committed payload. The commit already happened, so
// a failure here is logged rather than returned.
func (in *Ingestor) publish(ctx context.Context, payload *protocol.SyncPayload) {
	if in.publisher == nil {
		return
	}
	if err := in.publisher.Publish(context.WithoutCancel(ctx), bus.Update{Kind: bus.KindSync, Sync: payload}); err != nil {
		in.metrics.PublishFailed()
		in.logger.Error().Err(err).Str("next_batch", payload.NextBatch).Msg("publish sync update failed")
	}
}

func (in *Ingestor) skip(kind, roomID, reason string) {
	in.metrics.SkippedContent(kind)
	in.logger.Warn().Str("kind", kind).Str("room_id", roomID).Msg(reason)
}

func (in *Ingestor) applyRoom(tx *roomstore.WriteTx, roomID string, room protocol.RoomUpdate, n *counts) error {
	if len(room.Summary) > 0 || room.Membership != "" {
		patch := room.Summary
		if len(patch) > 0 && !protocol.ValidDocument(patch) {
			in.skip("summary", roomID, "room summary is not a JSON object")
			patch = nil
		}
		if err := tx.MergeSummary(roomID, room.Membership, patch); err != nil {
			return err
		}
	}

	for _, raw := range room.State {
		ev := raw.WithRoom(roomID)
		if !ev.IsState() || ev.EventID == "" || ev.Type == "" {
			in.skip("state", roomID, "state section event without id, type or state_key")
			continue
		}
		if _, err := tx.InsertState(ev); err != nil {
			return err
		}
		if _, err := tx.SetStatePointer(ev, true); err != nil {
			return err
		}
		n.state++
	}

	if err := in.applyTimeline(tx, roomID, room.Timeline, n); err != nil {
		return err
	}

	for _, ev := range room.AccountData {
		if ev.Type == "" {
			in.skip("account_data", roomID, "room account data without type")
			continue
		}
		if err := tx.PutAccountData(roomID, ev.Type, ev.Content); err != nil {
			return err
		}
		n.accountData++
	}

	for _, ev := range room.Ephemeral {
		if err := in.applyEphemeral(tx, roomID, ev, n); err != nil {
			return err
		}
	}
	return nil
}

// applyTimeline appends the room's timeline events to segment 0. A limited
// timeline first pushes every existing segment back so the new events start
// a fresh live-edge segment. Events that already have a position keep it.
func (in *Ingestor) applyTimeline(tx *roomstore.WriteTx, roomID string, tl protocol.RoomTimeline, n *counts) error {
	var (
		allocated  bool
		newSegment bool
		next       int64
		firstNew   string
	)
	for _, raw := range tl.Events {
		ev := raw.WithRoom(roomID)
		if ev.EventID == "" || ev.Type == "" {
			in.skip("timeline", roomID, "timeline event without id or type")
			continue
		}
		l, err := tx.Lookup(roomID, ev.EventID)
		if err != nil {
			return err
		}
		if l.Positioned() {
			in.logger.Debug().Str("room_id", roomID).Str("event_id", ev.EventID).Msg("timeline event already positioned")
			continue
		}
		if !allocated {
			allocated = true
			maxOrder, err := tx.MaxOrder(roomID, 0)
			if err != nil {
				return err
			}
			switch {
			case maxOrder == 0:
				newSegment = true
				next = 1
			case tl.Limited:
				if err := tx.PushSegmentsBack(roomID); err != nil {
					return err
				}
				newSegment = true
				next = 1
			default:
				next = maxOrder + 1
			}
		}
		if err := tx.UpsertTimelineEvent(ev, protocol.TimelinePosition{Segment: 0, Order: next}); err != nil {
			return err
		}
		next++
		if firstNew == "" {
			firstNew = ev.EventID
		}
		if ev.IsState() {
			if _, err := tx.SetStatePointer(ev, true); err != nil {
				return err
			}
		}
		n.timeline++
	}
	if newSegment && firstNew != "" && tl.PrevBatch != "" {
		if err := tx.PutToken(roomID, firstNew, tl.PrevBatch); err != nil {
			return err
		}
	}
	return nil
}

func (in *Ingestor) applyEphemeral(tx *roomstore.WriteTx, roomID string, ev protocol.RoomEvent, n *counts) error {
	switch ev.Type {
	case protocol.EventTypeTyping:
		users, ok := typingUsers(ev.Content)
		if !ok {
			in.skip("typing", roomID, "malformed m.typing content")
			return nil
		}
		n.ephemeral++
		return tx.SetTyping(roomID, users)
	case protocol.EventTypeReceipt:
		rs, ok := receipts(roomID, ev.Content)
		if !ok {
			in.skip("receipt", roomID, "malformed m.receipt content")
			return nil
		}
		for _, r := range rs {
			if r.UserID == "" || r.EventID == "" || r.ReceiptType == "" {
				in.skip("receipt", roomID, "receipt entry with empty key")
				continue
			}
			if err := tx.PutReceipt(r); err != nil {
				return err
			}
		}
		n.ephemeral++
		return nil
	default:
		in.logger.Debug().Str("room_id", roomID).Str("type", ev.Type).Msg("ignoring ephemeral event")
		return nil
	}
}
