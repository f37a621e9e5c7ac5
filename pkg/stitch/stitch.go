package stitch

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomsync/pkg/bus"
	"github.com/go-go-golems/roomsync/pkg/metrics"
	"github.com/go-go-golems/roomsync/pkg/persistence/roomstore"
	"github.com/go-go-golems/roomsync/pkg/protocol"
	"github.com/go-go-golems/roomsync/pkg/transport"
)

// ErrInvariantViolation reports a stored timeline that pagination cannot
// extend without breaking segment/order contiguity. It is a logic error, not
// a retryable condition.
var ErrInvariantViolation = errors.New("stitch: timeline invariant violated")

// Publisher receives committed updates. *bus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, u bus.Update) error
}

type Result struct {
	// Applied is true when the page added history: events were positioned or
	// two segments were merged.
	Applied bool
	// Stitched is true when the anchor's segment was merged with the next
	// older one.
	Stitched bool
	// Inserted counts events newly positioned from the page.
	Inserted int
	// Exhausted is true when the server reported no older history.
	Exhausted bool
	// StateEvents are the net-new state events stored from the page.
	StateEvents []protocol.RoomEvent
}

// Stitcher extends a room's timeline backwards from the oldest known event
// of a segment, merging segments when the fetched history reaches the next
// older one.
type Stitcher struct {
	store     *roomstore.Store
	transport transport.Transport
	publisher Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// Option configures optional dependencies for a Stitcher.
type Option func(*Stitcher) error

func WithPublisher(p Publisher) Option {
	return func(s *Stitcher) error {
		if p == nil {
			return errors.New("publisher is nil")
		}
		s.publisher = p
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stitcher) error {
		if m == nil {
			return errors.New("metrics is nil")
		}
		s.metrics = m
		return nil
	}
}

func New(store *roomstore.Store, t transport.Transport, opts ...Option) (*Stitcher, error) {
	if store == nil {
		return nil, errors.New("stitch: store is nil")
	}
	if t == nil {
		return nil, errors.New("stitch: transport is nil")
	}
	s := &Stitcher{
		store:     store,
		transport: t,
		logger:    log.With().Str("component", "stitch").Logger(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "stitch: option")
		}
	}
	return s, nil
}

// errRaced rolls back a page whose token was consumed by someone else.
var errRaced = errors.New("stitch: token already consumed")

// ExtendBackward fetches up to limit events older than anchorEventID and
// commits them below it. Without a stored token for the anchor there is no
// known older history and the call returns a zero Result. ctx bounds the
// fetch and the wait for the write permit; a started commit runs to the end.
func (s *Stitcher) ExtendBackward(ctx context.Context, roomID, anchorEventID string, limit int) (Result, error) {
	if roomID == "" || anchorEventID == "" {
		return Result{}, errors.New("stitch: room and anchor are required")
	}
	token, ok, err := s.store.Token(ctx, roomID, anchorEventID)
	if err != nil {
		return Result{}, errors.Wrap(err, "stitch: read token")
	}
	if !ok {
		s.metrics.StitchPage("no_token")
		return Result{}, nil
	}
	page, err := s.transport.Messages(ctx, roomID, token, transport.Backward, limit)
	if err != nil {
		s.metrics.StitchPage("error")
		return Result{}, errors.Wrap(err, "stitch: fetch page")
	}
	res, err := s.applyPage(ctx, roomID, anchorEventID, token, page)
	if errors.Is(err, errRaced) {
		s.metrics.StitchPage("raced")
		s.logger.Info().Str("room_id", roomID).Str("anchor", anchorEventID).Msg("pagination token consumed concurrently")
		return Result{}, nil
	}
	if err != nil {
		s.metrics.StitchPage("error")
		return Result{}, err
	}
	switch {
	case res.Stitched:
		s.metrics.StitchPage("stitched")
	default:
		s.metrics.StitchPage("applied")
	}

	if len(res.StateEvents) > 0 && s.publisher != nil {
		u := bus.Update{Kind: bus.KindState, RoomID: roomID, StateEvents: res.StateEvents}
		if err := s.publisher.Publish(context.WithoutCancel(ctx), u); err != nil {
			s.metrics.PublishFailed()
			s.logger.Error().Err(err).Str("room_id", roomID).Msg("publish state update failed")
		}
	}
	return res, nil
}

func (s *Stitcher) applyPage(ctx context.Context, roomID, anchorEventID, token string, page protocol.PaginationPage) (Result, error) {
	var res Result
	err := s.store.WriteTx(ctx, func(tx *roomstore.WriteTx) error {
		res = Result{}
		taken, ok, err := tx.TakeToken(roomID, anchorEventID)
		if err != nil {
			return err
		}
		if !ok || taken != token {
			return errRaced
		}

		anchor, err := tx.Lookup(roomID, anchorEventID)
		if err != nil {
			return err
		}
		if !anchor.Positioned() {
			return errors.Wrapf(ErrInvariantViolation, "anchor %s in %s has no timeline position", anchorEventID, roomID)
		}
		if anchor.Position.Order != 1 {
			return errors.Wrapf(ErrInvariantViolation, "anchor %s in %s is at order %d of segment %d, not at the segment edge",
				anchorEventID, roomID, anchor.Position.Order, anchor.Position.Segment)
		}
		seg := anchor.Position.Segment

		events := make([]protocol.RoomEvent, 0, len(page.Events))
		for _, raw := range page.Events {
			ev := raw.WithRoom(roomID)
			if ev.EventID == "" || ev.Type == "" {
				s.logger.Warn().Str("room_id", roomID).Msg("skipping page event without id or type")
				continue
			}
			events = append(events, ev)
		}

		// Reserve one slot per page event below the anchor, fill them from
		// the top down, then give back whatever was not used.
		reserved := int64(len(events))
		if err := tx.ShiftOrders(roomID, seg, reserved); err != nil {
			return err
		}
		slot := reserved
		oldest := anchorEventID
		overlap := 0
		for _, ev := range events {
			l, err := tx.Lookup(roomID, ev.EventID)
			if err != nil {
				return err
			}
			if l.Positioned() {
				if l.Position.Segment == seg {
					overlap++
					s.logger.Debug().Str("room_id", roomID).Str("event_id", ev.EventID).Msg("page overlaps known history, skipping")
					continue
				}
				if err := s.checkStitchTarget(tx, roomID, seg, ev.EventID, *l.Position); err != nil {
					return err
				}
				res.Stitched = true
				break
			}
			if err := tx.UpsertTimelineEvent(ev, protocol.TimelinePosition{Segment: seg, Order: slot}); err != nil {
				return err
			}
			slot--
			res.Inserted++
			oldest = ev.EventID
			if ev.IsState() {
				if !l.Found {
					res.StateEvents = append(res.StateEvents, ev)
				}
				if _, err := tx.SetStatePointer(ev, false); err != nil {
					return err
				}
			}
		}
		if err := tx.ShiftOrders(roomID, seg, -slot); err != nil {
			return err
		}
		s.metrics.StitchOverlap(overlap)

		if res.Stitched {
			olderMax, err := tx.MaxOrder(roomID, seg+1)
			if err != nil {
				return err
			}
			if err := tx.ShiftOrders(roomID, seg, olderMax); err != nil {
				return err
			}
			if err := tx.PullSegmentsForward(roomID, seg); err != nil {
				return err
			}
			if _, err := tx.IncrCounter(roomstore.KeyStitchCount); err != nil {
				return err
			}
			res.Applied = true
			return nil
		}

		for _, raw := range page.State {
			ev := raw.WithRoom(roomID)
			if !ev.IsState() || ev.EventID == "" || ev.Type == "" {
				s.logger.Warn().Str("room_id", roomID).Msg("skipping page state without id, type or state_key")
				continue
			}
			inserted, err := tx.InsertState(ev)
			if err != nil {
				return err
			}
			if !inserted {
				s.logger.Debug().Str("room_id", roomID).Str("event_id", ev.EventID).Msg("duplicate page state, skipping")
				continue
			}
			res.StateEvents = append(res.StateEvents, ev)
			if _, err := tx.SetStatePointer(ev, false); err != nil {
				return err
			}
		}
		if page.End != "" {
			if err := tx.PutToken(roomID, oldest, page.End); err != nil {
				return err
			}
		} else {
			res.Exhausted = true
		}
		res.Applied = res.Inserted > 0
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Stitched || res.Inserted > 0 {
		s.logger.Debug().
			Str("room_id", roomID).
			Str("anchor", anchorEventID).
			Int("inserted", res.Inserted).
			Bool("stitched", res.Stitched).
			Msg("history extended")
	}
	return res, nil
}

// checkStitchTarget accepts a page event found in another segment only when
// it is the newest event of the next older segment, which is where a
// backwards walk from the anchor's segment must land.
func (s *Stitcher) checkStitchTarget(tx *roomstore.WriteTx, roomID string, seg int64, eventID string, pos protocol.TimelinePosition) error {
	if pos.Segment != seg+1 {
		return errors.Wrapf(ErrInvariantViolation, "page event %s of segment %d is already in segment %d",
			eventID, seg, pos.Segment)
	}
	newest, ok, err := tx.NewestInSegment(roomID, seg+1)
	if err != nil {
		return err
	}
	if !ok || newest != eventID {
		return errors.Wrapf(ErrInvariantViolation, "page event %s hits segment %d at order %d, not at its newest event",
			eventID, pos.Segment, pos.Order)
	}
	return nil
}
