package projector

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/roomsync/pkg/bus"
	"github.com/go-go-golems/roomsync/pkg/persistence/roomstore"
	"github.com/go-go-golems/roomsync/pkg/protocol"
)

// LoadState is the lazy member-list state of a (room, membership).
type LoadState int

const (
	StateUnknown LoadState = iota
	Loading
	Loaded
)

func (s LoadState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	}
	return "invalid"
}

// MemberLoadState reports whether the full member list of a membership kind
// has been fetched for a room. Loaded is persisted in the store.
func (p *Projector) MemberLoadState(ctx context.Context, roomID, membership string) (LoadState, error) {
	loaded, err := p.store.MembersLoaded(ctx, roomID, membership)
	if err != nil {
		return StateUnknown, err
	}
	if loaded {
		return Loaded, nil
	}
	p.loadingMu.Lock()
	defer p.loadingMu.Unlock()
	if p.loading[MembersKey{RoomID: roomID, Membership: membership}] {
		return Loading, nil
	}
	return StateUnknown, nil
}

// ensureMembers loads the member list once per (room, membership) for the
// lifetime of the store. Concurrent callers share one fetch; the caller's
// ctx only bounds its own wait, and the fetch itself follows the ctx of
// the caller that started it.
func (p *Projector) ensureMembers(ctx context.Context, roomID, membership string) error {
	if !p.lazyMembers || p.transport == nil {
		return nil
	}
	loaded, err := p.store.MembersLoaded(ctx, roomID, membership)
	if err != nil || loaded {
		return err
	}
	key := MembersKey{RoomID: roomID, Membership: membership}
	ch := p.loads.DoChan(roomID+"\x00"+membership, func() (interface{}, error) {
		return nil, p.loadMembers(ctx, key)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Projector) setLoading(key MembersKey, loading bool) {
	p.loadingMu.Lock()
	defer p.loadingMu.Unlock()
	if loading {
		p.loading[key] = true
	} else {
		delete(p.loading, key)
	}
}

// loadMembers fetches a member list, then commits it and hands the net-new
// events to local listeners with delta dispatch paused. The fetch runs with
// the gate open so other rooms keep projecting; a live member delta that
// lands meanwhile keeps its state pointer and the older fetched event is not
// dispatched. The bus republish happens after the gate opens; this projector
// ignores its own origin there.
func (p *Projector) loadMembers(ctx context.Context, key MembersKey) error {
	loaded, err := p.store.MembersLoaded(ctx, key.RoomID, key.Membership)
	if err != nil || loaded {
		return err
	}
	p.setLoading(key, true)
	defer p.setLoading(key, false)

	events, err := p.transport.Members(ctx, key.RoomID, key.Membership)
	if err != nil {
		p.metrics.MemberLoad("error")
		return errors.Wrap(err, "projector: fetch members")
	}

	p.gate.Lock()
	gated := true
	defer func() {
		if gated {
			p.gate.Unlock()
		}
	}()

	var fresh []protocol.RoomEvent
	err = p.store.WriteTx(ctx, func(tx *roomstore.WriteTx) error {
		fresh = fresh[:0]
		for _, raw := range events {
			ev := raw.WithRoom(key.RoomID)
			if ev.Type != protocol.EventTypeRoomMember || !ev.IsState() || ev.EventID == "" || ev.RoomID != key.RoomID {
				p.logger.Warn().Str("room_id", key.RoomID).Str("event_id", ev.EventID).Msg("skipping malformed member event")
				continue
			}
			if _, err := tx.InsertState(ev); err != nil {
				return err
			}
			changed, err := tx.SetStatePointer(ev, false)
			if err != nil {
				return err
			}
			if changed {
				fresh = append(fresh, ev)
			}
		}
		return tx.MarkMembersLoaded(key.RoomID, key.Membership)
	})
	if err != nil {
		p.metrics.MemberLoad("error")
		return errors.Wrap(err, "projector: commit members")
	}

	u := bus.Update{Kind: bus.KindMembers, RoomID: key.RoomID, StateEvents: fresh, Origin: p.origin}
	if len(fresh) > 0 {
		p.fanout(u)
	}
	p.gate.Unlock()
	gated = false

	p.metrics.MemberLoad("loaded")
	p.logger.Debug().
		Str("room_id", key.RoomID).
		Str("membership", key.Membership).
		Int("fetched", len(events)).
		Int("new", len(fresh)).
		Msg("member list loaded")

	if len(fresh) > 0 {
		if err := p.bus.Publish(context.WithoutCancel(ctx), u); err != nil {
			p.metrics.PublishFailed()
			p.logger.Error().Err(err).Str("room_id", key.RoomID).Msg("publish members update failed")
		}
	}
	return nil
}
