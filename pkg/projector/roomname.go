package projector

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/go-go-golems/roomsync/pkg/protocol"
)

const EmptyRoomName = "Empty room"

type RoomNameKey struct {
	RoomID     string
	SelfUserID string
}

// SubscribeRoomName follows the display name of a room: its m.room.name,
// else its canonical alias, else a name built from the joined members other
// than selfUserID, else EmptyRoomName.
func (p *Projector) SubscribeRoomName(ctx context.Context, roomID, selfUserID string) (*Subscription[string], error) {
	return p.roomNames.Subscribe(ctx, RoomNameKey{RoomID: roomID, SelfUserID: selfUserID})
}

// HeroesName names a room after its members, excluding self.
func HeroesName(members MemberSet, self string) string {
	others := make([]string, 0, len(members))
	for _, userID := range members {
		if userID != self {
			others = append(others, userID)
		}
	}
	switch len(others) {
	case 0:
		return ""
	case 1:
		return others[0]
	case 2:
		return others[0] + " and " + others[1]
	default:
		return fmt.Sprintf("%s, %s and %d others", others[0], others[1], len(others)-2)
	}
}

func contentField(field string) func(Document) string {
	return func(doc Document) string {
		v, _ := protocol.ContentString(doc, field)
		return v
	}
}

func (p *Projector) roomNameFlow(ctx context.Context, key RoomNameKey, stream *SharedStream[string]) error {
	name, err := p.SubscribeState(ctx, key.RoomID, protocol.EventTypeRoomName, "")
	if err != nil {
		return err
	}
	alias, err := p.SubscribeState(ctx, key.RoomID, protocol.EventTypeCanonicalAlias, "")
	if err != nil {
		name.Close()
		return err
	}
	members, err := p.SubscribeMembers(ctx, key.RoomID, protocol.MembershipJoin)
	if err != nil {
		name.Close()
		alias.Close()
		return err
	}

	sources := []<-chan string{
		mapChan(ctx, name.C(), contentField("name")),
		mapChan(ctx, alias.C(), contentField("alias")),
		mapChan(ctx, members.C(), func(m MemberSet) string { return HeroesName(m, key.SelfUserID) }),
	}
	first := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		defer members.Close()
		defer alias.Close()
		defer name.Close()
		emitted := false
		err := Coalesce(ctx, sources, func(s string) bool { return s != "" }, EmptyRoomName, func(v string) {
			stream.Emit(v)
			if !emitted {
				emitted = true
				close(first)
			}
		})
		if err != nil {
			p.logger.Warn().Err(err).Str("room_id", key.RoomID).Msg("room name sources ended")
		}
		done <- err
	}()

	select {
	case <-first:
		return nil
	case err := <-done:
		if err == nil {
			err = errors.New("projector: room name flow ended before its first value")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
