package projector

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"

	"github.com/go-go-golems/roomsync/pkg/bus"
	"github.com/go-go-golems/roomsync/pkg/protocol"
)

// Document is a decoded-as-valid JSON object, or nil when the value is
// absent or could not be decoded.
type Document = json.RawMessage

type StateKey struct {
	RoomID   string
	Type     string
	StateKey string
}

// AccountDataKey addresses global account data when RoomID is empty.
type AccountDataKey struct {
	Type   string
	RoomID string
}

type MembersKey struct {
	RoomID     string
	Membership string
}

// MemberSet is a sorted list of user ids. Emitted sets are never mutated.
type MemberSet []string

func (s MemberSet) Contains(userID string) bool {
	i := sort.SearchStrings(s, userID)
	return i < len(s) && s[i] == userID
}

func document(content json.RawMessage) Document {
	if !protocol.ValidDocument(content) {
		return nil
	}
	return Document(append([]byte(nil), content...))
}

func sameDocument(a, b Document) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return bytes.Equal(a, b)
}

// SubscribeState follows the current state event content of (type, stateKey)
// in a room.
func (p *Projector) SubscribeState(ctx context.Context, roomID, eventType, stateKey string) (*Subscription[Document], error) {
	return p.state.Subscribe(ctx, StateKey{RoomID: roomID, Type: eventType, StateKey: stateKey})
}

// SubscribeAccountData follows an account data document; roomID "" selects
// global account data.
func (p *Projector) SubscribeAccountData(ctx context.Context, eventType, roomID string) (*Subscription[Document], error) {
	return p.accountData.Subscribe(ctx, AccountDataKey{Type: eventType, RoomID: roomID})
}

// SubscribeMembers follows the users of a room with the given membership,
// loading the full member list from the transport on first use.
func (p *Projector) SubscribeMembers(ctx context.Context, roomID, membership string) (*Subscription[MemberSet], error) {
	return p.members.Subscribe(ctx, MembersKey{RoomID: roomID, Membership: membership})
}

func matchesState(ev protocol.RoomEvent, key StateKey) bool {
	return ev.RoomID == key.RoomID && ev.Type == key.Type && ev.IsState() && *ev.StateKey == key.StateKey
}

func (p *Projector) stateFlow(ctx context.Context, key StateKey, stream *SharedStream[Document]) error {
	// known is set once any event for the key has been seen. Backfilled
	// state only fills a key nothing was known for, mirroring the store.
	known := false
	snapshot := func(ctx context.Context) (Document, error) {
		ev, found, err := p.store.LatestState(ctx, key.RoomID, key.Type, key.StateKey)
		if err != nil || !found {
			return nil, err
		}
		known = true
		return document(ev.Content), nil
	}
	fold := func(cur Document, u bus.Update) (Document, bool) {
		next := cur
		for _, ev := range u.Events() {
			if !matchesState(ev, key) {
				continue
			}
			if u.Kind != bus.KindSync && known {
				continue
			}
			known = true
			next = document(ev.Content)
		}
		return next, !sameDocument(cur, next)
	}
	return follow(ctx, p, stream, snapshot, fold)
}

func (p *Projector) accountDataFlow(ctx context.Context, key AccountDataKey, stream *SharedStream[Document]) error {
	snapshot := func(ctx context.Context) (Document, error) {
		content, found, err := p.store.AccountData(ctx, key.RoomID, key.Type)
		if err != nil || !found {
			return nil, err
		}
		return document(content), nil
	}
	fold := func(cur Document, u bus.Update) (Document, bool) {
		if u.Kind != bus.KindSync || u.Sync == nil {
			return cur, false
		}
		events := u.Sync.AccountData
		if key.RoomID != "" {
			events = u.Sync.Rooms[key.RoomID].AccountData
		}
		next := cur
		for _, ev := range events {
			if ev.Type == key.Type {
				next = document(ev.Content)
			}
		}
		return next, !sameDocument(cur, next)
	}
	return follow(ctx, p, stream, snapshot, fold)
}

func (p *Projector) membersFlow(ctx context.Context, key MembersKey, stream *SharedStream[MemberSet]) error {
	// seen holds every user whose membership is known, whatever its kind.
	seen := map[string]bool{}
	snapshot := func(ctx context.Context) (MemberSet, error) {
		if err := p.ensureMembers(ctx, key.RoomID, key.Membership); err != nil {
			return nil, err
		}
		events, err := p.store.StateEvents(ctx, key.RoomID, protocol.EventTypeRoomMember)
		if err != nil {
			return nil, err
		}
		set := MemberSet{}
		for _, ev := range events {
			userID := ev.StateKeyOrEmpty()
			seen[userID] = true
			if protocol.Membership(ev.RoomEvent) == key.Membership {
				set = append(set, userID)
			}
		}
		sort.Strings(set)
		return set, nil
	}
	fold := func(cur MemberSet, u bus.Update) (MemberSet, bool) {
		members := map[string]bool{}
		for _, userID := range cur {
			members[userID] = true
		}
		changed := false
		for _, ev := range u.Events() {
			if ev.RoomID != key.RoomID || ev.Type != protocol.EventTypeRoomMember || !ev.IsState() {
				continue
			}
			userID := *ev.StateKey
			if u.Kind != bus.KindSync && seen[userID] {
				continue
			}
			seen[userID] = true
			in := protocol.Membership(ev) == key.Membership
			if in != members[userID] {
				changed = true
				if in {
					members[userID] = true
				} else {
					delete(members, userID)
				}
			}
		}
		if !changed {
			return cur, false
		}
		next := make(MemberSet, 0, len(members))
		for userID := range members {
			next = append(next, userID)
		}
		sort.Strings(next)
		return next, true
	}
	return follow(ctx, p, stream, snapshot, fold)
}
