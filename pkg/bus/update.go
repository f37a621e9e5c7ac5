package bus

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/go-go-golems/roomsync/pkg/protocol"
)

type Kind string

const (
	// KindSync carries a whole committed sync payload.
	KindSync Kind = "sync"
	// KindState carries state events inserted by backward pagination.
	KindState Kind = "state"
	// KindMembers carries member events fetched by a lazy member load.
	KindMembers Kind = "members"
)

// Update is one message on the broadcast stream. It is only published after
// the transaction that produced it has committed.
type Update struct {
	Kind        Kind                  `json:"kind"`
	Sync        *protocol.SyncPayload `json:"sync,omitempty"`
	RoomID      string                `json:"room_id,omitempty"`
	StateEvents []protocol.RoomEvent  `json:"state_events,omitempty"`
	// Origin identifies the publisher of a members update so the projector
	// that already applied it can skip it.
	Origin string `json:"origin,omitempty"`
}

// Events flattens the update into the room events a projection might care
// about, in application order. Sync timeline events follow the room's state
// section; ephemeral and to-device events are not included.
func (u Update) Events() []protocol.RoomEvent {
	switch u.Kind {
	case KindSync:
		if u.Sync == nil {
			return nil
		}
		var out []protocol.RoomEvent
		for _, roomID := range u.Sync.RoomIDs() {
			room := u.Sync.Rooms[roomID]
			for _, ev := range room.State {
				out = append(out, ev.WithRoom(roomID))
			}
			for _, ev := range room.Timeline.Events {
				out = append(out, ev.WithRoom(roomID))
			}
		}
		return out
	case KindState, KindMembers:
		out := make([]protocol.RoomEvent, 0, len(u.StateEvents))
		for _, ev := range u.StateEvents {
			out = append(out, ev.WithRoom(u.RoomID))
		}
		return out
	}
	return nil
}

func (u Update) Validate() error {
	switch u.Kind {
	case KindSync:
		if u.Sync == nil {
			return errors.New("bus: sync update without payload")
		}
	case KindState, KindMembers:
		if u.RoomID == "" {
			return errors.Errorf("bus: %s update without room_id", u.Kind)
		}
	default:
		return errors.Errorf("bus: unknown update kind %q", u.Kind)
	}
	return nil
}

// encodable returns a copy of u in which every event document or room
// summary that is not valid JSON is replaced by null. Projections already
// read null as absent, and one broken field must not keep the rest of a
// committed update off the bus. u itself is not modified.
func (u Update) encodable() Update {
	out := u
	out.StateEvents = encodableEvents(u.StateEvents)
	if u.Sync == nil {
		return out
	}
	payload := *u.Sync
	payload.AccountData = encodableEvents(u.Sync.AccountData)
	payload.ToDevice = encodableEvents(u.Sync.ToDevice)
	if u.Sync.Rooms != nil {
		payload.Rooms = make(map[string]protocol.RoomUpdate, len(u.Sync.Rooms))
		for roomID, room := range u.Sync.Rooms {
			room.Summary = encodableDocument(room.Summary)
			room.Timeline.Events = encodableEvents(room.Timeline.Events)
			room.State = encodableEvents(room.State)
			room.AccountData = encodableEvents(room.AccountData)
			room.Ephemeral = encodableEvents(room.Ephemeral)
			payload.Rooms[roomID] = room
		}
	}
	out.Sync = &payload
	return out
}

func encodableEvents(events []protocol.RoomEvent) []protocol.RoomEvent {
	if events == nil {
		return nil
	}
	out := make([]protocol.RoomEvent, len(events))
	for i, ev := range events {
		ev.Content = encodableDocument(ev.Content)
		ev.Unsigned = encodableDocument(ev.Unsigned)
		ev.PrevContent = encodableDocument(ev.PrevContent)
		out[i] = ev
	}
	return out
}

var jsonNull = json.RawMessage("null")

func encodableDocument(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if !gjson.ValidBytes(raw) {
		return jsonNull
	}
	return raw
}

func decodeUpdate(payload []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return Update{}, errors.Wrap(err, "bus: decode update")
	}
	if err := u.Validate(); err != nil {
		return Update{}, err
	}
	return u, nil
}
