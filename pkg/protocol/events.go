package protocol

import (
	"encoding/json"
)

// Event types the store and projections interpret. Everything else is opaque.
const (
	EventTypeRoomName       = "m.room.name"
	EventTypeCanonicalAlias = "m.room.canonical_alias"
	EventTypeRoomMember     = "m.room.member"
	EventTypeTyping         = "m.typing"
	EventTypeReceipt        = "m.receipt"
)

// Membership kinds carried in m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// RoomEvent is one protocol event attached to a room. (RoomID, EventID) is unique.
type RoomEvent struct {
	RoomID         string          `json:"room_id"`
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content,omitempty"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	PrevContent    json.RawMessage `json:"prev_content,omitempty"`
}

// IsState reports whether the event carries a state key.
func (e RoomEvent) IsState() bool {
	return e.StateKey != nil
}

// StateKeyOrEmpty returns the state key, or "" for non-state events.
func (e RoomEvent) StateKeyOrEmpty() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// WithRoom returns a copy of the event with RoomID set when it is missing.
// Sync payloads omit room_id on events nested under their room.
func (e RoomEvent) WithRoom(roomID string) RoomEvent {
	if e.RoomID == "" {
		e.RoomID = roomID
	}
	return e
}

// StateKey is a convenience for building state events in code and tests.
func StateKey(s string) *string {
	return &s
}

// TimelinePosition locates an event in a room's visible timeline.
// Segment 0 is the live edge, higher segments are older; Order 1 is the
// oldest event of a segment.
type TimelinePosition struct {
	Segment int64 `json:"segment"`
	Order   int64 `json:"order"`
}
