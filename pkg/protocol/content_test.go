package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentString(t *testing.T) {
	v, ok := ContentString(json.RawMessage(`{"name":"Lobby"}`), "name")
	require.True(t, ok)
	require.Equal(t, "Lobby", v)

	_, ok = ContentString(json.RawMessage(`{"name":42}`), "name")
	require.False(t, ok)

	_, ok = ContentString(json.RawMessage(`{"name":`), "name")
	require.False(t, ok)

	_, ok = ContentString(nil, "name")
	require.False(t, ok)
}

func TestMembership(t *testing.T) {
	ev := RoomEvent{
		Type:     EventTypeRoomMember,
		StateKey: StateKey("@alice:example.org"),
		Content:  json.RawMessage(`{"membership":"join","displayname":"Alice"}`),
	}
	require.Equal(t, MembershipJoin, Membership(ev))

	ev.Type = EventTypeRoomName
	require.Equal(t, "", Membership(ev))
}

func TestValidDocument(t *testing.T) {
	require.True(t, ValidDocument(json.RawMessage(`{}`)))
	require.False(t, ValidDocument(json.RawMessage(`[]`)))
	require.False(t, ValidDocument(json.RawMessage(`{`)))
}

func TestSyncPayloadRoomIDsSorted(t *testing.T) {
	p := &SyncPayload{Rooms: map[string]RoomUpdate{"!b": {}, "!a": {}, "!c": {}}}
	require.Equal(t, []string{"!a", "!b", "!c"}, p.RoomIDs())

	var nilPayload *SyncPayload
	require.Nil(t, nilPayload.RoomIDs())
}
