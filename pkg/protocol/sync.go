package protocol

import (
	"encoding/json"
	"sort"
)

// SyncPayload is one incremental sync response as delivered by the transport.
type SyncPayload struct {
	NextBatch   string                `json:"next_batch"`
	Rooms       map[string]RoomUpdate `json:"rooms,omitempty"`
	AccountData []RoomEvent           `json:"account_data,omitempty"`
	ToDevice    []RoomEvent           `json:"to_device,omitempty"`
	DeviceLists *DeviceListChanges    `json:"device_lists,omitempty"`
}

// RoomUpdate carries everything new for a single room in a sync response.
type RoomUpdate struct {
	Membership  string          `json:"membership,omitempty"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	Timeline    RoomTimeline    `json:"timeline"`
	State       []RoomEvent     `json:"state,omitempty"`
	AccountData []RoomEvent     `json:"account_data,omitempty"`
	Ephemeral   []RoomEvent     `json:"ephemeral,omitempty"`
}

// RoomTimeline is the timeline section of a room update, oldest event first.
// Limited marks a discontinuity between the previous live edge and Events.
type RoomTimeline struct {
	Events    []RoomEvent `json:"events,omitempty"`
	Limited   bool        `json:"limited,omitempty"`
	PrevBatch string      `json:"prev_batch,omitempty"`
}

// DeviceListChanges lists users whose device lists changed or who no longer
// share a room with us.
type DeviceListChanges struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// PaginationPage is one backward pagination response. Events are ordered
// newest first; End is the token for the next older page and is empty once
// the start of the room has been reached.
type PaginationPage struct {
	Events []RoomEvent `json:"chunk"`
	State  []RoomEvent `json:"state,omitempty"`
	End    string      `json:"end,omitempty"`
}

// RoomIDs returns the rooms in the payload in a stable order.
func (p *SyncPayload) RoomIDs() []string {
	if p == nil {
		return nil
	}
	ids := make([]string, 0, len(p.Rooms))
	for id := range p.Rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
