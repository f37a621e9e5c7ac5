// Package transport is the boundary to the network collaborator that talks to
// the homeserver. roomsync never implements it; callers pass their own.
package transport

import (
	"context"

	"github.com/go-go-golems/roomsync/pkg/protocol"
)

type Direction string

const (
	Backward Direction = "b"
	Forward  Direction = "f"
)

// Transport fetches history pages and member lists on demand.
type Transport interface {
	// Messages returns up to limit events starting at token in dir. Events are
	// ordered from the token outwards, so newest first for Backward.
	Messages(ctx context.Context, roomID, token string, dir Direction, limit int) (protocol.PaginationPage, error)
	// Members returns the m.room.member state events of a room with the given
	// membership. An empty membership returns every member event.
	Members(ctx context.Context, roomID, membership string) ([]protocol.RoomEvent, error)
}

// Syncer long-polls the server for everything that changed after since.
// An empty since asks for the initial sync.
type Syncer interface {
	Sync(ctx context.Context, since string) (*protocol.SyncPayload, error)
}
