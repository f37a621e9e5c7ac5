// Package transporttest provides a scripted Transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/roomsync/pkg/protocol"
	"github.com/go-go-golems/roomsync/pkg/transport"
)

// MessagesCall records one Messages request.
type MessagesCall struct {
	RoomID string
	Token  string
	Dir    transport.Direction
	Limit  int
}

// Fake answers Messages from pages registered per (room, token) and Members
// from per-room lists. Hooks, when set, run before the answer is returned and
// may block to let tests interleave other work.
type Fake struct {
	mu           sync.Mutex
	pages        map[string]protocol.PaginationPage
	members      map[string][]protocol.RoomEvent
	calls        []MessagesCall
	memberCalls  int
	syncs        chan syncReply
	sinces       []string
	OnMessages   func(ctx context.Context, call MessagesCall) error
	OnMembers    func(ctx context.Context, roomID, membership string) error
	MembersError error
}

var (
	_ transport.Transport = (*Fake)(nil)
	_ transport.Syncer    = (*Fake)(nil)
)

type syncReply struct {
	payload *protocol.SyncPayload
	err     error
}

func New() *Fake {
	return &Fake{
		pages:   map[string]protocol.PaginationPage{},
		members: map[string][]protocol.RoomEvent{},
		syncs:   make(chan syncReply, 64),
	}
}

func pageKey(roomID, token string) string {
	return roomID + "\x00" + token
}

// AddPage registers the page answered for (roomID, token).
func (f *Fake) AddPage(roomID, token string, page protocol.PaginationPage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[pageKey(roomID, token)] = page
}

// SetMembers registers the member events answered for roomID.
func (f *Fake) SetMembers(roomID string, events []protocol.RoomEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[roomID] = events
}

func (f *Fake) Calls() []MessagesCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MessagesCall(nil), f.calls...)
}

func (f *Fake) MemberCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memberCalls
}

func (f *Fake) Messages(ctx context.Context, roomID, token string, dir transport.Direction, limit int) (protocol.PaginationPage, error) {
	call := MessagesCall{RoomID: roomID, Token: token, Dir: dir, Limit: limit}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	page, ok := f.pages[pageKey(roomID, token)]
	hook := f.OnMessages
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return protocol.PaginationPage{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return protocol.PaginationPage{}, err
	}
	if !ok {
		return protocol.PaginationPage{}, errors.Errorf("transporttest: no page for %s at %q", roomID, token)
	}
	if limit > 0 && len(page.Events) > limit {
		page.Events = page.Events[:limit]
	}
	return page, nil
}

func (f *Fake) Members(ctx context.Context, roomID, membership string) ([]protocol.RoomEvent, error) {
	f.mu.Lock()
	f.memberCalls++
	events := append([]protocol.RoomEvent(nil), f.members[roomID]...)
	hook := f.OnMembers
	failure := f.MembersError
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, roomID, membership); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	if membership == "" {
		return events, nil
	}
	out := make([]protocol.RoomEvent, 0, len(events))
	for _, ev := range events {
		if protocol.Membership(ev) == membership {
			out = append(out, ev)
		}
	}
	return out, nil
}

// QueueSync makes a later Sync call return payload.
func (f *Fake) QueueSync(payload *protocol.SyncPayload) {
	f.syncs <- syncReply{payload: payload}
}

// QueueSyncError makes a later Sync call fail with err.
func (f *Fake) QueueSyncError(err error) {
	f.syncs <- syncReply{err: err}
}

// Sinces lists the cursors Sync was called with.
func (f *Fake) Sinces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sinces...)
}

// Sync answers queued replies in order and blocks while none is queued.
func (f *Fake) Sync(ctx context.Context, since string) (*protocol.SyncPayload, error) {
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	f.mu.Unlock()
	select {
	case r := <-f.syncs:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
