package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/roomsync/pkg/bus"
	"github.com/go-go-golems/roomsync/pkg/ingest"
	"github.com/go-go-golems/roomsync/pkg/persistence/roomstore"
	"github.com/go-go-golems/roomsync/pkg/protocol"
	"github.com/go-go-golems/roomsync/pkg/stitch"
	"github.com/go-go-golems/roomsync/pkg/transport/transporttest"
)

const room = "!r"

type fixture struct {
	store     *roomstore.Store
	bus       *bus.Bus
	fake      *transporttest.Fake
	ingestor  *ingest.Ingestor
	projector *Projector
	cursor    string
	batch     int
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dsn, err := roomstore.SQLiteDSNForFile(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	store, err := roomstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := bus.New(bus.DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	in, err := ingest.New(store, ingest.WithPublisher(b))
	require.NoError(t, err)
	fake := transporttest.New()

	opts = append([]Option{WithTransport(fake)}, opts...)
	p, err := New(store, b, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Close)

	return &fixture{store: store, bus: b, fake: fake, ingestor: in, projector: p}
}

func (f *fixture) sync(t *testing.T, update protocol.RoomUpdate) {
	t.Helper()
	f.syncPayload(t, &protocol.SyncPayload{Rooms: map[string]protocol.RoomUpdate{room: update}})
}

// syncPayload applies payload as the next sync response.
func (f *fixture) syncPayload(t *testing.T, payload *protocol.SyncPayload) {
	t.Helper()
	require.NoError(t, f.apply(payload))
}

func (f *fixture) apply(payload *protocol.SyncPayload) error {
	f.batch++
	payload.NextBatch = fmt.Sprintf("s%d", f.batch)
	res, err := f.ingestor.Apply(context.Background(), payload, f.cursor)
	if err != nil {
		return err
	}
	if res.Status != ingest.Applied {
		return fmt.Errorf("sync %s not applied: %v", payload.NextBatch, res.Status)
	}
	f.cursor = payload.NextBatch
	return nil
}

// blockMembers makes member fetches wait until the returned release func is
// called or their ctx ends. started receives once per fetch.
func (f *fixture) blockMembers() (started <-chan struct{}, release func()) {
	ch := make(chan struct{}, 8)
	gate := make(chan struct{})
	f.fake.OnMembers = func(ctx context.Context, roomID, membership string) error {
		ch <- struct{}{}
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var once sync.Once
	return ch, func() { once.Do(func() { close(gate) }) }
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

type memberSub struct {
	sub *Subscription[MemberSet]
	err error
}

func stateEvent(id, eventType, stateKey, content string) protocol.RoomEvent {
	return protocol.RoomEvent{
		EventID:  id,
		Type:     eventType,
		StateKey: protocol.StateKey(stateKey),
		Sender:   "@me:x",
		Content:  json.RawMessage(content),
	}
}

func member(id, userID, membership string) protocol.RoomEvent {
	return stateEvent(id, protocol.EventTypeRoomMember, userID, fmt.Sprintf(`{"membership":%q}`, membership))
}

func isDoc(want string) func(Document) bool {
	return func(d Document) bool { return string(d) == want }
}

func TestProjector_RequiresStart(t *testing.T) {
	dsn, err := roomstore.SQLiteDSNForFile(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	store, err := roomstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer store.Close()
	b, err := bus.New(bus.DefaultSettings())
	require.NoError(t, err)
	defer b.Close()

	p, err := New(store, b)
	require.NoError(t, err)
	defer p.Close()
	_, err = p.SubscribeState(context.Background(), room, protocol.EventTypeRoomName, "")
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestProjector_StateFollowsSync(t *testing.T) {
	f := newFixture(t)
	f.sync(t, protocol.RoomUpdate{
		Membership: protocol.MembershipJoin,
		State:      []protocol.RoomEvent{stateEvent("$n1", protocol.EventTypeRoomName, "", `{"name":"Ops"}`)},
	})

	sub, err := f.projector.SubscribeState(context.Background(), room, protocol.EventTypeRoomName, "")
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, `{"name":"Ops"}`, string(receive(t, sub)))

	f.sync(t, protocol.RoomUpdate{Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
		stateEvent("$n2", protocol.EventTypeRoomName, "", `{"name":"Ops 2"}`),
	}}})
	awaitValue(t, sub, isDoc(`{"name":"Ops 2"}`))

	// Content that is not a JSON object reads as absent rather than failing the view.
	f.sync(t, protocol.RoomUpdate{Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
		stateEvent("$n3", protocol.EventTypeRoomName, "", `"not an object"`),
	}}})
	awaitValue(t, sub, func(d Document) bool { return d == nil })

	// Other keys leave the view alone.
	f.sync(t, protocol.RoomUpdate{Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
		stateEvent("$t1", "m.room.topic", "", `{"topic":"x"}`),
	}}})
	requireQuiet(t, sub)
}

func TestProjector_SharedViews(t *testing.T) {
	f := newFixture(t)
	f.sync(t, protocol.RoomUpdate{
		State: []protocol.RoomEvent{stateEvent("$n1", protocol.EventTypeRoomName, "", `{"name":"Ops"}`)},
	})

	a, err := f.projector.SubscribeState(context.Background(), room, protocol.EventTypeRoomName, "")
	require.NoError(t, err)
	defer a.Close()
	b, err := f.projector.SubscribeState(context.Background(), room, protocol.EventTypeRoomName, "")
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, 1, f.projector.state.Len())
	require.Equal(t, `{"name":"Ops"}`, string(receive(t, a)))
	require.Equal(t, `{"name":"Ops"}`, string(receive(t, b)))
}

func TestProjector_AccountData(t *testing.T) {
	f := newFixture(t)
	global, err := f.projector.SubscribeAccountData(context.Background(), "m.push_rules", "")
	require.NoError(t, err)
	defer global.Close()
	require.Nil(t, receive(t, global))

	perRoom, err := f.projector.SubscribeAccountData(context.Background(), "m.tag", room)
	require.NoError(t, err)
	defer perRoom.Close()
	require.Nil(t, receive(t, perRoom))

	_, err = f.ingestor.Apply(context.Background(), &protocol.SyncPayload{
		NextBatch:   "s1",
		AccountData: []protocol.RoomEvent{{Type: "m.push_rules", Content: json.RawMessage(`{"global":{}}`)}},
		Rooms: map[string]protocol.RoomUpdate{room: {
			AccountData: []protocol.RoomEvent{{Type: "m.tag", Content: json.RawMessage(`{"tags":{"work":{}}}`)}},
		}},
	}, "")
	require.NoError(t, err)

	awaitValue(t, global, isDoc(`{"global":{}}`))
	awaitValue(t, perRoom, isDoc(`{"tags":{"work":{}}}`))
}

func TestProjector_LazyMembers(t *testing.T) {
	f := newFixture(t)
	f.sync(t, protocol.RoomUpdate{
		Membership: protocol.MembershipJoin,
		State:      []protocol.RoomEvent{member("$m-me", "@me:x", protocol.MembershipJoin)},
	})
	f.fake.SetMembers(room, []protocol.RoomEvent{
		member("$m-me", "@me:x", protocol.MembershipJoin),
		member("$m-alice", "@alice:x", protocol.MembershipJoin),
		member("$m-bob", "@bob:x", protocol.MembershipInvite),
	})

	ctx := context.Background()
	state, err := f.projector.MemberLoadState(ctx, room, protocol.MembershipJoin)
	require.NoError(t, err)
	require.Equal(t, StateUnknown, state)

	raw, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)

	joined, err := f.projector.SubscribeMembers(ctx, room, protocol.MembershipJoin)
	require.NoError(t, err)
	defer joined.Close()
	require.Equal(t, MemberSet{"@alice:x", "@me:x"}, receive(t, joined))
	require.Equal(t, 1, f.fake.MemberCalls())

	state, err = f.projector.MemberLoadState(ctx, room, protocol.MembershipJoin)
	require.NoError(t, err)
	require.Equal(t, Loaded, state)

	// The loaded events are republished tagged with this projector's origin.
	select {
	case u := <-raw:
		require.Equal(t, bus.KindMembers, u.Kind)
		require.Equal(t, f.projector.Origin(), u.Origin)
		require.Len(t, u.StateEvents, 1)
		require.Equal(t, "$m-alice", u.StateEvents[0].EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("members update was not republished")
	}

	// A second view of the same membership does not fetch again.
	again, err := f.projector.SubscribeMembers(ctx, room, protocol.MembershipJoin)
	require.NoError(t, err)
	defer again.Close()
	require.Equal(t, MemberSet{"@alice:x", "@me:x"}, receive(t, again))
	require.Equal(t, 1, f.fake.MemberCalls())

	f.sync(t, protocol.RoomUpdate{Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
		member("$m-carol", "@carol:x", protocol.MembershipJoin),
		member("$m-alice-2", "@alice:x", protocol.MembershipLeave),
	}}})
	awaitValue(t, joined, func(s MemberSet) bool {
		return len(s) == 2 && s.Contains("@carol:x") && s.Contains("@me:x")
	})
}

func TestProjector_LazyMembersLoadOncePerStore(t *testing.T) {
	f := newFixture(t, WithGrace(0))
	f.fake.SetMembers(room, []protocol.RoomEvent{member("$m-alice", "@alice:x", protocol.MembershipJoin)})

	sub, err := f.projector.SubscribeMembers(context.Background(), room, protocol.MembershipJoin)
	require.NoError(t, err)
	require.Equal(t, MemberSet{"@alice:x"}, receive(t, sub))
	sub.Close()
	require.Eventually(t, func() bool { return f.projector.members.Len() == 0 }, time.Second, 5*time.Millisecond)

	sub, err = f.projector.SubscribeMembers(context.Background(), room, protocol.MembershipJoin)
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, MemberSet{"@alice:x"}, receive(t, sub))
	require.Equal(t, 1, f.fake.MemberCalls())
}

func TestProjector_LazyMembersDisabled(t *testing.T) {
	f := newFixture(t, WithLazyMembers(false))
	f.fake.SetMembers(room, []protocol.RoomEvent{member("$m-alice", "@alice:x", protocol.MembershipJoin)})

	sub, err := f.projector.SubscribeMembers(context.Background(), room, protocol.MembershipJoin)
	require.NoError(t, err)
	defer sub.Close()
	require.Empty(t, receive(t, sub))
	require.Equal(t, 0, f.fake.MemberCalls())
}

func TestProjector_RoomNameFallback(t *testing.T) {
	f := newFixture(t)
	f.sync(t, protocol.RoomUpdate{
		Membership: protocol.MembershipJoin,
		State: []protocol.RoomEvent{
			stateEvent("$a1", protocol.EventTypeCanonicalAlias, "", `{"alias":"#ops:x"}`),
			member("$m-me", "@me:x", protocol.MembershipJoin),
			member("$m-alice", "@alice:x", protocol.MembershipJoin),
		},
	})

	sub, err := f.projector.SubscribeRoomName(context.Background(), room, "@me:x")
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, "#ops:x", receive(t, sub))

	f.sync(t, protocol.RoomUpdate{Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
		stateEvent("$n1", protocol.EventTypeRoomName, "", `{"name":"Ops"}`),
	}}})
	awaitValue(t, sub, func(s string) bool { return s == "Ops" })

	f.sync(t, protocol.RoomUpdate{Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
		stateEvent("$n2", protocol.EventTypeRoomName, "", `{"name":""}`),
		stateEvent("$a2", protocol.EventTypeCanonicalAlias, "", `{}`),
	}}})
	awaitValue(t, sub, func(s string) bool { return s == "@alice:x" })

	f.sync(t, protocol.RoomUpdate{Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
		member("$m-alice-2", "@alice:x", protocol.MembershipLeave),
	}}})
	awaitValue(t, sub, func(s string) bool { return s == EmptyRoomName })
}

func TestProjector_BackfilledStateOnlyFillsUnknownKeys(t *testing.T) {
	f := newFixture(t)
	s, err := stitch.New(f.store, f.fake, stitch.WithPublisher(f.bus))
	require.NoError(t, err)

	f.sync(t, protocol.RoomUpdate{Timeline: protocol.RoomTimeline{
		Limited:   true,
		PrevBatch: "t1",
		Events: []protocol.RoomEvent{
			stateEvent("$n2", protocol.EventTypeRoomName, "", `{"name":"New"}`),
		},
	}})

	name, err := f.projector.SubscribeState(context.Background(), room, protocol.EventTypeRoomName, "")
	require.NoError(t, err)
	defer name.Close()
	require.Equal(t, `{"name":"New"}`, string(receive(t, name)))

	topic, err := f.projector.SubscribeState(context.Background(), room, "m.room.topic", "")
	require.NoError(t, err)
	defer topic.Close()
	require.Nil(t, receive(t, topic))

	f.fake.AddPage(room, "t1", protocol.PaginationPage{Events: []protocol.RoomEvent{
		stateEvent("$n1", protocol.EventTypeRoomName, "", `{"name":"Old"}`),
		stateEvent("$t1", "m.room.topic", "", `{"topic":"history"}`),
	}})
	res, err := s.ExtendBackward(context.Background(), room, "$n2", 10)
	require.NoError(t, err)
	require.True(t, res.Exhausted)
	require.Len(t, res.StateEvents, 2)

	awaitValue(t, topic, isDoc(`{"topic":"history"}`))
	requireQuiet(t, name)

	latest, found, err := f.store.LatestState(context.Background(), room, protocol.EventTypeRoomName, "")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "$n2", latest.EventID)
}

func TestProjector_PendingMemberFetchDoesNotStallOtherRooms(t *testing.T) {
	f := newFixture(t)
	f.fake.SetMembers(room, []protocol.RoomEvent{member("$m-alice", "@alice:x", protocol.MembershipJoin)})
	started, release := f.blockMembers()
	defer release()

	ctx := context.Background()
	other, err := f.projector.SubscribeState(ctx, "!other", protocol.EventTypeRoomName, "")
	require.NoError(t, err)
	defer other.Close()
	require.Nil(t, receive(t, other))

	loaded := make(chan memberSub, 1)
	go func() {
		sub, err := f.projector.SubscribeMembers(ctx, room, protocol.MembershipJoin)
		loaded <- memberSub{sub: sub, err: err}
	}()
	waitFor(t, started, "member fetch")

	// Far more syncs than the bus and listener buffers hold.
	const syncs = 300
	applied := make(chan error, 1)
	go func() {
		for i := 1; i <= syncs; i++ {
			err := f.apply(&protocol.SyncPayload{Rooms: map[string]protocol.RoomUpdate{"!other": {
				Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
					stateEvent(fmt.Sprintf("$o%d", i), protocol.EventTypeRoomName, "", fmt.Sprintf(`{"name":"n%d"}`, i)),
				}},
			}}})
			if err != nil {
				applied <- err
				return
			}
		}
		applied <- nil
	}()

	awaitValue(t, other, isDoc(fmt.Sprintf(`{"name":"n%d"}`, syncs)))
	select {
	case err := <-applied:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("sync ingestion stalled behind a member fetch")
	}

	state, err := f.projector.MemberLoadState(ctx, room, protocol.MembershipJoin)
	require.NoError(t, err)
	require.Equal(t, Loading, state)

	release()
	var res memberSub
	select {
	case res = <-loaded:
	case <-time.After(2 * time.Second):
		t.Fatal("member subscription did not complete")
	}
	require.NoError(t, res.err)
	defer res.sub.Close()
	require.Equal(t, MemberSet{"@alice:x"}, receive(t, res.sub))
}

func TestProjector_DetachCancelsMemberFetch(t *testing.T) {
	f := newFixture(t)
	f.fake.SetMembers(room, []protocol.RoomEvent{member("$m-alice", "@alice:x", protocol.MembershipJoin)})
	started := make(chan struct{}, 1)
	cancelled := make(chan struct{})
	f.fake.OnMembers = func(ctx context.Context, roomID, membership string) error {
		started <- struct{}{}
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := f.projector.SubscribeMembers(ctx, room, protocol.MembershipJoin)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	waitFor(t, started, "member fetch")
	waitFor(t, cancelled, "member fetch cancellation")

	require.Eventually(t, func() bool {
		state, err := f.projector.MemberLoadState(context.Background(), room, protocol.MembershipJoin)
		return err == nil && state == StateUnknown
	}, 2*time.Second, 5*time.Millisecond)
	loaded, err := f.store.MembersLoaded(context.Background(), room, protocol.MembershipJoin)
	require.NoError(t, err)
	require.False(t, loaded)

	// A later subscriber fetches again.
	f.fake.OnMembers = nil
	sub, err := f.projector.SubscribeMembers(context.Background(), room, protocol.MembershipJoin)
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, MemberSet{"@alice:x"}, receive(t, sub))
	require.Equal(t, 2, f.fake.MemberCalls())
}

func TestProjector_LiveMemberDeltaWinsOverPendingFetch(t *testing.T) {
	f := newFixture(t)
	f.fake.SetMembers(room, []protocol.RoomEvent{
		member("$m-alice", "@alice:x", protocol.MembershipJoin),
		member("$m-bob", "@bob:x", protocol.MembershipJoin),
	})
	started, release := f.blockMembers()
	defer release()

	ctx := context.Background()
	loaded := make(chan memberSub, 1)
	go func() {
		sub, err := f.projector.SubscribeMembers(ctx, room, protocol.MembershipJoin)
		loaded <- memberSub{sub: sub, err: err}
	}()
	waitFor(t, started, "member fetch")

	// Alice leaves while the older member list is still in flight.
	f.sync(t, protocol.RoomUpdate{Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
		member("$m-alice-2", "@alice:x", protocol.MembershipLeave),
	}}})
	release()

	var res memberSub
	select {
	case res = <-loaded:
	case <-time.After(2 * time.Second):
		t.Fatal("member subscription did not complete")
	}
	require.NoError(t, res.err)
	defer res.sub.Close()

	f.sync(t, protocol.RoomUpdate{Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
		member("$m-carol", "@carol:x", protocol.MembershipJoin),
	}}})
	awaitValue(t, res.sub, func(s MemberSet) bool {
		require.False(t, s.Contains("@alice:x"), "fetched join overtook the live leave: %v", s)
		return s.Contains("@bob:x") && s.Contains("@carol:x")
	})

	latest, found, err := f.store.LatestState(ctx, room, protocol.EventTypeRoomMember, "@alice:x")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "$m-alice-2", latest.EventID)
}

func TestProjector_MalformedDocumentDoesNotDropSync(t *testing.T) {
	f := newFixture(t)
	name, err := f.projector.SubscribeState(context.Background(), room, protocol.EventTypeRoomName, "")
	require.NoError(t, err)
	defer name.Close()
	require.Nil(t, receive(t, name))

	direct, err := f.projector.SubscribeAccountData(context.Background(), "m.direct", "")
	require.NoError(t, err)
	defer direct.Close()
	require.Nil(t, receive(t, direct))

	f.syncPayload(t, &protocol.SyncPayload{
		AccountData: []protocol.RoomEvent{{Type: "m.direct", Content: json.RawMessage(`{"broken":`)}},
		Rooms: map[string]protocol.RoomUpdate{room: {
			Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
				stateEvent("$n1", protocol.EventTypeRoomName, "", `{"name":"Ops"}`),
			}},
		}},
	})
	awaitValue(t, name, isDoc(`{"name":"Ops"}`))
	requireQuiet(t, direct)

	f.syncPayload(t, &protocol.SyncPayload{
		AccountData: []protocol.RoomEvent{{Type: "m.direct", Content: json.RawMessage(`{"@alice:x":["!r"]}`)}},
	})
	awaitValue(t, direct, isDoc(`{"@alice:x":["!r"]}`))
}

func TestProjector_ReplayedSyncsConvergeOnLatest(t *testing.T) {
	f := newFixture(t)
	const syncs = 50
	applied := make(chan error, 1)
	go func() {
		for i := 1; i <= syncs; i++ {
			err := f.apply(&protocol.SyncPayload{Rooms: map[string]protocol.RoomUpdate{room: {
				Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
					stateEvent(fmt.Sprintf("$n%d", i), protocol.EventTypeRoomName, "", fmt.Sprintf(`{"name":"n%d"}`, i)),
				}},
			}}})
			if err != nil {
				applied <- err
				return
			}
		}
		applied <- nil
	}()

	// Subscribing while syncs are in flight may replay deltas the snapshot
	// already covers; the view still ends on the newest name.
	sub, err := f.projector.SubscribeState(context.Background(), room, protocol.EventTypeRoomName, "")
	require.NoError(t, err)
	defer sub.Close()
	select {
	case err := <-applied:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("syncs did not finish")
	}

	// Committed after the snapshot, so it is the last delta the view folds.
	f.sync(t, protocol.RoomUpdate{Timeline: protocol.RoomTimeline{Events: []protocol.RoomEvent{
		stateEvent("$final", protocol.EventTypeRoomName, "", `{"name":"final"}`),
	}}})
	awaitValue(t, sub, isDoc(`{"name":"final"}`))
	requireQuiet(t, sub)
}
