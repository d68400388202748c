package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/npezzotti/go-liveroom/internal/relay"
	"github.com/npezzotti/go-liveroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastFanout_DeliversToRoomOnly(t *testing.T) {
	e := newTestEngine(t)
	room := e.createRoom(t, "host")
	other := e.createRoom(t, "host")
	e.join(t, "c1", room.RoomId, "alice")
	e.join(t, "c2", room.RoomId, "bob")
	e.join(t, "c3", other.RoomId, "carol")

	report := e.Fanout.Broadcast(context.Background(), room.RoomId, types.Event{Type: types.EventCommentNew})
	assert.Equal(t, room.RoomId, report.RoomId)
	assert.Equal(t, 1, report.Events)
	assert.Equal(t, 2, report.Delivered)
	assert.Empty(t, report.Pruned)
	assert.Empty(t, report.Failed)

	assert.NotContains(t, e.sender.receivedTypes("c3"), types.EventCommentNew)
}

func TestBroadcastFanout_PrunesGoneConnections(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	room := e.createRoom(t, "host")
	e.join(t, "c1", room.RoomId, "alice")
	e.join(t, "c2", room.RoomId, "bob")
	e.join(t, "c3", room.RoomId, "carol")

	e.sender.fail("c2", fmt.Errorf("write: %w", ErrConnectionGone))
	e.sender.fail("c3", ErrConnectionGone)

	report := e.Fanout.Broadcast(ctx, room.RoomId, types.Event{Type: types.EventCommentNew, Seq: 100})
	assert.ElementsMatch(t, []string{"c2", "c3"}, report.Pruned)
	assert.Empty(t, report.Failed)
	// the event plus one user_left per pruned connection
	assert.Equal(t, 3, report.Events)
	assert.Equal(t, 3, report.Delivered)

	var left []types.Presence
	for _, ev := range e.sender.received("c1") {
		if ev.Type == types.EventUserLeft {
			left = append(left, ev.Data.(types.Presence))
		}
	}
	require.Len(t, left, 2)
	assert.ElementsMatch(t, []string{"bob", "carol"}, []string{left[0].UserName, left[1].UserName})

	ids, err := e.Connections.List(ctx, room.RoomId)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	// pruned connections are gone for good; a second broadcast prunes nothing
	report = e.Fanout.Broadcast(ctx, room.RoomId, types.Event{Type: types.EventCommentNew})
	assert.Empty(t, report.Pruned)
	assert.Equal(t, 1, report.Delivered)
}

func TestBroadcastFanout_TransientFailureKeepsConnection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	room := e.createRoom(t, "host")
	e.join(t, "c1", room.RoomId, "alice")
	e.join(t, "c2", room.RoomId, "bob")

	sendErr := errors.New("send queue full")
	e.sender.fail("c2", sendErr)

	report := e.Fanout.Broadcast(ctx, room.RoomId, types.Event{Type: types.EventCommentNew})
	assert.Empty(t, report.Pruned)
	assert.Equal(t, map[string]error{"c2": sendErr}, report.Failed)
	assert.Equal(t, 1, report.Delivered)

	n, err := e.Connections.Count(ctx, room.RoomId)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBroadcastFanout_MutationSucceedsWhenDeliveryFails(t *testing.T) {
	e := newTestEngine(t)
	room := e.createRoom(t, "host")
	e.join(t, "c1", room.RoomId, "alice")
	e.sender.fail("c1", ErrConnectionGone)

	comment := e.post(t, room.RoomId, "u1", "still saved")

	got, err := e.Comments.Get(context.Background(), comment.CommentId)
	require.NoError(t, err)
	assert.Equal(t, "still saved", got.Content)
}

// newTestCluster returns two instances sharing a store and a relay bus.
func newTestCluster(t *testing.T) (a, b *testEngine) {
	t.Helper()

	bus := relay.NewBus()
	a = newTestEngine(t, func(o *Options) {
		o.InstanceId = "instance-a"
		o.Relay = bus
	})
	b = a.peer(t, "instance-b", bus)
	bus.Subscribe(a.Fanout.Receive)
	bus.Subscribe(b.Fanout.Receive)
	return a, b
}

func TestBroadcastFanout_LeavesOtherInstancesConnectionsAlone(t *testing.T) {
	a := newTestEngine(t, func(o *Options) { o.InstanceId = "instance-a" })
	b := a.peer(t, "instance-b", nil)
	ctx := context.Background()

	room := a.createRoom(t, "host")
	a.join(t, "connA", room.RoomId, "alice")
	b.join(t, "connB", room.RoomId, "bob")

	// a hub only knows its own sockets
	a.sender.fail("connB", ErrConnectionGone)

	a.post(t, room.RoomId, "u1", "hello")

	n, err := a.Connections.Count(ctx, room.RoomId)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	conn, err := b.Connections.Get(ctx, "connB")
	require.NoError(t, err)
	assert.Equal(t, "instance-b", conn.InstanceId)

	report := a.Fanout.Broadcast(ctx, room.RoomId, types.Event{Type: types.EventCommentNew})
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, []string{"connB"}, report.Remote)
	assert.Empty(t, report.Pruned)
	assert.Zero(t, report.Relayed, "no relay configured")
	assert.NotContains(t, a.sender.receivedTypes("connA"), types.EventUserLeft)
}

func TestBroadcastFanout_RelaysToOtherInstances(t *testing.T) {
	a, b := newTestCluster(t)
	ctx := context.Background()

	room := a.createRoom(t, "host")
	a.join(t, "connA", room.RoomId, "alice")
	b.join(t, "connB", room.RoomId, "bob")

	// bob's join happened on b and still reached alice on a
	assert.Equal(t, []types.EventType{types.EventUserJoined, types.EventUserJoined}, a.sender.receivedTypes("connA"))

	comment := a.post(t, room.RoomId, "u1", "hello")

	got := b.sender.received("connB")
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, types.EventCommentNew, last.Type)
	assert.Equal(t, room.RoomId, last.RoomId)
	assert.Equal(t, a.sender.received("connA")[2].Seq, last.Seq)
	assert.Equal(t, comment.CommentId, last.Data.(map[string]any)["commentId"])

	// each instance only writes to its own sockets
	assert.Empty(t, a.sender.received("connB"))
	assert.Empty(t, b.sender.received("connA"))

	report := a.Fanout.Broadcast(ctx, room.RoomId, types.Event{Type: types.EventLikeUpdated})
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Relayed)
	assert.Equal(t, []string{"connB"}, report.Remote)
}

func TestBroadcastFanout_OwnerPrunesAndRelaysLeave(t *testing.T) {
	a, b := newTestCluster(t)
	ctx := context.Background()

	room := a.createRoom(t, "host")
	a.join(t, "connA", room.RoomId, "alice")
	b.join(t, "connB", room.RoomId, "bob")
	b.sender.fail("connB", ErrConnectionGone)

	a.post(t, room.RoomId, "u1", "hello")

	_, err := a.Connections.Get(ctx, "connB")
	assert.ErrorIs(t, err, ErrNotFound, "b pruned its dead connection")

	seen := a.sender.receivedTypes("connA")
	require.NotEmpty(t, seen)
	assert.Equal(t, types.EventUserLeft, seen[len(seen)-1])

	n, err := a.Connections.Count(ctx, room.RoomId)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRoomRegistry_CloseDisconnectsEveryInstance(t *testing.T) {
	a, b := newTestCluster(t)
	ctx := context.Background()

	room := a.createRoom(t, "host")
	a.join(t, "connA", room.RoomId, "alice")
	b.join(t, "connB", room.RoomId, "bob")

	require.NoError(t, a.Rooms.Close(ctx, room.RoomId, "host"))

	assert.Contains(t, b.sender.receivedTypes("connB"), types.EventRoomClosing)
	assert.Contains(t, a.sender.disconnected, "connA")
	assert.Contains(t, b.sender.disconnected, "connB")
}
