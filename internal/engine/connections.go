package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-liveroom/internal/stats"
	"github.com/npezzotti/go-liveroom/internal/store"
	"github.com/npezzotti/go-liveroom/internal/types"
	"github.com/samber/lo"
)

const maxUserNameLength = 50

// ConnectionRegistry tracks which push connections are attached to which
// room. A connection joins exactly one room for its whole lifetime.
type ConnectionRegistry struct {
	store      store.Store
	log        *log.Logger
	stats      stats.StatsProvider
	now        func() time.Time
	ttl        time.Duration
	instanceId string
	fanout     *BroadcastFanout
}

// member is the value of a room's connection index entry. It carries enough
// to fan out and tear down without loading every connection record.
type member struct {
	ConnectionId string `json:"-"`
	UserName     string `json:"userName"`
	InstanceId   string `json:"instanceId"`
}

func (c *ConnectionRegistry) Register(ctx context.Context, connectionId, roomId, userId, userName string) (types.Connection, error) {
	userName = strings.TrimSpace(userName)
	switch {
	case !validId(connectionId):
		return types.Connection{}, validationErr("connectionId is malformed")
	case !validId(userId):
		return types.Connection{}, validationErr("userId is malformed")
	case roomId == "":
		return types.Connection{}, validationErr("roomId is required")
	case userName == "":
		return types.Connection{}, validationErr("userName is required")
	case utf8.RuneCountInString(userName) > maxUserNameLength:
		return types.Connection{}, validationErr("userName cannot exceed %d characters", maxUserNameLength)
	}

	var (
		conn  types.Connection
		count int
	)
	err := c.store.Update(ctx, func(txn store.Txn) error {
		room, err := loadActiveRoom(txn, roomId)
		if err != nil {
			return err
		}

		exists, err := store.Exists(txn, connKey(connectionId))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: connection already joined a room", ErrConflict)
		}

		owner, err := txn.Get(roomNameKey(roomId, userName))
		switch {
		case err == nil && string(owner) != connectionId:
			return fmt.Errorf("%w: userName %q is already in use", ErrConflict, userName)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}

		live, err := countConnections(txn, roomId)
		if err != nil {
			return err
		}

		seq, err := nextSeq(txn, room)
		if err != nil {
			return err
		}

		now := c.now()
		conn = types.Connection{
			ConnectionId: connectionId,
			RoomId:       roomId,
			UserId:       userId,
			UserName:     userName,
			InstanceId:   c.instanceId,
			ConnectedAt:  now,
			ExpiresAt:    minTime(now.Add(c.ttl), room.ExpiresAt),
			JoinSeq:      seq,
		}
		count = live + 1

		if err := store.SetValue(txn, connKey(connectionId), conn, conn.ExpiresAt); err != nil {
			return err
		}
		m := member{UserName: userName, InstanceId: c.instanceId}
		if err := store.SetValue(txn, roomConnKey(roomId, connectionId), m, conn.ExpiresAt); err != nil {
			return err
		}
		return txn.Set(roomNameKey(roomId, userName), []byte(connectionId), conn.ExpiresAt)
	})
	if err != nil {
		return types.Connection{}, storeErr("register connection", err)
	}

	c.stats.Incr(stats.ActiveConnections)
	c.fanout.publish(context.WithoutCancel(ctx), newEvent(types.EventUserJoined, roomId, conn.JoinSeq, c.now(),
		types.Presence{UserName: userName, UserCount: count}))

	return conn, nil
}

// Deregister removes a connection. Removing an unknown connection is a no-op
// and reports false; user_left is only emitted when something was removed.
func (c *ConnectionRegistry) Deregister(ctx context.Context, connectionId string) (bool, error) {
	left, removed, err := c.remove(ctx, connectionId)
	if err != nil || !removed {
		return false, err
	}

	if left.Seq != 0 {
		c.fanout.publish(context.WithoutCancel(ctx), left)
	}
	return true, nil
}

// remove deletes the connection records and returns the user_left event
// describing the removal without broadcasting it.
func (c *ConnectionRegistry) remove(ctx context.Context, connectionId string) (types.Event, bool, error) {
	var (
		conn    types.Connection
		removed bool
		seq     uint64
		count   int
	)
	err := c.store.Update(ctx, func(txn store.Txn) error {
		removed, seq, count = false, 0, 0

		if err := store.GetValue(txn, connKey(connectionId), &conn); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}

		if err := deleteConnection(txn, conn.RoomId, connectionId, conn.UserName); err != nil {
			return err
		}
		removed = true

		room, err := loadActiveRoom(txn, conn.RoomId)
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrGone) {
				// nobody left to tell
				return nil
			}
			return err
		}

		if count, err = countConnections(txn, conn.RoomId); err != nil {
			return err
		}
		seq, err = nextSeq(txn, room)
		return err
	})
	if err != nil {
		return types.Event{}, false, storeErr("deregister connection", err)
	}
	if !removed {
		return types.Event{}, false, nil
	}

	c.stats.Decr(stats.ActiveConnections)
	return newEvent(types.EventUserLeft, conn.RoomId, seq, c.now(),
		types.Presence{UserName: conn.UserName, UserCount: count}), true, nil
}

func deleteConnection(txn store.Txn, roomId, connectionId, userName string) error {
	if err := txn.Delete(connKey(connectionId)); err != nil {
		return err
	}
	if err := txn.Delete(roomConnKey(roomId, connectionId)); err != nil {
		return err
	}

	// only release the name if this connection still holds it
	nameKey := roomNameKey(roomId, userName)
	owner, err := txn.Get(nameKey)
	switch {
	case err == nil && string(owner) == connectionId:
		return txn.Delete(nameKey)
	case err == nil, errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (c *ConnectionRegistry) Get(ctx context.Context, connectionId string) (types.Connection, error) {
	var conn types.Connection
	err := c.store.View(ctx, func(txn store.Txn) error {
		err := store.GetValue(txn, connKey(connectionId), &conn)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	})
	return conn, storeErr("get connection", err)
}

// List returns a snapshot of the live connection ids of a room. Entries may
// be stale; delivery failures tell the fan-out which ones to prune.
func (c *ConnectionRegistry) List(ctx context.Context, roomId string) ([]string, error) {
	members, err := c.members(ctx, roomId)
	if err != nil {
		return nil, err
	}
	return lo.Map(members, func(m member, _ int) string { return m.ConnectionId }), nil
}

func (c *ConnectionRegistry) members(ctx context.Context, roomId string) ([]member, error) {
	var members []member
	err := c.store.View(ctx, func(txn store.Txn) error {
		var err error
		members, err = scanMembers(txn, roomId)
		return err
	})
	return members, storeErr("list connections", err)
}

func scanMembers(txn store.Txn, roomId string) ([]member, error) {
	var members []member
	prefix := roomConnPrefix(roomId)
	err := txn.Scan(prefix, store.ScanOptions{}, func(key, value []byte) (bool, error) {
		var m member
		if err := store.Unmarshal(value, &m); err != nil {
			return false, fmt.Errorf("decode %q: %w", key, err)
		}
		m.ConnectionId = string(key[len(prefix):])
		members = append(members, m)
		return true, nil
	})
	return members, err
}

func (c *ConnectionRegistry) Count(ctx context.Context, roomId string) (int, error) {
	var n int
	err := c.store.View(ctx, func(txn store.Txn) error {
		var err error
		n, err = countConnections(txn, roomId)
		return err
	})
	return n, storeErr("count connections", err)
}

// DropRoom removes every connection of a room without emitting user_left and
// returns the removed connection ids, whichever instance holds them.
func (c *ConnectionRegistry) DropRoom(ctx context.Context, roomId string) ([]string, error) {
	var dropped []member
	err := c.store.Update(ctx, func(txn store.Txn) error {
		var err error
		if dropped, err = scanMembers(txn, roomId); err != nil {
			return err
		}

		for _, m := range dropped {
			if err := deleteConnection(txn, roomId, m.ConnectionId, m.UserName); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("drop room connections", err)
	}

	for range dropped {
		c.stats.Decr(stats.ActiveConnections)
	}
	return lo.Map(dropped, func(m member, _ int) string { return m.ConnectionId }), nil
}

func countConnections(txn store.Txn, roomId string) (int, error) {
	n := 0
	err := txn.Scan(roomConnPrefix(roomId), store.ScanOptions{}, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}
