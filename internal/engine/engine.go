// Package engine keeps rooms, comments, likes and live connections consistent
// across independent request handlers. All coordination goes through the
// key-value store; no component keeps state between calls.
package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-liveroom/internal/stats"
	"github.com/npezzotti/go-liveroom/internal/store"
	"github.com/npezzotti/go-liveroom/internal/types"
)

type Options struct {
	RoomTTL         time.Duration
	ConnectionTTL   time.Duration
	CommentInterval time.Duration
	LikeInterval    time.Duration
	DefaultSettings types.Settings
	// InstanceId identifies this process among those sharing the store. A
	// random id is used when empty.
	InstanceId string
	// Relay reaches the other instances; nil when running alone.
	Relay Relay
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

type Engine struct {
	InstanceId  string
	Rooms       *RoomRegistry
	Limiter     *RateLimiter
	Connections *ConnectionRegistry
	Comments    *CommentStore
	Likes       *LikeAggregator
	Fanout      *BroadcastFanout
}

func New(st store.Store, sender Sender, logger *log.Logger, sp stats.StatsProvider, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	instanceId := opts.InstanceId
	if instanceId == "" {
		instanceId = uuid.NewString()
	}

	limiter := NewRateLimiter(st, now, opts.RoomTTL, map[Action]time.Duration{
		ActionComment: opts.CommentInterval,
		ActionLike:    opts.LikeInterval,
	})
	connections := &ConnectionRegistry{
		store:      st,
		log:        logger,
		stats:      sp,
		now:        now,
		ttl:        opts.ConnectionTTL,
		instanceId: instanceId,
	}
	fanout := &BroadcastFanout{
		connections: connections,
		sender:      sender,
		relay:       opts.Relay,
		instanceId:  instanceId,
		log:         logger,
		stats:       sp,
	}
	connections.fanout = fanout

	rooms := NewRoomRegistry(st, logger, sp, now, opts.RoomTTL, opts.DefaultSettings)
	rooms.fanout = fanout
	rooms.connections = connections

	comments := &CommentStore{
		store:   st,
		limiter: limiter,
		fanout:  fanout,
		log:     logger,
		stats:   sp,
		now:     now,
	}
	likes := &LikeAggregator{
		store:    st,
		comments: comments,
		limiter:  limiter,
		fanout:   fanout,
		log:      logger,
		stats:    sp,
		now:      now,
	}

	return &Engine{
		InstanceId:  instanceId,
		Rooms:       rooms,
		Limiter:     limiter,
		Connections: connections,
		Comments:    comments,
		Likes:       likes,
		Fanout:      fanout,
	}
}

// Ping reports whether the backing store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.Rooms.store.Ping(ctx)
}

func loadRoom(txn store.Txn, roomId string) (types.Room, error) {
	var room types.Room
	if err := store.GetValue(txn, roomKey(roomId), &room); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Room{}, ErrNotFound
		}
		return types.Room{}, err
	}
	return room, nil
}

// loadActiveRoom loads a room and rejects closed ones; closed rooms are not
// readable at all.
func loadActiveRoom(txn store.Txn, roomId string) (types.Room, error) {
	room, err := loadRoom(txn, roomId)
	if err != nil {
		return types.Room{}, err
	}
	if !room.Active() {
		return types.Room{}, ErrGone
	}
	return room, nil
}

// nextSeq allocates the next event sequence number of a room. It is called
// inside the transaction of the mutation the event describes.
func nextSeq(txn store.Txn, room types.Room) (uint64, error) {
	return store.AddUint(txn, roomSeqKey(room.RoomId), 1, room.ExpiresAt)
}

func newEvent(typ types.EventType, roomId string, seq uint64, at time.Time, data any) types.Event {
	return types.Event{
		Type:      typ,
		RoomId:    roomId,
		Seq:       seq,
		Timestamp: at,
		Data:      data,
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
