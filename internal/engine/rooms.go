package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-liveroom/internal/stats"
	"github.com/npezzotti/go-liveroom/internal/store"
	"github.com/npezzotti/go-liveroom/internal/types"
	"github.com/teris-io/shortid"
)

const (
	RoomCodeLength = 6
	// RoomCodeAlphabet has 32 symbols; I, O, 0 and 1 are left out because
	// they are easily confused when read aloud or off a screen.
	RoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	maxCodeAttempts       = 10
	maxCommentLengthLimit = 2000
)

var errCodeTaken = errors.New("room code taken")

type RoomRegistry struct {
	store       store.Store
	log         *log.Logger
	stats       stats.StatsProvider
	now         func() time.Time
	ttl         time.Duration
	defaults    types.Settings
	fanout      *BroadcastFanout
	connections *ConnectionRegistry
	newRoomId   func() (string, error)
	newCode     func() (string, error)
}

func NewRoomRegistry(st store.Store, logger *log.Logger, sp stats.StatsProvider, now func() time.Time, ttl time.Duration, defaults types.Settings) *RoomRegistry {
	return &RoomRegistry{
		store:     st,
		log:       logger,
		stats:     sp,
		now:       now,
		ttl:       ttl,
		defaults:  defaults,
		newRoomId: shortid.Generate,
		newCode:   newRoomCode,
	}
}

// newRoomCode draws a code uniformly from RoomCodeAlphabet. Codes are random
// rather than sequential so that live rooms cannot be guessed from one
// another.
func newRoomCode() (string, error) {
	buf := make([]byte, RoomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = RoomCodeAlphabet[int(b)%len(RoomCodeAlphabet)]
	}
	return string(buf), nil
}

func (r *RoomRegistry) Create(ctx context.Context, hostId string, override *types.Settings) (types.Room, error) {
	hostId = strings.TrimSpace(hostId)
	if hostId == "" {
		return types.Room{}, validationErr("hostId is required")
	}
	if !validId(hostId) {
		return types.Room{}, validationErr("hostId is malformed")
	}

	settings, err := r.mergeSettings(override)
	if err != nil {
		return types.Room{}, err
	}

	roomId, err := r.newRoomId()
	if err != nil {
		return types.Room{}, storeErr("generate room id", err)
	}

	now := r.now()
	room := types.Room{
		RoomId:    roomId,
		HostId:    hostId,
		Status:    types.RoomActive,
		Settings:  settings,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := r.newCode()
		if err != nil {
			return types.Room{}, storeErr("generate room code", err)
		}
		room.RoomCode = code

		err = r.store.Update(ctx, func(txn store.Txn) error {
			exists, err := store.Exists(txn, roomKey(room.RoomId))
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: room %s already exists", ErrConflict, room.RoomId)
			}

			taken, err := store.Exists(txn, roomCodeKey(code))
			if err != nil {
				return err
			}
			if taken {
				return errCodeTaken
			}

			if err := store.SetValue(txn, roomKey(room.RoomId), room, room.ExpiresAt); err != nil {
				return err
			}
			return txn.Set(roomCodeKey(code), []byte(room.RoomId), room.ExpiresAt)
		})
		if errors.Is(err, errCodeTaken) {
			continue
		}
		if err != nil {
			return types.Room{}, storeErr("create room", err)
		}

		r.stats.Incr(stats.RoomsCreated)
		return room, nil
	}

	return types.Room{}, fmt.Errorf("%w: no free room code after %d attempts", ErrInternal, maxCodeAttempts)
}

func (r *RoomRegistry) mergeSettings(override *types.Settings) (types.Settings, error) {
	settings := r.defaults
	if override == nil {
		return settings, nil
	}

	if override.MaxCommentsPerUser < 0 || override.MaxLikesPerUser < 0 || override.MaxCommentLength < 0 {
		return types.Settings{}, validationErr("settings cannot be negative")
	}
	if override.MaxCommentLength > maxCommentLengthLimit {
		return types.Settings{}, validationErr("maxCommentLength cannot exceed %d", maxCommentLengthLimit)
	}

	if override.MaxCommentsPerUser > 0 {
		settings.MaxCommentsPerUser = override.MaxCommentsPerUser
	}
	if override.MaxLikesPerUser > 0 {
		settings.MaxLikesPerUser = override.MaxLikesPerUser
	}
	if override.MaxCommentLength > 0 {
		settings.MaxCommentLength = override.MaxCommentLength
	}
	return settings, nil
}

// Get returns an active room. Closed rooms fail with ErrGone.
func (r *RoomRegistry) Get(ctx context.Context, roomId string) (types.Room, error) {
	var room types.Room
	err := r.store.View(ctx, func(txn store.Txn) error {
		var err error
		room, err = loadActiveRoom(txn, roomId)
		return err
	})
	return room, storeErr("get room", err)
}

func (r *RoomRegistry) GetByCode(ctx context.Context, code string) (types.Room, error) {
	// no room can have a code of another length
	if utf8.RuneCountInString(code) != RoomCodeLength {
		return types.Room{}, ErrNotFound
	}
	code = strings.ToUpper(code)

	var room types.Room
	err := r.store.View(ctx, func(txn store.Txn) error {
		roomId, err := txn.Get(roomCodeKey(code))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		room, err = loadRoom(txn, string(roomId))
		if err != nil {
			return err
		}
		if !room.Active() {
			return ErrNotFound
		}
		return nil
	})
	return room, storeErr("get room by code", err)
}

// Close ends a room for good. Every live connection receives room_closing
// and is then dropped.
func (r *RoomRegistry) Close(ctx context.Context, roomId, requesterId string) error {
	var (
		room types.Room
		seq  uint64
	)
	err := r.store.Update(ctx, func(txn store.Txn) error {
		var err error
		room, err = loadRoom(txn, roomId)
		if err != nil {
			return err
		}
		if room.HostId != requesterId {
			return ErrForbidden
		}
		if !room.Active() {
			return fmt.Errorf("%w: room already closed", ErrConflict)
		}

		room.Status = types.RoomClosed
		if err := store.SetValue(txn, roomKey(roomId), room, room.ExpiresAt); err != nil {
			return err
		}
		// frees the code for reuse
		if err := txn.Delete(roomCodeKey(room.RoomCode)); err != nil {
			return err
		}

		seq, err = nextSeq(txn, room)
		return err
	})
	if err != nil {
		return storeErr("close room", err)
	}

	r.stats.Incr(stats.RoomsClosed)

	// the room is closed; finish the teardown even if the caller went away
	ctx = context.WithoutCancel(ctx)
	r.fanout.publish(ctx, newEvent(types.EventRoomClosing, roomId, seq, r.now(), types.RoomClosing{RoomId: roomId}))

	dropped, err := r.connections.DropRoom(ctx, roomId)
	if err != nil {
		r.log.Printf("close room %s: drop connections: %v", roomId, err)
	}
	r.fanout.disconnectAll(ctx, roomId, dropped)

	return nil
}
