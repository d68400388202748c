package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/go-liveroom/internal/stats"
	"github.com/npezzotti/go-liveroom/internal/store"
	"github.com/npezzotti/go-liveroom/internal/types"
)

type SortOrder string

const (
	SortLatest SortOrder = "latest"
	SortLikes  SortOrder = "likes"

	DefaultPageSize = 20
	MaxPageSize     = 100
)

// commentRef locates the primary record of a comment from its id alone.
type commentRef struct {
	RoomId    string    `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
}

type CommentStore struct {
	store   store.Store
	limiter *RateLimiter
	fanout  *BroadcastFanout
	log     *log.Logger
	stats   stats.StatsProvider
	now     func() time.Time
}

func (s *CommentStore) Post(ctx context.Context, roomId, userId, userName, content string) (types.Comment, error) {
	userName = strings.TrimSpace(userName)
	switch {
	case roomId == "":
		return types.Comment{}, validationErr("roomId is required")
	case !validId(userId):
		return types.Comment{}, validationErr("userId is malformed")
	case userName == "":
		return types.Comment{}, validationErr("userName is required")
	case strings.TrimSpace(content) == "":
		return types.Comment{}, validationErr("content is required")
	}

	var room types.Room
	err := s.store.View(ctx, func(txn store.Txn) error {
		var err error
		room, err = loadActiveRoom(txn, roomId)
		return err
	})
	if err != nil {
		return types.Comment{}, storeErr("post comment", err)
	}

	if maxLen := room.Settings.MaxCommentLength; maxLen > 0 && utf8.RuneCountInString(content) > maxLen {
		return types.Comment{}, validationErr("content cannot exceed %d characters", maxLen)
	}

	var (
		comment types.Comment
		seq     uint64
	)
	commentId := uuid.NewString()
	err = s.store.Update(ctx, func(txn store.Txn) error {
		room, err := loadActiveRoom(txn, roomId)
		if err != nil {
			return err
		}

		allowed, err := s.limiter.checkAndRecord(txn, userId, roomId, ActionComment, room.Settings.MaxCommentsPerUser)
		if err != nil {
			return err
		}
		if !allowed {
			return ErrRateLimited
		}

		comment = types.Comment{
			CommentId: commentId,
			RoomId:    roomId,
			UserId:    userId,
			UserName:  userName,
			Content:   content,
			Timestamp: s.now(),
			ExpiresAt: room.ExpiresAt,
		}

		if err := store.SetValue(txn, commentKey(roomId, comment.Timestamp, commentId), comment, room.ExpiresAt); err != nil {
			return err
		}
		if err := txn.Set(rankKey(roomId, 0, comment.Timestamp, commentId), []byte(commentId), room.ExpiresAt); err != nil {
			return err
		}
		ref := commentRef{RoomId: roomId, Timestamp: comment.Timestamp}
		if err := store.SetValue(txn, commentRefKey(commentId), ref, room.ExpiresAt); err != nil {
			return err
		}

		seq, err = nextSeq(txn, room)
		return err
	})
	if err != nil {
		return types.Comment{}, storeErr("post comment", err)
	}

	s.stats.Incr(stats.CommentsPosted)
	s.fanout.publish(context.WithoutCancel(ctx), newEvent(types.EventCommentNew, roomId, seq, comment.Timestamp, comment))

	return comment, nil
}

// List returns one page of comments. The returned cursor is empty on the last
// page; passing it back resumes right after the last comment returned.
func (s *CommentStore) List(ctx context.Context, roomId string, order SortOrder, limit int, cursor string) (types.CommentPage, error) {
	if order == "" {
		order = SortLatest
	}
	if order != SortLatest && order != SortLikes {
		return types.CommentPage{}, validationErr("sortBy must be %q or %q", SortLatest, SortLikes)
	}
	switch {
	case limit < 0:
		return types.CommentPage{}, validationErr("limit cannot be negative")
	case limit == 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	prefix := commentPrefix(roomId)
	if order == SortLikes {
		prefix = rankPrefix(roomId)
	}

	after, err := decodeCursor(cursor, prefix)
	if err != nil {
		return types.CommentPage{}, err
	}

	type item struct {
		key     []byte
		comment types.Comment
	}

	var items []item
	err = s.store.View(ctx, func(txn store.Txn) error {
		items = nil
		if _, err := loadActiveRoom(txn, roomId); err != nil {
			return err
		}

		var keys [][]byte
		opts := store.ScanOptions{Reverse: true, After: after, Limit: limit + 1}
		err := txn.Scan(prefix, opts, func(key, value []byte) (bool, error) {
			if order == SortLatest {
				var c types.Comment
				if err := store.Unmarshal(value, &c); err != nil {
					return false, err
				}
				items = append(items, item{key: bytes.Clone(key), comment: c})
				return true, nil
			}
			keys = append(keys, bytes.Clone(key))
			return true, nil
		})
		if err != nil {
			return err
		}

		for _, key := range keys {
			ck, ok := commentKeyFromRank(roomId, key)
			if !ok {
				s.log.Printf("list comments: malformed rank key %q", key)
				continue
			}
			var c types.Comment
			if err := store.GetValue(txn, ck, &c); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			items = append(items, item{key: key, comment: c})
		}
		return nil
	})
	if err != nil {
		return types.CommentPage{}, storeErr("list comments", err)
	}

	page := types.CommentPage{Comments: make([]types.Comment, 0, min(len(items), limit))}
	for i, it := range items {
		if i == limit {
			page.NextCursor = encodeCursor(items[limit-1].key)
			break
		}
		page.Comments = append(page.Comments, it.comment)
	}
	return page, nil
}

func encodeCursor(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

func decodeCursor(cursor string, prefix []byte) ([]byte, error) {
	if cursor == "" {
		return nil, nil
	}
	key, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || !bytes.HasPrefix(key, prefix) {
		return nil, validationErr("invalid cursor")
	}
	return key, nil
}

func (s *CommentStore) Get(ctx context.Context, commentId string) (types.Comment, error) {
	var comment types.Comment
	err := s.store.View(ctx, func(txn store.Txn) error {
		var err error
		comment, err = loadComment(txn, commentId)
		return err
	})
	return comment, storeErr("get comment", err)
}

// Delete removes a comment posted by requesterId. Its like records are left
// to expire with the room.
func (s *CommentStore) Delete(ctx context.Context, commentId, requesterId string) error {
	var (
		comment types.Comment
		seq     uint64
	)
	err := s.store.Update(ctx, func(txn store.Txn) error {
		var err error
		comment, err = loadComment(txn, commentId)
		if err != nil {
			return err
		}
		if comment.UserId != requesterId {
			return ErrForbidden
		}

		room, err := loadActiveRoom(txn, comment.RoomId)
		if err != nil {
			return err
		}

		if err := txn.Delete(commentKey(comment.RoomId, comment.Timestamp, commentId)); err != nil {
			return err
		}
		if err := txn.Delete(rankKey(comment.RoomId, comment.LikeCount, comment.Timestamp, commentId)); err != nil {
			return err
		}
		if err := txn.Delete(commentRefKey(commentId)); err != nil {
			return err
		}

		seq, err = nextSeq(txn, room)
		return err
	})
	if err != nil {
		return storeErr("delete comment", err)
	}

	s.stats.Incr(stats.CommentsDeleted)
	s.fanout.publish(context.WithoutCancel(ctx), newEvent(types.EventCommentDeleted, comment.RoomId, seq, s.now(),
		types.CommentDeleted{CommentId: commentId}))

	return nil
}

func loadComment(txn store.Txn, commentId string) (types.Comment, error) {
	if !validId(commentId) {
		return types.Comment{}, ErrNotFound
	}

	var ref commentRef
	if err := store.GetValue(txn, commentRefKey(commentId), &ref); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Comment{}, ErrNotFound
		}
		return types.Comment{}, err
	}

	var comment types.Comment
	if err := store.GetValue(txn, commentKey(ref.RoomId, ref.Timestamp, commentId), &comment); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Comment{}, ErrNotFound
		}
		return types.Comment{}, err
	}
	return comment, nil
}
