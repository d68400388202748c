package engine

import (
	"context"
	"log"
	"time"

	"github.com/npezzotti/go-liveroom/internal/stats"
	"github.com/npezzotti/go-liveroom/internal/store"
	"github.com/npezzotti/go-liveroom/internal/types"
)

// LikeAggregator is the only writer of Comment.LikeCount. A like record and
// the count it contributes to always change in the same transaction.
type LikeAggregator struct {
	store    store.Store
	comments *CommentStore
	limiter  *RateLimiter
	fanout   *BroadcastFanout
	log      *log.Logger
	stats    stats.StatsProvider
	now      func() time.Time
}

// Like records userId's like on a comment and returns the new count. Liking
// twice is a no-op returning the current count.
func (a *LikeAggregator) Like(ctx context.Context, commentId, userId string) (int, error) {
	if !validId(userId) {
		return 0, validationErr("userId is malformed")
	}

	comment, err := a.comments.Get(ctx, commentId)
	if err != nil {
		return 0, err
	}

	var (
		room  types.Room
		liked bool
	)
	err = a.store.View(ctx, func(txn store.Txn) error {
		var err error
		if room, err = loadActiveRoom(txn, comment.RoomId); err != nil {
			return err
		}
		liked, err = store.Exists(txn, likeKey(commentId, userId))
		return err
	})
	if err != nil {
		return 0, storeErr("like comment", err)
	}
	if liked {
		return comment.LikeCount, nil
	}

	var (
		count   int
		changed bool
		seq     uint64
	)
	err = a.store.Update(ctx, func(txn store.Txn) error {
		changed = false
		comment, err := loadComment(txn, commentId)
		if err != nil {
			return err
		}
		room, err := loadActiveRoom(txn, comment.RoomId)
		if err != nil {
			return err
		}

		count = comment.LikeCount
		exists, err := store.Exists(txn, likeKey(commentId, userId))
		if err != nil || exists {
			return err
		}

		// only a like that takes effect uses up quota
		allowed, err := a.limiter.checkAndRecord(txn, userId, room.RoomId, ActionLike, room.Settings.MaxLikesPerUser)
		if err != nil {
			return err
		}
		if !allowed {
			return ErrRateLimited
		}

		like := types.Like{
			CommentId: commentId,
			UserId:    userId,
			RoomId:    room.RoomId,
			CreatedAt: a.now(),
		}
		if err := store.SetValue(txn, likeKey(commentId, userId), like, room.ExpiresAt); err != nil {
			return err
		}
		if err := txn.Set(userLikeKey(userId, room.RoomId, commentId), []byte(commentId), room.ExpiresAt); err != nil {
			return err
		}

		if err := setLikeCount(txn, &comment, comment.LikeCount+1); err != nil {
			return err
		}
		count, changed = comment.LikeCount, true

		seq, err = nextSeq(txn, room)
		return err
	})
	if err != nil {
		return 0, storeErr("like comment", err)
	}

	if changed {
		a.stats.Incr(stats.LikesApplied)
		a.publishCount(ctx, room.RoomId, commentId, count, seq)
	}
	return count, nil
}

// Unlike removes userId's like and returns the new count. Removing a like
// that does not exist is a no-op.
func (a *LikeAggregator) Unlike(ctx context.Context, commentId, userId string) (int, error) {
	if !validId(userId) {
		return 0, validationErr("userId is malformed")
	}

	var (
		roomId    string
		count     int
		changed   bool
		underflow bool
		seq       uint64
	)
	err := a.store.Update(ctx, func(txn store.Txn) error {
		changed, underflow = false, false
		comment, err := loadComment(txn, commentId)
		if err != nil {
			return err
		}
		room, err := loadActiveRoom(txn, comment.RoomId)
		if err != nil {
			return err
		}
		roomId, count = room.RoomId, comment.LikeCount

		exists, err := store.Exists(txn, likeKey(commentId, userId))
		if err != nil || !exists {
			return err
		}

		if err := txn.Delete(likeKey(commentId, userId)); err != nil {
			return err
		}
		if err := txn.Delete(userLikeKey(userId, room.RoomId, commentId)); err != nil {
			return err
		}

		next := comment.LikeCount - 1
		if next < 0 {
			underflow, next = true, 0
		}
		if err := setLikeCount(txn, &comment, next); err != nil {
			return err
		}
		count, changed = comment.LikeCount, true

		seq, err = nextSeq(txn, room)
		return err
	})
	if err != nil {
		return 0, storeErr("unlike comment", err)
	}

	if underflow {
		a.log.Printf("invariant violation: like count of comment %s would drop below zero; clamped", commentId)
	}
	if changed {
		a.publishCount(ctx, roomId, commentId, count, seq)
	}
	return count, nil
}

// Reconcile recounts the like records of a comment and repairs its count if
// it drifted. The like records are the source of truth.
func (a *LikeAggregator) Reconcile(ctx context.Context, commentId string) (int, error) {
	var (
		roomId   string
		count    int
		previous int
		seq      uint64
	)
	err := a.store.Update(ctx, func(txn store.Txn) error {
		seq = 0
		comment, err := loadComment(txn, commentId)
		if err != nil {
			return err
		}
		room, err := loadActiveRoom(txn, comment.RoomId)
		if err != nil {
			return err
		}
		roomId, previous = room.RoomId, comment.LikeCount

		count = 0
		err = txn.Scan(likePrefix(commentId), store.ScanOptions{}, func(_, _ []byte) (bool, error) {
			count++
			return true, nil
		})
		if err != nil || count == comment.LikeCount {
			return err
		}

		if err := setLikeCount(txn, &comment, count); err != nil {
			return err
		}
		seq, err = nextSeq(txn, room)
		return err
	})
	if err != nil {
		return 0, storeErr("reconcile likes", err)
	}

	if seq != 0 {
		a.log.Printf("reconciled like count of comment %s: %d -> %d", commentId, previous, count)
		a.publishCount(ctx, roomId, commentId, count, seq)
	}
	return count, nil
}

// LikedComments lists the ids of the comments in a room that userId
// currently likes.
func (a *LikeAggregator) LikedComments(ctx context.Context, roomId, userId string) ([]string, error) {
	if !validId(userId) {
		return nil, validationErr("userId is malformed")
	}

	var liked []string
	err := a.store.View(ctx, func(txn store.Txn) error {
		liked = nil
		if _, err := loadActiveRoom(txn, roomId); err != nil {
			return err
		}

		var candidates []string
		err := txn.Scan(userLikePrefix(userId, roomId), store.ScanOptions{}, func(_, value []byte) (bool, error) {
			candidates = append(candidates, string(value))
			return true, nil
		})
		if err != nil {
			return err
		}

		// like records of deleted comments linger until expiry
		for _, id := range candidates {
			ok, err := store.Exists(txn, commentRefKey(id))
			if err != nil {
				return err
			}
			if ok {
				liked = append(liked, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("list liked comments", err)
	}
	if liked == nil {
		liked = []string{}
	}
	return liked, nil
}

// setLikeCount rewrites a comment with a new count and moves its rank key.
func setLikeCount(txn store.Txn, comment *types.Comment, count int) error {
	if err := txn.Delete(rankKey(comment.RoomId, comment.LikeCount, comment.Timestamp, comment.CommentId)); err != nil {
		return err
	}

	comment.LikeCount = count
	if err := store.SetValue(txn, commentKey(comment.RoomId, comment.Timestamp, comment.CommentId), *comment, comment.ExpiresAt); err != nil {
		return err
	}
	return txn.Set(rankKey(comment.RoomId, count, comment.Timestamp, comment.CommentId), []byte(comment.CommentId), comment.ExpiresAt)
}

func (a *LikeAggregator) publishCount(ctx context.Context, roomId, commentId string, count int, seq uint64) {
	a.fanout.publish(context.WithoutCancel(ctx), newEvent(types.EventLikeUpdated, roomId, seq, a.now(),
		types.LikeUpdated{CommentId: commentId, LikeCount: count}))
}

