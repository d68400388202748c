package engine

import (
	"context"
	"errors"
	"time"

	"github.com/npezzotti/go-liveroom/internal/store"
)

type Action string

const (
	ActionComment Action = "comment"
	ActionLike    Action = "like"
)

type rateRecord struct {
	Count int       `json:"count"`
	Last  time.Time `json:"last"`
}

// RateLimiter enforces two independent controls per (user, room, action): a
// total count quota and a minimum interval between successive actions.
type RateLimiter struct {
	store     store.Store
	now       func() time.Time
	ttl       time.Duration
	intervals map[Action]time.Duration
}

// NewRateLimiter returns a limiter whose records live for ttl, which must be
// at least as long as a room can live.
func NewRateLimiter(st store.Store, now func() time.Time, ttl time.Duration, intervals map[Action]time.Duration) *RateLimiter {
	return &RateLimiter{store: st, now: now, ttl: ttl, intervals: intervals}
}

// CheckAndRecord reports whether the action is allowed and, if so, records
// it. A limit of zero disables the count quota. The error is non-nil only when
// the store fails.
func (l *RateLimiter) CheckAndRecord(ctx context.Context, userId, roomId string, action Action, limit int) (bool, error) {
	var allowed bool
	err := l.store.Update(ctx, func(txn store.Txn) error {
		var err error
		allowed, err = l.checkAndRecord(txn, userId, roomId, action, limit)
		return err
	})
	if err != nil {
		return false, storeErr("rate limit", err)
	}
	return allowed, nil
}

// checkAndRecord is CheckAndRecord inside the transaction of the action
// itself, so the quota is only spent if the action commits.
func (l *RateLimiter) checkAndRecord(txn store.Txn, userId, roomId string, action Action, limit int) (bool, error) {
	key := rateKey(roomId, userId, action)

	var rec rateRecord
	if err := store.GetValue(txn, key, &rec); err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	now := l.now()
	if limit > 0 && rec.Count >= limit {
		return false, nil
	}
	if interval := l.intervals[action]; interval > 0 && !rec.Last.IsZero() && now.Sub(rec.Last) < interval {
		return false, nil
	}

	rec.Count++
	rec.Last = now
	var expiresAt time.Time
	if l.ttl > 0 {
		expiresAt = now.Add(l.ttl)
	}
	return true, store.SetValue(txn, key, rec, expiresAt)
}
