package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-liveroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommentStore_Post(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	room := e.createRoom(t, "host")
	e.join(t, "c1", room.RoomId, "viewer")

	comment, err := e.Comments.Post(ctx, room.RoomId, "u1", "A", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, comment.CommentId)
	assert.Equal(t, "hi", comment.Content)
	assert.Equal(t, "A", comment.UserName)
	assert.Zero(t, comment.LikeCount)

	events := e.sender.received("c1")
	require.Len(t, events, 2)
	assert.Equal(t, types.EventCommentNew, events[1].Type)
	assert.Equal(t, comment, events[1].Data)

	got, err := e.Comments.Get(ctx, comment.CommentId)
	require.NoError(t, err)
	assert.Equal(t, comment.Content, got.Content)
}

func TestCommentStore_Post_Errors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	room := e.createRoom(t, "host")
	closed := e.createRoom(t, "host")
	require.NoError(t, e.Rooms.Close(ctx, closed.RoomId, "host"))

	tcs := []struct {
		name    string
		roomId  string
		content string
		err     error
	}{
		{"empty content", room.RoomId, "", ErrValidation},
		{"blank content", room.RoomId, " \n\t", ErrValidation},
		{"too long", room.RoomId, strings.Repeat("x", 281), ErrValidation},
		{"closed room", closed.RoomId, "hi", ErrGone},
		{"unknown room", "missing", "hi", ErrNotFound},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Comments.Post(ctx, tc.roomId, "u1", "A", tc.content)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	// length is counted in characters, not bytes
	_, err := e.Comments.Post(ctx, room.RoomId, "u1", "A", strings.Repeat("é", 280))
	assert.NoError(t, err)
}

func TestCommentStore_Post_RateLimited(t *testing.T) {
	t.Run("count quota", func(t *testing.T) {
		e := newTestEngine(t)
		ctx := context.Background()
		room, err := e.Rooms.Create(ctx, "host", &types.Settings{MaxCommentsPerUser: 2})
		require.NoError(t, err)

		e.post(t, room.RoomId, "u1", "one")
		e.post(t, room.RoomId, "u1", "two")

		_, err = e.Comments.Post(ctx, room.RoomId, "u1", "A", "three")
		assert.ErrorIs(t, err, ErrRateLimited)

		// other users are unaffected
		e.post(t, room.RoomId, "u2", "hello")
	})

	t.Run("minimum interval", func(t *testing.T) {
		e := newTestEngine(t, func(o *Options) { o.CommentInterval = 3 * time.Second })
		ctx := context.Background()
		room := e.createRoom(t, "host")

		e.post(t, room.RoomId, "u1", "one")

		_, err := e.Comments.Post(ctx, room.RoomId, "u1", "A", "two")
		assert.ErrorIs(t, err, ErrRateLimited)

		e.clock.Advance(3 * time.Second)
		e.post(t, room.RoomId, "u1", "two")
	})
}

func TestCommentStore_List_Latest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	room := e.createRoom(t, "host")
	other := e.createRoom(t, "host")

	var posted []types.Comment
	for i := 0; i < 5; i++ {
		posted = append(posted, e.post(t, room.RoomId, fmt.Sprintf("u%d", i), fmt.Sprintf("comment %d", i)))
	}
	e.post(t, other.RoomId, "u1", "elsewhere")

	page, err := e.Comments.List(ctx, room.RoomId, SortLatest, 0, "")
	require.NoError(t, err)
	require.Len(t, page.Comments, 5)
	assert.Empty(t, page.NextCursor)

	for i, c := range page.Comments {
		assert.Equal(t, posted[len(posted)-1-i].CommentId, c.CommentId)
		if i > 0 {
			assert.False(t, c.Timestamp.After(page.Comments[i-1].Timestamp))
		}
	}
}

func TestCommentStore_List_Likes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	room := e.createRoom(t, "host")

	likes := []int{2, 0, 11, 2, 1}
	var posted []types.Comment
	for i, n := range likes {
		c := e.post(t, room.RoomId, "author", fmt.Sprintf("comment %d", i))
		for j := 0; j < n; j++ {
			_, err := e.Likes.Like(ctx, c.CommentId, fmt.Sprintf("fan%d", j))
			require.NoError(t, err)
		}
		posted = append(posted, c)
	}

	page, err := e.Comments.List(ctx, room.RoomId, SortLikes, 0, "")
	require.NoError(t, err)
	require.Len(t, page.Comments, len(likes))

	var got []string
	for i, c := range page.Comments {
		got = append(got, c.CommentId)
		if i > 0 {
			prev := page.Comments[i-1]
			assert.LessOrEqual(t, c.LikeCount, prev.LikeCount)
			if c.LikeCount == prev.LikeCount {
				assert.True(t, c.Timestamp.Before(prev.Timestamp), "ties break by newest first")
			}
		}
	}
	// 11 sorts above 2 only if counts are compared numerically
	assert.Equal(t, []string{
		posted[2].CommentId,
		posted[3].CommentId,
		posted[0].CommentId,
		posted[4].CommentId,
		posted[1].CommentId,
	}, got)
}

func TestCommentStore_List_Paging(t *testing.T) {
	for _, order := range []SortOrder{SortLatest, SortLikes} {
		t.Run(string(order), func(t *testing.T) {
			e := newTestEngine(t)
			ctx := context.Background()
			room := e.createRoom(t, "host")

			want := map[string]bool{}
			for i := 0; i < 23; i++ {
				c := e.post(t, room.RoomId, fmt.Sprintf("u%d", i), fmt.Sprintf("comment %d", i))
				want[c.CommentId] = true
				if i%3 == 0 {
					_, err := e.Likes.Like(ctx, c.CommentId, "fan")
					require.NoError(t, err)
				}
			}

			seen := map[string]bool{}
			cursor, pages := "", 0
			for {
				page, err := e.Comments.List(ctx, room.RoomId, order, 5, cursor)
				require.NoError(t, err)
				pages++
				assert.LessOrEqual(t, len(page.Comments), 5)

				for _, c := range page.Comments {
					assert.False(t, seen[c.CommentId], "duplicate %s", c.CommentId)
					seen[c.CommentId] = true
				}
				if page.NextCursor == "" {
					break
				}
				cursor = page.NextCursor
			}

			assert.Equal(t, 5, pages)
			assert.Equal(t, want, seen)
		})
	}
}

func TestCommentStore_List_Errors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	room := e.createRoom(t, "host")
	e.post(t, room.RoomId, "u1", "one")
	e.post(t, room.RoomId, "u1", "two")

	page, err := e.Comments.List(ctx, room.RoomId, SortLatest, 1, "")
	require.NoError(t, err)
	require.NotEmpty(t, page.NextCursor)

	_, err = e.Comments.List(ctx, room.RoomId, SortLikes, 1, page.NextCursor)
	assert.ErrorIs(t, err, ErrValidation, "cursor of another order")

	_, err = e.Comments.List(ctx, room.RoomId, SortLatest, 1, "!!!")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Comments.List(ctx, room.RoomId, "oldest", 1, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Comments.List(ctx, room.RoomId, SortLatest, -1, "")
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, e.Rooms.Close(ctx, room.RoomId, "host"))
	_, err = e.Comments.List(ctx, room.RoomId, SortLatest, 0, "")
	assert.ErrorIs(t, err, ErrGone)
}

func TestCommentStore_Delete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	room := e.createRoom(t, "host")
	e.join(t, "c1", room.RoomId, "viewer")

	comment := e.post(t, room.RoomId, "u1", "bye")
	_, err := e.Likes.Like(ctx, comment.CommentId, "u2")
	require.NoError(t, err)

	assert.ErrorIs(t, e.Comments.Delete(ctx, "missing", "u1"), ErrNotFound)
	assert.ErrorIs(t, e.Comments.Delete(ctx, comment.CommentId, "u2"), ErrForbidden)

	require.NoError(t, e.Comments.Delete(ctx, comment.CommentId, "u1"))
	assert.ErrorIs(t, e.Comments.Delete(ctx, comment.CommentId, "u1"), ErrNotFound)

	_, err = e.Comments.Get(ctx, comment.CommentId)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, order := range []SortOrder{SortLatest, SortLikes} {
		page, err := e.Comments.List(ctx, room.RoomId, order, 0, "")
		require.NoError(t, err)
		assert.Empty(t, page.Comments, "order %s", order)
	}

	events := e.sender.received("c1")
	last := events[len(events)-1]
	assert.Equal(t, types.EventCommentDeleted, last.Type)
	assert.Equal(t, types.CommentDeleted{CommentId: comment.CommentId}, last.Data)
}

func TestCommentStore_Delete_ClosedRoom(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	room := e.createRoom(t, "host")
	comment := e.post(t, room.RoomId, "u1", "hi")

	require.NoError(t, e.Rooms.Close(ctx, room.RoomId, "host"))
	assert.ErrorIs(t, e.Comments.Delete(ctx, comment.CommentId, "u1"), ErrGone)
}
