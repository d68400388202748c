package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-liveroom/internal/engine"
	"github.com/npezzotti/go-liveroom/internal/testutil"
	"github.com/npezzotti/go-liveroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newTestWsServer serves websocket connections whose id is taken from the
// "id" query parameter.
func newTestWsServer(t *testing.T, hub *Hub, registry Registry) *httptest.Server {
	upgrader := websocket.Upgrader{}
	logger := testutil.TestLogger(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		c := NewClient(r.URL.Query().Get("id"), conn, hub, registry, logger)
		if err := hub.Register(c); err != nil {
			conn.Close()
			return
		}
		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_UnknownConnection(t *testing.T) {
	hub := NewHub(testutil.TestLogger(t))
	ctx := context.Background()

	assert.ErrorIs(t, hub.Send(ctx, "nobody", types.Event{}), engine.ErrConnectionGone)
	assert.ErrorIs(t, hub.Disconnect(ctx, "nobody"), engine.ErrConnectionGone)
}

func TestHub_ShutdownRefusesNewClients(t *testing.T) {
	hub := NewHub(testutil.TestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))

	c := NewClient("late", nil, hub, new(MockRegistry), testutil.TestLogger(t))
	assert.ErrorIs(t, hub.Register(c), errShuttingDown)
}

func TestHub_PushChannel(t *testing.T) {
	registry := new(MockRegistry)
	defer registry.AssertExpectations(t)

	deregistered := make(chan struct{})
	registry.On("Register", mock.Anything, "c1", "r1", "u1", "alice").
		Return(types.Connection{ConnectionId: "c1", RoomId: "r1", UserName: "alice", JoinSeq: 10}, nil).Once()
	registry.On("Deregister", mock.Anything, "c1").
		Return(true, nil).
		Run(func(mock.Arguments) { close(deregistered) }).
		Once()

	hub := NewHub(testutil.TestLogger(t))
	srv := newTestWsServer(t, hub, registry)
	conn := dial(t, srv, "c1")
	ctx := context.Background()

	require.NoError(t, conn.WriteJSON(ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Join:        &Join{RoomId: "r1", UserId: "u1", UserName: "alice"},
	}))
	res := readMessage(t, conn)
	require.NotNil(t, res.Response)
	assert.Equal(t, 1, res.Id)
	assert.Equal(t, http.StatusOK, res.Response.Code)

	// out of order delivery is restored per connection
	for _, seq := range []uint64{12, 10, 11} {
		require.NoError(t, hub.Send(ctx, "c1", types.Event{Type: types.EventCommentNew, RoomId: "r1", Seq: seq}))
	}
	for _, want := range []uint64{10, 11, 12} {
		msg := readMessage(t, conn)
		require.NotNil(t, msg.Event)
		assert.Equal(t, want, msg.Event.Seq)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	res = readMessage(t, conn)
	assert.Equal(t, http.StatusBadRequest, res.Response.Code)

	// room closing: the last event is flushed before the socket closes
	require.NoError(t, hub.Send(ctx, "c1", types.Event{Type: types.EventRoomClosing, RoomId: "r1", Seq: 13}))
	require.NoError(t, hub.Disconnect(ctx, "c1"))

	msg := readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, types.EventRoomClosing, msg.Event.Type)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)

	select {
	case <-deregistered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection to be deregistered")
	}
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestClient_ClosesBeforeRecordExpires(t *testing.T) {
	deregistered := make(chan struct{})
	registry := new(MockRegistry)
	defer registry.AssertExpectations(t)
	registry.On("Register", mock.Anything, "c1", "r1", "u1", "alice").
		Return(types.Connection{RoomId: "r1", UserName: "alice", JoinSeq: 1,
			ExpiresAt: time.Now().Add(expiryMargin + 100*time.Millisecond)}, nil).
		Once()
	registry.On("Deregister", mock.Anything, "c1").Return(true, nil).
		Run(func(mock.Arguments) { close(deregistered) }).
		Once()

	hub := NewHub(testutil.TestLogger(t))
	srv := newTestWsServer(t, hub, registry)
	conn := dial(t, srv, "c1")

	require.NoError(t, conn.WriteJSON(ClientMessage{Join: &Join{RoomId: "r1", UserId: "u1", UserName: "alice"}}))
	res := readMessage(t, conn)
	require.Equal(t, http.StatusOK, res.Response.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "session expired", closeErr.Text)

	// deregistered while the record, and so the name, still exists
	select {
	case <-deregistered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection to be deregistered")
	}
}

func TestHub_Shutdown(t *testing.T) {
	registry := new(MockRegistry)
	hub := NewHub(testutil.TestLogger(t))
	srv := newTestWsServer(t, hub, registry)

	dial(t, srv, "c1")
	dial(t, srv, "c2")
	assert.Eventually(t, func() bool { return hub.Len() == 2 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))
	assert.Zero(t, hub.Len())

	// nobody joined, so nothing is deregistered
	registry.AssertNotCalled(t, "Deregister", mock.Anything, mock.Anything)
}
