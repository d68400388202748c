package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-liveroom/internal/engine"
	"github.com/npezzotti/go-liveroom/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 256

	// expiryMargin closes a connection this long before its record expires,
	// while its display name is still reserved.
	expiryMargin = 5 * time.Second
)

// Registry is the part of the engine a push connection talks to.
type Registry interface {
	Register(ctx context.Context, connectionId, roomId, userId, userName string) (types.Connection, error)
	Deregister(ctx context.Context, connectionId string) (bool, error)
}

// Connection states. Only the read goroutine changes them.
const (
	stateIdle int32 = iota
	stateJoined
	stateLeft
)

type Client struct {
	id        string
	conn      *websocket.Conn
	hub       *Hub
	registry  Registry
	log       *log.Logger
	send      chan *ServerMessage
	seq       *sequencer
	state     atomic.Int32
	stop      chan struct{}
	stopOnce  sync.Once
	drain     chan struct{}
	drainOnce sync.Once
	// set before drain is closed
	closeCode   int
	closeReason string

	expiry     *time.Timer
	expiryLock sync.Mutex
	overflowed atomic.Bool
}

func NewClient(id string, conn *websocket.Conn, hub *Hub, registry Registry, l *log.Logger) *Client {
	c := &Client{
		id:       id,
		conn:     conn,
		hub:      hub,
		registry: registry,
		log:      l,
		send:     make(chan *ServerMessage, sendBufferSize),
		stop:     make(chan struct{}),
		drain:    make(chan struct{}),
	}
	c.seq = newSequencer(gapTimeout, c.emit)
	return c
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeJSON(msg) {
				return
			}
		case <-c.drain:
			// deliver what is queued, then say goodbye
			for {
				select {
				case msg := <-c.send:
					if !c.writeJSON(msg) {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(c.closeCode, c.closeReason))
					return
				}
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		switch {
		case msg.Join != nil:
			c.join(&msg)
		case msg.Leave != nil:
			c.leave(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) join(msg *ClientMessage) {
	if c.state.Load() != stateIdle {
		c.queueMessage(ErrResponse(msg.Id, errAlreadyJoined))
		return
	}

	conn, err := c.registry.Register(context.Background(), c.id, msg.Join.RoomId, msg.Join.UserId, msg.Join.UserName)
	if err != nil {
		if engine.HTTPStatus(err) == http.StatusInternalServerError {
			c.log.Printf("join room %q: %v", msg.Join.RoomId, err)
		}
		c.queueMessage(ErrResponse(msg.Id, err))
		return
	}

	c.state.Store(stateJoined)
	c.armExpiry(conn.ExpiresAt)
	c.queueMessage(NoErrOK(msg.Id, map[string]any{
		"connectionId": c.id,
		"roomId":       conn.RoomId,
		"userName":     conn.UserName,
		"joinSeq":      conn.JoinSeq,
	}))
	c.seq.start(conn.JoinSeq)
}

// leave is idempotent; leaving before joining only acknowledges.
func (c *Client) leave(msg *ClientMessage) {
	if c.state.Load() == stateJoined {
		if err := c.deregister(); err != nil {
			c.queueMessage(ErrResponse(msg.Id, err))
			return
		}
	}
	c.state.Store(stateLeft)
	c.disarmExpiry()
	c.queueMessage(NoErrOK(msg.Id, nil))
}

// armExpiry schedules the close of a joined connection shortly before its
// record expires. Past that point the connection would no longer be listed
// for fan-out and its name could be taken by someone else.
func (c *Client) armExpiry(expiresAt time.Time) {
	if expiresAt.IsZero() {
		return
	}

	c.expiryLock.Lock()
	defer c.expiryLock.Unlock()
	c.expiry = time.AfterFunc(max(time.Until(expiresAt)-expiryMargin, 0), func() {
		c.log.Printf("connection %s expired", c.id)
		c.closeWith(websocket.CloseNormalClosure, "session expired")
	})
}

func (c *Client) disarmExpiry() {
	c.expiryLock.Lock()
	defer c.expiryLock.Unlock()
	if c.expiry != nil {
		c.expiry.Stop()
	}
}

func (c *Client) deregister() error {
	c.seq.stop()
	if _, err := c.registry.Deregister(context.Background(), c.id); err != nil {
		c.log.Printf("leave: deregister %s: %v", c.id, err)
		return err
	}
	return nil
}

// deliver hands an event to the connection. It fails only when the send
// buffer is full.
func (c *Client) deliver(ev types.Event) error {
	select {
	case <-c.stop:
		return errClientStopped
	default:
	}

	if c.state.Load() == stateLeft {
		return errClientStopped
	}

	if c.overflowed.Load() || len(c.send) == cap(c.send) {
		return errSendBufferFull
	}
	c.seq.push(ev)
	return nil
}

// emit queues an event released by the sequencer. An event that does not fit
// cannot be skipped without leaving the client a silent gap, so the
// connection is closed instead and the client is expected to reconnect and
// reload.
func (c *Client) emit(ev types.Event) {
	if c.overflowed.Load() {
		return
	}
	if !c.queueMessage(EventMessage(ev)) {
		c.overflowed.Store(true)
		c.closeWith(websocket.CloseTryAgainLater, "event backlog exceeded")
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send buffer full for connection %s, dropping message", c.id)
		return false
	}

	return true
}

func (c *Client) writeJSON(msg *ServerMessage) bool {
	bytes, err := serializeMessage(msg)
	if err != nil {
		c.log.Println("failed to serialize message:", err)
		return true
	}
	return c.sendMessage(websocket.TextMessage, bytes)
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// closeGracefully flushes queued messages before closing the socket.
func (c *Client) closeGracefully() {
	c.closeWith(websocket.CloseNormalClosure, "room closed")
}

// closeWith drains the send buffer and closes with code and reason. Only the
// first call has an effect.
func (c *Client) closeWith(code int, reason string) {
	c.drainOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.drain)
	})
}

func (c *Client) cleanup() {
	c.hub.unregister(c)

	if c.state.Swap(stateLeft) == stateJoined {
		c.deregister()
	}

	c.disarmExpiry()
	c.seq.stop()
	c.stopClient()
}
