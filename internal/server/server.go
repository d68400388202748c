package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/npezzotti/go-liveroom/internal/engine"
	"github.com/npezzotti/go-liveroom/internal/types"
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errClientStopped  = engine.ErrConnectionGone
	errShuttingDown   = errors.New("hub is shutting down")
)

// Hub tracks the push connections served by this process. It is the engine's
// Sender: an unknown connection id means the socket is gone.
type Hub struct {
	log         *log.Logger
	clients     map[string]*Client
	clientsLock sync.RWMutex
	closing     bool
	wg          sync.WaitGroup
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		log:     logger,
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(c *Client) error {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if h.closing {
		return errShuttingDown
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		h.wg.Done()
	}
}

func (h *Hub) client(id string) *Client {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()
	return h.clients[id]
}

func (h *Hub) Len() int {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()
	return len(h.clients)
}

func (h *Hub) Send(_ context.Context, connectionId string, ev types.Event) error {
	c := h.client(connectionId)
	if c == nil {
		return engine.ErrConnectionGone
	}
	return c.deliver(ev)
}

// Disconnect closes a connection after the messages already queued for it
// are written.
func (h *Hub) Disconnect(_ context.Context, connectionId string) error {
	c := h.client(connectionId)
	if c == nil {
		return engine.ErrConnectionGone
	}
	c.closeGracefully()
	return nil
}

// Shutdown stops every connection and waits for them to deregister.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.clientsLock.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsLock.Unlock()

	h.log.Printf("closing %d connections", len(clients))
	for _, c := range clients {
		c.stopClient()
		if c.conn != nil {
			c.conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
