package relay

import (
	"context"
	"slices"
	"sync"

	"github.com/npezzotti/go-liveroom/internal/types"
)

// Bus connects engines running in the same process. Publish hands every
// message to all subscribers synchronously, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish round-trips msg through the wire encoding so subscribers see what
// they would see from another process.
func (b *Bus) Publish(ctx context.Context, msg types.RelayMessage) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}

	b.mu.RLock()
	handlers := slices.Clone(b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		decoded, err := decode(payload)
		if err != nil {
			return err
		}
		h(context.WithoutCancel(ctx), decoded)
	}
	return nil
}
