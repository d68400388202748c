// Package relay moves room traffic between server instances that share one
// store, so each instance can deliver to the sockets it holds.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/npezzotti/go-liveroom/internal/types"
)

// Handler receives messages published by any instance, including the
// receiver itself; it is expected to skip its own.
type Handler func(ctx context.Context, msg types.RelayMessage)

// Messages use the push channel's JSON encoding so relayed events reach
// clients unchanged.
func encode(msg types.RelayMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(payload []byte) (types.RelayMessage, error) {
	var msg types.RelayMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return types.RelayMessage{}, fmt.Errorf("decode relay message: %w", err)
	}
	return msg, nil
}
