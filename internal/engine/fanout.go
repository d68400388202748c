package engine

import (
	"context"
	"errors"
	"log"

	"github.com/npezzotti/go-liveroom/internal/stats"
	"github.com/npezzotti/go-liveroom/internal/types"
)

// ErrConnectionGone is returned by a Sender when the target connection no
// longer exists. Any other Send error is treated as transient.
var ErrConnectionGone = errors.New("connection gone")

// Sender is the transport boundary of the fan-out. It only knows the
// connections held by this instance.
type Sender interface {
	Send(ctx context.Context, connectionId string, ev types.Event) error
	Disconnect(ctx context.Context, connectionId string) error
}

// Relay carries events and disconnect requests to the other instances sharing
// the store. A nil Relay means this instance is alone.
type Relay interface {
	Publish(ctx context.Context, msg types.RelayMessage) error
}

// DeliveryReport describes one Broadcast call, including the user_left
// events caused by pruning dead connections along the way. Remote lists
// connections held by other instances; they are reached through the relay
// and never pruned from here.
type DeliveryReport struct {
	RoomId    string
	Events    int
	Delivered int
	Relayed   int
	Pruned    []string
	Remote    []string
	Failed    map[string]error
}

type BroadcastFanout struct {
	connections *ConnectionRegistry
	sender      Sender
	relay       Relay
	instanceId  string
	log         *log.Logger
	stats       stats.StatsProvider
}

type queuedEvent struct {
	ev    types.Event
	relay bool
}

// Broadcast delivers ev to every live connection of roomId held by this
// instance and relays it to the others. Local connections that turn out to be
// gone are deregistered and the resulting user_left events are delivered after
// ev. They are queued rather than broadcast recursively, so pruning never
// re-enters a batch.
func (f *BroadcastFanout) Broadcast(ctx context.Context, roomId string, ev types.Event) DeliveryReport {
	return f.deliver(ctx, roomId, ev, true)
}

func (f *BroadcastFanout) deliver(ctx context.Context, roomId string, ev types.Event, relay bool) DeliveryReport {
	report := DeliveryReport{RoomId: roomId, Failed: map[string]error{}}

	ev.RoomId = roomId
	queue := []queuedEvent{{ev: ev, relay: relay}}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		members, err := f.connections.members(ctx, roomId)
		if err != nil {
			f.log.Printf("broadcast %s to room %s: %v", item.ev.Type, roomId, err)
			continue
		}
		report.Events++

		remote := false
		for _, m := range members {
			if m.InstanceId != f.instanceId {
				remote = true
				if report.Events == 1 {
					report.Remote = append(report.Remote, m.ConnectionId)
				}
				continue
			}

			err := f.sender.Send(ctx, m.ConnectionId, item.ev)
			switch {
			case err == nil:
				report.Delivered++
				f.stats.Incr(stats.EventsDelivered)
			case errors.Is(err, ErrConnectionGone):
				left, removed, err := f.connections.remove(ctx, m.ConnectionId)
				if err != nil {
					f.log.Printf("prune connection %s: %v", m.ConnectionId, err)
					report.Failed[m.ConnectionId] = err
					continue
				}
				if !removed {
					continue
				}
				report.Pruned = append(report.Pruned, m.ConnectionId)
				f.stats.Incr(stats.ConnectionsPruned)
				if left.Seq != 0 {
					// everyone, here or elsewhere, needs to hear about it
					queue = append(queue, queuedEvent{ev: left, relay: true})
				}
			default:
				report.Failed[m.ConnectionId] = err
			}
		}

		if item.relay && remote && f.relayEvent(ctx, item.ev) {
			report.Relayed++
		}
	}

	return report
}

func (f *BroadcastFanout) relayEvent(ctx context.Context, ev types.Event) bool {
	if f.relay == nil {
		f.log.Printf("broadcast %s to room %s: connections held by other instances but no relay configured", ev.Type, ev.RoomId)
		return false
	}

	err := f.relay.Publish(ctx, types.RelayMessage{
		Origin: f.instanceId,
		Kind:   types.RelayEvent,
		RoomId: ev.RoomId,
		Event:  &ev,
	})
	if err != nil {
		f.log.Printf("relay %s to room %s: %v", ev.Type, ev.RoomId, err)
		return false
	}
	return true
}

// Receive handles a message relayed by another instance. Events go to the
// local connections of the room only; disconnects are applied to whichever
// of the listed connections this instance holds.
func (f *BroadcastFanout) Receive(ctx context.Context, msg types.RelayMessage) {
	if msg.Origin == f.instanceId {
		return
	}

	switch msg.Kind {
	case types.RelayEvent:
		if msg.Event == nil {
			return
		}
		report := f.deliver(ctx, msg.RoomId, *msg.Event, false)
		if len(report.Failed) > 0 {
			f.log.Printf("relayed %s to room %s: %d delivered, %d failed", msg.Event.Type, msg.RoomId, report.Delivered, len(report.Failed))
		}
	case types.RelayDisconnect:
		for _, id := range msg.ConnectionIds {
			f.disconnect(ctx, id)
		}
	default:
		f.log.Printf("relay: unknown message kind %q from %s", msg.Kind, msg.Origin)
	}
}

func (f *BroadcastFanout) publish(ctx context.Context, ev types.Event) {
	report := f.Broadcast(ctx, ev.RoomId, ev)
	if len(report.Failed) > 0 {
		f.log.Printf("broadcast %s to room %s: %d delivered, %d failed", ev.Type, ev.RoomId, report.Delivered, len(report.Failed))
	}
}

// disconnectAll closes the listed connections here and asks the other
// instances to close theirs.
func (f *BroadcastFanout) disconnectAll(ctx context.Context, roomId string, connectionIds []string) {
	if len(connectionIds) == 0 {
		return
	}

	for _, id := range connectionIds {
		f.disconnect(ctx, id)
	}

	if f.relay == nil {
		return
	}
	err := f.relay.Publish(ctx, types.RelayMessage{
		Origin:        f.instanceId,
		Kind:          types.RelayDisconnect,
		RoomId:        roomId,
		ConnectionIds: connectionIds,
	})
	if err != nil {
		f.log.Printf("relay disconnect for room %s: %v", roomId, err)
	}
}

func (f *BroadcastFanout) disconnect(ctx context.Context, connectionId string) {
	if err := f.sender.Disconnect(ctx, connectionId); err != nil && !errors.Is(err, ErrConnectionGone) {
		f.log.Printf("disconnect %s: %v", connectionId, err)
	}
}
