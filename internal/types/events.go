package types

import "time"

type EventType string

const (
	EventCommentNew     EventType = "comment_new"
	EventCommentDeleted EventType = "comment_deleted"
	EventLikeUpdated    EventType = "like_updated"
	EventUserJoined     EventType = "user_joined"
	EventUserLeft       EventType = "user_left"
	EventRoomClosing    EventType = "room_closing"
)

// Event is a domain event fanned out to every live connection of a room.
// Seq orders events within a room; zero means unsequenced.
type Event struct {
	Type      EventType `json:"type"`
	RoomId    string    `json:"roomId"`
	Seq       uint64    `json:"seq,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type CommentDeleted struct {
	CommentId string `json:"commentId"`
}

type LikeUpdated struct {
	CommentId string `json:"commentId"`
	LikeCount int    `json:"likeCount"`
}

type Presence struct {
	UserName  string `json:"userName"`
	UserCount int    `json:"userCount"`
}

type RoomClosing struct {
	RoomId string `json:"roomId"`
}

type RelayKind string

const (
	RelayEvent      RelayKind = "event"
	RelayDisconnect RelayKind = "disconnect"
)

// RelayMessage carries room traffic between server instances that share a
// store. Origin is the publishing instance, which ignores its own messages.
type RelayMessage struct {
	Origin        string    `json:"origin"`
	Kind          RelayKind `json:"kind"`
	RoomId        string    `json:"roomId"`
	Event         *Event    `json:"event,omitempty"`
	ConnectionIds []string  `json:"connectionIds,omitempty"`
}
