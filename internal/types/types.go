package types

import (
	"time"
)

type RoomStatus string

const (
	RoomActive RoomStatus = "active"
	RoomClosed RoomStatus = "closed"
)

type Settings struct {
	MaxCommentsPerUser int `json:"maxCommentsPerUser"`
	MaxLikesPerUser    int `json:"maxLikesPerUser"`
	MaxCommentLength   int `json:"maxCommentLength"`
}

type Room struct {
	RoomId           string     `json:"roomId"`
	RoomCode         string     `json:"roomCode"`
	HostId           string     `json:"hostId"`
	Status           RoomStatus `json:"status"`
	Settings         Settings   `json:"settings"`
	ParticipantCount int        `json:"participantCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
}

func (r Room) Active() bool {
	return r.Status == RoomActive
}

type Comment struct {
	CommentId string    `json:"commentId"`
	RoomId    string    `json:"roomId"`
	UserId    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	LikeCount int       `json:"likeCount"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Connection struct {
	ConnectionId string `json:"connectionId"`
	RoomId       string `json:"roomId"`
	UserId       string `json:"userId"`
	UserName     string `json:"userName"`
	// InstanceId names the server process holding the socket. Only that
	// process may deliver to the connection or declare it gone.
	InstanceId  string    `json:"instanceId"`
	ConnectedAt time.Time `json:"connectedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	// JoinSeq is the room sequence number of the user_joined event emitted
	// for this connection. Events older than it are never delivered here.
	JoinSeq uint64 `json:"joinSeq"`
}

type Like struct {
	CommentId string    `json:"commentId"`
	UserId    string    `json:"userId"`
	RoomId    string    `json:"roomId"`
	CreatedAt time.Time `json:"createdAt"`
}

type CommentPage struct {
	Comments   []Comment `json:"comments"`
	NextCursor string    `json:"nextCursor,omitempty"`
}
