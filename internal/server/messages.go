package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/go-liveroom/internal/engine"
	"github.com/npezzotti/go-liveroom/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join  *Join  `json:"join,omitempty"`
	Leave *Leave `json:"leave,omitempty"`
}

type Join struct {
	RoomId   string `json:"roomId"`
	UserId   string `json:"userId"`
	UserName string `json:"userName"`
}

type Leave struct{}

type ServerMessage struct {
	BaseMessage
	Response *Response    `json:"response,omitempty"`
	Event    *types.Event `json:"event,omitempty"`
}

type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			Code: http.StatusOK,
			Data: data,
		},
	}
}

// ErrResponse reports a failed control message. Internal failures are not
// described to the client.
func ErrResponse(id int, err error) *ServerMessage {
	code := engine.HTTPStatus(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		message = "internal server error"
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			Code:    code,
			Message: message,
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			Code:    http.StatusBadRequest,
			Message: "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

// A connection joins a single room for its lifetime; rejoining needs a new
// connection.
var errAlreadyJoined = fmt.Errorf("%w: connection already joined a room", engine.ErrConflict)

func EventMessage(ev types.Event) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: &ev,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
