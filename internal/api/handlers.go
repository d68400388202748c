package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-liveroom/internal/engine"
	"github.com/npezzotti/go-liveroom/internal/server"
	"github.com/npezzotti/go-liveroom/internal/types"
	"github.com/samber/lo"
)

const maxBodyBytes = 64 << 10

type CreateRoomRequest struct {
	HostId   string          `json:"hostId" validate:"required,max=128"`
	Settings *types.Settings `json:"settings"`
}

type CloseRoomRequest struct {
	HostId string `json:"hostId" validate:"required"`
}

type PostCommentRequest struct {
	UserId   string `json:"userId" validate:"required,max=128"`
	UserName string `json:"userName" validate:"required,max=50"`
	Content  string `json:"content" validate:"required"`
}

// UserRequest identifies the acting participant of comment deletion and
// like toggles.
type UserRequest struct {
	UserId string `json:"userId" validate:"required,max=128"`
}

type RoomResponse struct {
	Room      types.Room `json:"room"`
	RoomURL   string     `json:"roomUrl,omitempty"`
	QRCodeURL string     `json:"qrCodeUrl,omitempty"`
}

type LikeResponse struct {
	CommentId string `json:"commentId"`
	LikeCount int    `json:"likeCount"`
}

type LikedCommentsResponse struct {
	CommentIds []string `json:"commentIds"`
}

func (s *LiveRoomApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *LiveRoomApp) writeError(w http.ResponseWriter, op string, err error) {
	errResp := engineError(err)
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Printf("%s: %v", op, err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// decodeRequest reads a JSON body into req and validates it. On failure the
// response has been written and ok is false.
func (s *LiveRoomApp) decodeRequest(w http.ResponseWriter, r *http.Request, req any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}

	if err := s.validate.Struct(req); err != nil {
		errResp := NewBadRequestError()
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			errResp.Message = "invalid request: " + strings.Join(lo.Map(fieldErrs, func(fe validator.FieldError, _ int) string {
				return fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag())
			}), ", ")
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}

	return true
}

func (s *LiveRoomApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *LiveRoomApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	room, err := s.engine.Rooms.Create(r.Context(), req.HostId, req.Settings)
	if err != nil {
		s.writeError(w, "create room", err)
		return
	}

	roomURL := s.publicURL + "/join/" + room.RoomCode
	s.writeJson(w, http.StatusCreated, RoomResponse{
		Room:      room,
		RoomURL:   roomURL,
		QRCodeURL: s.qrCodeURL + "?data=" + url.QueryEscape(roomURL),
	})
}

func (s *LiveRoomApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.engine.Rooms.Get(r.Context(), r.PathValue("roomId"))
	if err != nil {
		s.writeError(w, "get room", err)
		return
	}

	room.ParticipantCount, err = s.engine.Connections.Count(r.Context(), room.RoomId)
	if err != nil {
		s.writeError(w, "count participants", err)
		return
	}

	s.writeJson(w, http.StatusOK, RoomResponse{Room: room})
}

func (s *LiveRoomApp) getRoomResource(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	switch {
	case r.PathValue("roomId") == "code":
		s.getRoomByCode(w, r, resource)
	case resource == "comments":
		s.listComments(w, r)
	case resource == "likes":
		s.likedComments(w, r)
	default:
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}

func (s *LiveRoomApp) getRoomByCode(w http.ResponseWriter, r *http.Request, code string) {
	room, err := s.engine.Rooms.GetByCode(r.Context(), code)
	if err != nil {
		s.writeError(w, "get room by code", err)
		return
	}

	s.writeJson(w, http.StatusOK, RoomResponse{Room: room})
}

func (s *LiveRoomApp) closeRoom(w http.ResponseWriter, r *http.Request) {
	var req CloseRoomRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	roomId := r.PathValue("roomId")
	if err := s.engine.Rooms.Close(r.Context(), roomId, req.HostId); err != nil {
		s.writeError(w, "close room", err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{
		"roomId": roomId,
		"status": string(types.RoomClosed),
	})
}

func (s *LiveRoomApp) postComment(w http.ResponseWriter, r *http.Request) {
	var req PostCommentRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	comment, err := s.engine.Comments.Post(r.Context(), r.PathValue("roomId"), req.UserId, req.UserName, req.Content)
	if err != nil {
		s.writeError(w, "post comment", err)
		return
	}

	s.writeJson(w, http.StatusCreated, comment)
}

func (s *LiveRoomApp) listComments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var limit int
	if limitStr := query.Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	page, err := s.engine.Comments.List(r.Context(), r.PathValue("roomId"),
		engine.SortOrder(query.Get("sortBy")), limit, query.Get("cursor"))
	if err != nil {
		s.writeError(w, "list comments", err)
		return
	}

	s.writeJson(w, http.StatusOK, page)
}

func (s *LiveRoomApp) deleteComment(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	if err := s.engine.Comments.Delete(r.Context(), r.PathValue("commentId"), req.UserId); err != nil {
		s.writeError(w, "delete comment", err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *LiveRoomApp) like(w http.ResponseWriter, r *http.Request) {
	s.toggleLike(w, r, "like comment", s.engine.Likes.Like)
}

func (s *LiveRoomApp) unlike(w http.ResponseWriter, r *http.Request) {
	s.toggleLike(w, r, "unlike comment", s.engine.Likes.Unlike)
}

func (s *LiveRoomApp) toggleLike(w http.ResponseWriter, r *http.Request, op string,
	apply func(ctx context.Context, commentId, userId string) (int, error)) {
	var req UserRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	commentId := r.PathValue("commentId")
	count, err := apply(r.Context(), commentId, req.UserId)
	if err != nil {
		s.writeError(w, op, err)
		return
	}

	s.writeJson(w, http.StatusOK, LikeResponse{CommentId: commentId, LikeCount: count})
}

func (s *LiveRoomApp) likedComments(w http.ResponseWriter, r *http.Request) {
	userId := r.URL.Query().Get("userId")
	if userId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	ids, err := s.engine.Likes.LikedComments(r.Context(), r.PathValue("roomId"), userId)
	if err != nil {
		s.writeError(w, "list liked comments", err)
		return
	}

	s.writeJson(w, http.StatusOK, LikedCommentsResponse{CommentIds: ids})
}

func (s *LiveRoomApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return lo.Contains(s.allowedOrigins, origin) || lo.Contains(s.allowedOrigins, "*")
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(uuid.NewString(), conn, s.hub, s.engine.Connections, s.log)
	if err := s.hub.Register(client); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
