package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-liveroom/internal/config"
	"github.com/npezzotti/go-liveroom/internal/engine"
	"github.com/npezzotti/go-liveroom/internal/server"
)

type LiveRoomApp struct {
	log            *log.Logger
	engine         *engine.Engine
	hub            *server.Hub
	srv            *http.Server
	validate       *validator.Validate
	allowedOrigins []string
	publicURL      string
	qrCodeURL      string
}

func NewLiveRoomApp(mux *http.ServeMux, logger *log.Logger, eng *engine.Engine, hub *server.Hub, cfg *config.Config) *LiveRoomApp {
	s := &LiveRoomApp{
		log:            logger,
		engine:         eng,
		hub:            hub,
		validate:       newValidator(),
		allowedOrigins: cfg.AllowedOrigins,
		publicURL:      strings.TrimRight(cfg.PublicURL, "/"),
		qrCodeURL:      cfg.QRCodeURL,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /rooms", s.createRoom)
	mux.HandleFunc("GET /rooms/{roomId}", noStore(s.getRoom))
	mux.HandleFunc("DELETE /rooms/{roomId}", s.closeRoom)
	// serves GET /rooms/code/{roomCode}, /rooms/{roomId}/comments and
	// /rooms/{roomId}/likes, which the mux cannot tell apart
	mux.HandleFunc("GET /rooms/{roomId}/{resource}", noStore(s.getRoomResource))
	mux.HandleFunc("POST /rooms/{roomId}/comments", s.postComment)
	mux.HandleFunc("DELETE /comments/{commentId}", s.deleteComment)
	mux.HandleFunc("POST /comments/{commentId}/likes", s.like)
	mux.HandleFunc("DELETE /comments/{commentId}/likes", s.unlike)
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)

	h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *LiveRoomApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *LiveRoomApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *LiveRoomApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// hijacked websocket connections are not covered by http.Server.Shutdown
	if err := s.hub.Shutdown(ctx); err != nil {
		return fmt.Errorf("hub shutdown: %w", err)
	}

	return nil
}
