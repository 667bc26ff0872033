package sessionHandler

import (
	sessionService "PersonDetection/internal/api/session/service"
	"PersonDetection/internal/middleware"
	"PersonDetection/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

type SessionHandler struct {
	log            *logrus.Logger
	middleware     middleware.Middleware
	sessionService sessionService.ISessionService
	utils          utils.IUtils
}

func New(
	log *logrus.Logger,
	middleware middleware.Middleware,
	sessionService sessionService.ISessionService,
	utils utils.IUtils,
) *SessionHandler {
	return &SessionHandler{
		log:            log,
		middleware:     middleware,
		sessionService: sessionService,
		utils:          utils,
	}
}

func (h *SessionHandler) Start(srv fiber.Router) {
	wsMiddleware := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}

	srv.Post("/upload", h.Upload)
	srv.Post("/process/:session_id", h.Process)
	srv.Get("/status/:session_id", h.Status)
	srv.Get("/status/:session_id/ws", wsMiddleware, websocket.New(h.StatusStream))
	srv.Get("/download/:session_id", h.Download)
	srv.Delete("/session/:session_id", h.Delete)

	srv.Post("/sessions", h.CreateSession)
	srv.Get("/sessions", h.ListSessions)
	srv.Get("/config", h.CaptureConfig)
	srv.Get("/runs", h.Runs)
}
