package handlers

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/espresso-chat/internal/chat"
	"github.com/pelusa-v/espresso-chat/internal/store"
)

// Handler contains shared dependencies for all gateway handlers.
type Handler struct {
	manager *chat.Manager
	dir     store.Directory
	auth    *Authenticator
	log     zerolog.Logger

	devTokens bool
}

func NewHandler(manager *chat.Manager, dir store.Directory, auth *Authenticator, log zerolog.Logger) *Handler {
	return &Handler{manager: manager, dir: dir, auth: auth, log: log}
}

// EnableDevTokens mounts POST /dev/token on the next Routes call.
func (h *Handler) EnableDevTokens() { h.devTokens = true }

// Routes mounts every gateway endpoint on app.
func (h *Handler) Routes(app *fiber.App) {
	app.Use(Logger(h.log))

	app.Get("/health", h.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	if h.devTokens {
		app.Post("/dev/token", h.DevToken)
	}

	authed := h.auth.Middleware()

	// WS
	app.Get("/ws", authed, h.UpgradeGuard, websocket.New(h.ChatSocket))

	// APIs
	api := app.Group("/api", authed)
	api.Put("/users/me", h.PutMe)
	api.Get("/users/me", h.GetMe)
	api.Post("/groups", h.CreateGroup)
	api.Get("/groups/:id", h.GetGroup)
	api.Post("/groups/:id/join", h.JoinGroup)
	api.Get("/dm/:peer", h.DirectChat)
	api.Get("/chats/:chatId/presence", h.Presence)
}

// Health GET /health
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "rooms": h.manager.RoomCount()})
}

// chatError maps room outcomes to HTTP statuses.
func chatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, chat.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not_member"})
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	case errors.Is(err, chat.ErrInvalidChatID):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_chat_id"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal"})
	}
}
