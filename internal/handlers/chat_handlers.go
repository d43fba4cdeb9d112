package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/espresso-chat/internal/chat"
)

const (
	chatIDKey   = "chat_id"
	openTimeout = 10 * time.Second
)

// UpgradeGuard authorizes GET /ws?chatId= before the protocol upgrade so a
// refused user never gets a connection.
func (h *Handler) UpgradeGuard(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	chatID := c.Query("chatId")
	if err := h.manager.Authorize(c.UserContext(), chatID, UserID(c)); err != nil {
		return chatError(c, err)
	}
	c.Locals(chatIDKey, chatID)
	return c.Next()
}

// ChatSocket GET /ws?chatId= (upgraded)
func (h *Handler) ChatSocket(c *websocket.Conn) {
	userID, _ := c.Locals(UserIDKey).(string)
	chatID, _ := c.Locals(chatIDKey).(string)
	log := h.log.With().Str("chat_id", chatID).Str("user_id", userID).Logger()

	session := h.manager.NewSession(userID, c)
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	room, err := h.manager.Open(ctx, chatID, session)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("open refused")
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReason(err)))
		return
	}

	// the connection is released when this handler returns, so wait for
	// the writer too
	written := make(chan struct{})
	go func() {
		session.WritePump()
		close(written)
	}()
	session.ReadPump(room)
	<-written
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, chat.ErrForbidden):
		return "not_member"
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// Presence GET /api/chats/:chatId/presence
func (h *Handler) Presence(c *fiber.Ctx) error {
	chatID := c.Params("chatId")
	if err := h.manager.Authorize(c.UserContext(), chatID, UserID(c)); err != nil {
		return chatError(c, err)
	}
	p, err := h.manager.Presence(c.UserContext(), chatID)
	if err != nil {
		return chatError(c, err)
	}
	return c.JSON(fiber.Map{"chatId": chatID, "presence": p})
}

// DirectChat GET /api/dm/:peer
func (h *Handler) DirectChat(c *fiber.Ctx) error {
	peer := c.Params("peer")
	me := UserID(c)
	if !chat.ValidUserID(peer) || peer == me {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid peer"})
	}
	return c.JSON(fiber.Map{"chatId": chat.DirectChatID(me, peer)})
}
