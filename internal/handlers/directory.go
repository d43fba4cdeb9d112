package handlers

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/pelusa-v/espresso-chat/internal/chat"
	"github.com/pelusa-v/espresso-chat/internal/store"
)

const (
	maxNameRunes = 100
	devTokenTTL  = 24 * time.Hour
)

type profileRequest struct {
	DisplayName string `json:"displayName"`
}

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// sanitizeName trims, strips control characters and caps the rune count.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if r := []rune(name); len(r) > maxNameRunes {
		name = string(r[:maxNameRunes])
	}
	return name
}

// PutMe PUT /api/users/me
func (h *Handler) PutMe(c *fiber.Ctx) error {
	var req profileRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	name := sanitizeName(req.DisplayName)
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "displayName required"})
	}

	ctx := c.UserContext()
	me := UserID(c)
	u, err := h.dir.GetUser(ctx, me)
	switch {
	case errors.Is(err, store.ErrNotFound):
		u = &store.User{ID: me}
	case err != nil:
		return chatError(c, err)
	}
	u.DisplayName = name
	if err := h.dir.PutUser(ctx, u); err != nil {
		return chatError(c, err)
	}
	return c.JSON(u)
}

// GetMe GET /api/users/me
func (h *Handler) GetMe(c *fiber.Ctx) error {
	u, err := h.dir.GetUser(c.UserContext(), UserID(c))
	if err != nil {
		return chatError(c, err)
	}
	return c.JSON(u)
}

// CreateGroup POST /api/groups
func (h *Handler) CreateGroup(c *fiber.Ctx) error {
	var req groupRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	name := sanitizeName(req.Name)
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name required"})
	}

	ctx := c.UserContext()
	me := UserID(c)
	g := &store.Group{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		OwnerID:     me,
		Members:     []string{me},
	}
	if err := h.dir.PutGroup(ctx, g); err != nil {
		return chatError(c, err)
	}
	h.indexGroup(c, me, g.ID)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"groupId": g.ID,
		"chatId":  chat.GroupChatID(g.ID),
	})
}

// GetGroup GET /api/groups/:id
func (h *Handler) GetGroup(c *fiber.Ctx) error {
	g, err := h.dir.GetGroup(c.UserContext(), c.Params("id"))
	if err != nil {
		return chatError(c, err)
	}
	if !g.HasMember(UserID(c)) {
		return chatError(c, chat.ErrForbidden)
	}
	return c.JSON(g)
}

// JoinGroup POST /api/groups/:id/join
func (h *Handler) JoinGroup(c *fiber.Ctx) error {
	ctx := c.UserContext()
	me := UserID(c)
	g, err := h.dir.GetGroup(ctx, c.Params("id"))
	if err != nil {
		return chatError(c, err)
	}
	if g.AddMember(me) {
		if err := h.dir.PutGroup(ctx, g); err != nil {
			return chatError(c, err)
		}
	}
	h.indexGroup(c, me, g.ID)
	return c.SendStatus(fiber.StatusNoContent)
}

// indexGroup records groupID on the user's profile. The group record is
// authoritative, so failures are only logged.
func (h *Handler) indexGroup(c *fiber.Ctx, userID, groupID string) {
	ctx := c.UserContext()
	u, err := h.dir.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		u, err = &store.User{ID: userID, DisplayName: userID}, nil
	}
	if err == nil {
		u.JoinGroup(groupID)
		err = h.dir.PutUser(ctx, u)
	}
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Str("group_id", groupID).Msg("group index update failed")
	}
}

// DevToken POST /dev/token issues a token for any user id. Mounted only in
// development.
func (h *Handler) DevToken(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.BodyParser(&req); err != nil || !chat.ValidUserID(req.UserID) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "valid userId required"})
	}
	token, err := h.auth.Issue(req.UserID, devTokenTTL)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal"})
	}
	return c.JSON(fiber.Map{"token": token})
}
