package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pelusa-v/espresso-chat/internal/chat"
)

// UserIDKey is the fiber Locals key holding the authenticated user id.
const UserIDKey = "user_id"

var ErrInvalidToken = errors.New("invalid token")

// Authenticator verifies HS256 bearer tokens whose subject is the user id.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for userID.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify returns the user id carried by token. Subjects that could not be
// told apart inside a direct chat id are refused.
func (a *Authenticator) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer))
	if err != nil || !parsed.Valid || !chat.ValidUserID(claims.Subject) {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Middleware requires a valid bearer token. Browsers cannot set headers on
// a WebSocket handshake, so the access_token query parameter is accepted too.
func (a *Authenticator) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("access_token")
		if header := c.Get(fiber.HeaderAuthorization); header != "" {
			if !strings.HasPrefix(header, "Bearer ") {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "use: Bearer <token>"})
			}
			token = strings.TrimPrefix(header, "Bearer ")
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "authorization required"})
		}

		userID, err := a.Verify(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(UserIDKey, userID)
		return c.Next()
	}
}

// UserID returns the authenticated user id of the request.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(UserIDKey).(string)
	return id
}
