package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"lomitalk/backend/internal/localization"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	issuer        = "lomitalk-service"
	ctxUserID     = "user_id"
	bearerPrefix  = "Bearer "
	queryTokenKey = "token"
)

var errTokenMissing = errors.New("authorization token missing")

type claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// generateJWT signs a token carrying the user id.
func (h *Handler) generateJWT(userID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.tokenTTL)),
		},
	})
	return token.SignedString(h.secret)
}

// parseJWT validates the signature, issuer and expiry and returns the user id.
func (h *Handler) parseJWT(tokenString string) (string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		return h.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	if c.UserID == "" {
		return "", fmt.Errorf("token without user id")
	}
	return c.UserID, nil
}

// tokenFrom reads the bearer token from the Authorization header, falling
// back to the "token" query parameter for browser WebSocket clients.
func tokenFrom(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return "", errTokenMissing
		}
		return strings.TrimPrefix(header, bearerPrefix), nil
	}
	if token := c.Query(queryTokenKey); token != "" {
		return token, nil
	}
	return "", errTokenMissing
}

func (h *Handler) authenticate(c *gin.Context) (string, bool) {
	token, err := tokenFrom(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return "", false
	}
	userID, err := h.parseJWT(token)
	if err != nil {
		h.log.Debug("token rejected", slog.Any("error", err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return "", false
	}
	return userID, true
}

// RequireAuth is middleware that stores the authenticated user id in the context.
func (h *Handler) RequireAuth(c *gin.Context) {
	userID, ok := h.authenticate(c)
	if !ok {
		return
	}
	c.Set(ctxUserID, userID)
	c.Next()
}

type anonIDRequest struct {
	Language string `json:"language"`
}

// GetAnonID registers an anonymous user and returns a JWT for it.
func (h *Handler) GetAnonID(c *gin.Context) {
	var req anonIDRequest
	// An empty body is fine.
	_ = c.ShouldBindJSON(&req)
	if req.Language == "" {
		req.Language = localization.DefaultLanguage
	}

	user, _, err := h.Engine.Register(c.Request.Context(), nil, req.Language)
	if err != nil {
		h.log.Error("anonymous registration failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register"})
		return
	}

	token, err := h.generateJWT(user.ID)
	if err != nil {
		h.log.Error("token signing failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": user.ID, "points": user.Points})
}
