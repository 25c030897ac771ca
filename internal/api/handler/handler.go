package handler

import (
	"log/slog"
	"lomitalk/backend/internal/chathub"
	"lomitalk/backend/internal/matchmaking"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the HTTP front end: anonymous registration, the
// WebSocket endpoint and operational routes.
type Handler struct {
	Hub    *chathub.ManagerService
	Engine *matchmaking.Engine

	secret   []byte
	tokenTTL time.Duration
	log      *slog.Logger
}

func NewHandler(hub *chathub.ManagerService, engine *matchmaking.Engine, jwtSecret string, tokenTTL time.Duration, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Hub:      hub,
		Engine:   engine,
		secret:   []byte(jwtSecret),
		tokenTTL: tokenTTL,
		log:      log.With(slog.String("component", "http")),
	}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/anonid", h.GetAnonID)

	authed := api.Group("/", h.RequireAuth)
	authed.GET("/me", h.GetProfile)
	authed.PUT("/me", h.UpdateProfile)
	authed.GET("/me/transactions", h.GetTransactions)

	r.GET("/ws", h.ServeWebSocket)
}

// Health reports liveness and the number of connected clients.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": h.Hub.ClientCount(),
	})
}
