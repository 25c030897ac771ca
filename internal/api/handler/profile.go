package handler

import (
	"errors"
	"log/slog"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/matchmaking"
	"lomitalk/backend/internal/models"
	"net/http"

	"github.com/gin-gonic/gin"
)

const transactionsLimit = 50

type profileRequest struct {
	Nickname *string `json:"nickname"`
	Language *string `json:"language" binding:"omitempty,min=2,max=8"`
	Gender   string  `json:"gender"`
	AgeGroup string  `json:"age_group"`
}

func (h *Handler) GetProfile(c *gin.Context) {
	user, err := h.Engine.Profile(c.Request.Context(), c.GetString(ctxUserID))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// UpdateProfile sets profile attributes; absent fields are left unchanged.
func (h *Handler) UpdateProfile(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString(ctxUserID)

	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gender, err := models.ParseGender(req.Gender)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	age, err := models.ParseAgeGroup(req.AgeGroup)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Nickname != nil {
		if err := h.Engine.SetNickname(ctx, userID, *req.Nickname); err != nil {
			h.abortWithError(c, err)
			return
		}
	}
	if req.Language != nil {
		if err := h.Engine.SetLanguage(ctx, userID, *req.Language); err != nil {
			h.abortWithError(c, err)
			return
		}
	}
	user, err := h.Engine.UpdateProfile(ctx, userID, gender, age)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) GetTransactions(c *gin.Context) {
	txs, err := h.Engine.Ledger.History(c.Request.Context(), c.GetString(ctxUserID), transactionsLimit)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *Handler) abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": "internal error"}

	if appErr, ok := apperr.As(err); ok {
		status = http.StatusConflict
		if appErr == apperr.ErrNotRegistered {
			status = http.StatusNotFound
		}
		body = gin.H{"error": appErr.Message, "code": appErr.Code}
	} else if errors.Is(err, matchmaking.ErrInvalidNickname) {
		status = http.StatusBadRequest
		body = gin.H{"error": err.Error()}
	} else {
		h.log.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	c.AbortWithStatusJSON(status, body)
}
