package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/ai-workspace/internal/ai"
	"github.com/suPer8Hu/ai-workspace/internal/chat"
	"github.com/suPer8Hu/ai-workspace/internal/common"
	"github.com/suPer8Hu/ai-workspace/internal/config"
	"github.com/suPer8Hu/ai-workspace/internal/credits"
	"github.com/suPer8Hu/ai-workspace/internal/httpapi/middleware"
)

// JobPublisher hands a stored job to the worker queue.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// EventSource streams a session's push events until ctx is done.
type EventSource interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan chat.Event, error)
}

type Deps struct {
	DB       *gorm.DB
	Cfg      config.Config
	Log      *zap.Logger
	Registry *ai.Registry
	ChatSvc  *chat.Service
	Orch     *chat.Orchestrator
	Credits  *credits.Service
	// Jobs and Events are optional; their routes answer 503 without them.
	Jobs   JobPublisher
	Events EventSource
}

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	Log      *zap.Logger
	Registry *ai.Registry
	ChatSvc  *chat.Service
	Orch     *chat.Orchestrator
	Credits  *credits.Service
	Jobs     JobPublisher
	Events   EventSource
}

func NewHandler(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Handler{
		DB:       d.DB,
		Cfg:      d.Cfg,
		Log:      d.Log,
		Registry: d.Registry,
		ChatSvc:  d.ChatSvc,
		Orch:     d.Orch,
		Credits:  d.Credits,
		Jobs:     d.Jobs,
		Events:   d.Events,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	return middleware.UserID(c)
}

// failErr renders domain errors with their fixed status/code pairs and
// anything else as a logged 500. Foreign and missing sessions look the same.
func (h *Handler) failErr(c *gin.Context, op string, err error) {
	var insufficient *credits.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		common.FailWithData(c, http.StatusPaymentRequired, 40201, "insufficient credits", gin.H{
			"needed":    insufficient.Needed,
			"remaining": insufficient.Remaining,
			"shortfall": insufficient.Shortfall(),
		})
	case chat.IsNoAccess(err):
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
	case errors.Is(err, chat.ErrInvalidStreamState):
		h.Log.Warn(op, zap.Error(err))
		common.Fail(c, http.StatusConflict, 40901, "message is not streaming")
	case errors.Is(err, chat.ErrEmptyContent):
		common.Fail(c, http.StatusBadRequest, 10002, "message is required")
	case errors.Is(err, chat.ErrInvalidRole), errors.Is(err, chat.ErrInvalidTitle):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, ai.ErrUnknownProvider):
		common.Fail(c, http.StatusBadRequest, 10005, "unsupported provider")
	default:
		h.Log.Error(op, zap.Error(err), zap.String("request_id", c.GetString(middleware.RequestIDKey)))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
