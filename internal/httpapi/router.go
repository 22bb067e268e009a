package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-workspace/internal/common"
	"github.com/suPer8Hu/ai-workspace/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-workspace/internal/httpapi/middleware"
)

func NewRouter(d handlers.Deps) *gin.Engine {
	h := handlers.NewHandler(d)

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(h.Log))
	r.Use(middleware.Recovery(h.Log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// CRUD users register
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)

	// auth
	r.POST("/login", h.Login)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(d.Cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// Chat (JWT required)
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.GET("/chat/sessions", h.ListChatSessions)
	authGroup.GET("/chat/sessions/:session_id", h.GetChatSession)
	authGroup.PATCH("/chat/sessions/:session_id", h.RenameChatSession)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.GET("/chat/sessions/:session_id/events", h.SessionEvents)
	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.POST("/chat/messages/stream", h.SendChatMessageStream)
	authGroup.POST("/chat/messages/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)

	// Credits
	authGroup.GET("/credits", h.GetCredits)
	authGroup.GET("/credits/transactions", h.ListCreditTransactions)
	return r
}
