package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/chatforge/chatforge/internal/chat"
	"github.com/chatforge/chatforge/internal/common"
	"github.com/chatforge/chatforge/internal/config"
	"github.com/chatforge/chatforge/internal/httpapi/handlers"
	"github.com/chatforge/chatforge/internal/httpapi/middleware"
	"github.com/chatforge/chatforge/internal/session"
	"github.com/chatforge/chatforge/internal/trust"
)

func NewRouter(db *gorm.DB, cfg config.Config, svc *chat.Service, admission *trust.Controller, sessions *session.Resolver) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, svc, admission, sessions)

	r.GET("/ping", h.Ping)

	// CRUD users register
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)

	// auth
	r.POST("/login", h.Login)

	// Chat works for both anonymous sessions and JWT callers.
	chatGroup := r.Group("/")
	chatGroup.Use(middleware.AuthOptional(cfg.JWTSecret))
	chatGroup.POST("/chat/generate", h.Generate)
	chatGroup.GET("/chat/threads", h.ListThreads)
	chatGroup.GET("/chat/threads/:thread_id/draft", h.GetDraft)
	chatGroup.GET("/chat/threads/:thread_id/messages", h.ListMessages)
	chatGroup.POST("/chat/attachments", h.CreateAttachment)
	chatGroup.GET("/chat/jobs/:job_id", h.GetJob)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)
	authGroup.POST("/session/claim", h.ClaimSession)

	return r
}
