package handlers

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/chatforge/chatforge/internal/chat"
	"github.com/chatforge/chatforge/internal/common"
	"github.com/chatforge/chatforge/internal/config"
	"github.com/chatforge/chatforge/internal/httpapi/middleware"
	"github.com/chatforge/chatforge/internal/session"
	"github.com/chatforge/chatforge/internal/trust"
)

type Handler struct {
	DB        *gorm.DB
	Cfg       config.Config
	ChatSvc   *chat.Service
	Admission *trust.Controller
	Sessions  *session.Resolver
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, admission *trust.Controller, sessions *session.Resolver) *Handler {
	return &Handler{
		DB:        db,
		Cfg:       cfg,
		ChatSvc:   svc,
		Admission: admission,
		Sessions:  sessions,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// ipHash is the hashed network-origin signal kept on threads for claim
// narrowing. Only a truncated digest is stored, never the address itself.
func ipHash(c *gin.Context) string {
	sum := sha256.Sum256([]byte(c.ClientIP()))
	return hex.EncodeToString(sum[:16])
}
