package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatforge/chatforge/internal/ai"
	"github.com/chatforge/chatforge/internal/chat"
	"github.com/chatforge/chatforge/internal/common"
	"github.com/chatforge/chatforge/internal/trust"
)

const (
	sessionIDHeader   = "X-Session-Id"
	fingerprintHeader = "X-Fingerprint"
)

type generateReq struct {
	Messages      []chat.WireMessage `json:"messages" binding:"required"`
	ModelID       string             `json:"model_id" binding:"required"`
	ThreadID      string             `json:"thread_id"`
	Temperature   float64            `json:"temperature"`
	MaxTokens     int                `json:"max_tokens"`
	AttachmentIDs []string           `json:"attachment_ids"`
	EnableTools   bool               `json:"enable_tools"`
}

func rateHeaders(c *gin.Context, d trust.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.RetryAfter).Unix(), 10))
}

// Generate accepts a chat request and returns immediately with the thread
// and draft ids; generation continues in the background and is observed by
// polling the draft.
func (h *Handler) Generate(c *gin.Context) {
	var req generateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	messages, err := chat.ResolveWireMessages(req.Messages)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10005, err.Error())
		return
	}

	owner := chat.Owner{}
	var sessionID string

	if uid, authed := userIDFromContext(c); authed {
		owner.UserID = &uid
	} else {
		sess, err := h.Sessions.Resolve(c.Request.Context(), c.GetHeader(sessionIDHeader), c.GetHeader(fingerprintHeader))
		if err != nil {
			log.Printf("[chat] resolve session: %v", err)
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
		sessionID = sess.ID
		owner.SessionID = sess.ID
		c.Header(sessionIDHeader, sess.ID)

		decision, err := h.Admission.Evaluate(c.Request.Context(), sess.ID)
		if err != nil {
			log.Printf("[chat] admission evaluate %s: %v", sess.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
		rateHeaders(c, decision)
		if !decision.Allowed {
			if decision.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
			}
			common.FailReason(c, http.StatusTooManyRequests, 42901, "rate limit exceeded", decision.Reason)
			return
		}
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	res, err := h.ChatSvc.Generate(c.Request.Context(), chat.GenerateInput{
		Owner:          owner,
		IPHash:         ipHash(c),
		ThreadID:       req.ThreadID,
		Messages:       messages,
		ModelID:        req.ModelID,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		AttachmentIDs:  req.AttachmentIDs,
		EnableTools:    req.EnableTools,
		IdempotencyKey: idempoKeyPtr,
	})
	if err != nil {
		switch {
		case errors.Is(err, ai.ErrUnknownModel):
			common.FailReason(c, http.StatusBadRequest, 40002, "unknown model", "invalid_model")
		case errors.Is(err, chat.ErrEmptyPrompt):
			common.Fail(c, http.StatusBadRequest, 10006, "no usable message content")
		case errors.Is(err, chat.ErrThreadNotFound):
			common.Fail(c, http.StatusNotFound, 40401, "thread not found")
		case errors.Is(err, chat.ErrConfiguration):
			common.FailReason(c, http.StatusInternalServerError, 50003, "provider not configured", "configuration_error")
		default:
			log.Printf("[chat] generate failed: %v", err)
			common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}

	common.OK(c, gin.H{
		"thread_id":            res.ThreadID,
		"assistant_message_id": res.AssistantMessageID,
		"job_id":               res.JobID,
		"session_id":           sessionID,
	})
}

func (h *Handler) ownerFromRequest(c *gin.Context) (chat.Owner, bool) {
	if uid, authed := userIDFromContext(c); authed {
		return chat.Owner{UserID: &uid}, true
	}
	sid := c.GetHeader(sessionIDHeader)
	if sid == "" {
		return chat.Owner{}, false
	}
	return chat.Owner{SessionID: sid}, true
}

func (h *Handler) GetDraft(c *gin.Context) {
	owner, ok := h.ownerFromRequest(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	d, err := h.ChatSvc.GetDraft(c.Request.Context(), owner, c.Param("thread_id"))
	if err != nil {
		if errors.Is(err, chat.ErrThreadNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "thread not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{"draft": d})
}

func (h *Handler) ListThreads(c *gin.Context) {
	owner, ok := h.ownerFromRequest(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	threads, err := h.ChatSvc.ListThreads(c.Request.Context(), owner, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list threads")
		return
	}
	common.OK(c, gin.H{"threads": threads})
}

func (h *Handler) ListMessages(c *gin.Context) {
	owner, ok := h.ownerFromRequest(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), owner, c.Param("thread_id"), limit, beforeID)
	if err != nil {
		if errors.Is(err, chat.ErrThreadNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "thread not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

type createAttachmentReq struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url" binding:"required"`
}

func (h *Handler) CreateAttachment(c *gin.Context) {
	var req createAttachmentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if !strings.HasPrefix(req.URL, "data:") && !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		common.Fail(c, http.StatusBadRequest, 10007, "url must be http(s) or a data URI")
		return
	}

	a, err := h.ChatSvc.RegisterAttachment(c.Request.Context(), req.Name, req.MimeType, req.URL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"attachment_id": a.ID})
}

func (h *Handler) GetJob(c *gin.Context) {
	owner, ok := h.ownerFromRequest(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), owner, jobID)
	if err != nil {
		if errors.Is(err, chat.ErrJobNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":         j.ID,
			"thread_id":  j.ThreadID,
			"status":     j.Status,
			"error":      j.Error,
			"created_at": j.CreatedAt,
			"updated_at": j.UpdatedAt,
		},
	})
}
