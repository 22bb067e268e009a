package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/ai-workspace/internal/chat"
	"github.com/suPer8Hu/ai-workspace/internal/common"
)

type createSessionReq struct {
	Title    string `json:"title"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	if p := strings.TrimSpace(req.Provider); p != "" && h.Registry != nil && !h.Registry.Has(p) {
		common.Fail(c, http.StatusBadRequest, 10005, "unsupported provider")
		return
	}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.Title, req.Provider, req.Model)
	if err != nil {
		h.failErr(c, "create session", err)
		return
	}

	common.OK(c, gin.H{"session_id": sess.SessionID, "session": sess})
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), uid, limit)
	if err != nil {
		h.failErr(c, "list sessions", err)
		return
	}
	common.OK(c, gin.H{"sessions": sessions})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sess, err := h.ChatSvc.GetSession(c.Request.Context(), uid, c.Param("session_id"))
	if err != nil {
		h.failErr(c, "get session", err)
		return
	}
	common.OK(c, gin.H{"session": sess})
}

type renameSessionReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) RenameChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req renameSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, err := h.ChatSvc.RenameSession(c.Request.Context(), uid, c.Param("session_id"), req.Title)
	if err != nil {
		h.failErr(c, "rename session", err)
		return
	}
	common.OK(c, gin.H{"session": sess})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	beforeIDStr := c.Query("before_id")
	var beforeID uint64
	if beforeIDStr != "" {
		if n, err := strconv.ParseUint(beforeIDStr, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, sessionID, limit, beforeID)
	if err != nil {
		h.failErr(c, "list messages", err)
		return
	}

	// messages are ascending; the oldest one is the cursor for the next page
	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[0].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

type sendMessageReq struct {
	SessionID      string `json:"session_id" binding:"required"`
	Message        string `json:"message" binding:"required"`
	IncludeContext bool   `json:"include_context"`
}

// bindSend reads the send body and the optional Idempotency-Key header.
func bindSend(c *gin.Context, uid uint64) (chat.SendRequest, bool) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return chat.SendRequest{}, false
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return chat.SendRequest{}, false
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	return chat.SendRequest{
		UserID:         uid,
		SessionID:      req.SessionID,
		Content:        req.Message,
		IncludeContext: req.IncludeContext,
		IdempotencyKey: idempoKeyPtr,
	}, true
}

func sendResultBody(res *chat.SendResult) gin.H {
	out := gin.H{
		"session_id":   res.Session.SessionID,
		"user_message": res.UserMessage,
		"failed":       res.Failed,
		"duplicate":    res.Duplicate,
	}
	if am := res.AssistantMessage; am != nil {
		out["message"] = am
		out["message_id"] = am.ID
		out["reply"] = am.Content
	}
	if res.Balance != nil {
		out["credits"] = res.Balance
	}
	return out
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	req, okk := bindSend(c, uid)
	if !okk {
		return
	}

	res, err := h.Orch.Send(c.Request.Context(), req, chat.Observer{})
	if err != nil {
		h.failErr(c, "send message", err)
		return
	}
	common.OK(c, sendResultBody(res))
}

type respondOutcome struct {
	res *chat.SendResult
	err error
}

// SendChatMessageStream answers over SSE. Credit and ownership failures are
// plain JSON errors since they happen before the stream opens.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	req, okk := bindSend(c, uid)
	if !okk {
		return
	}

	ctx := c.Request.Context()
	turn, err := h.Orch.Prepare(ctx, req)
	if err != nil {
		h.failErr(c, "prepare stream", err)
		return
	}

	sse, okk := startSSE(c)
	if !okk {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return
	}
	sse.send("start", gin.H{
		"type":            "start",
		"session_id":      turn.Session.SessionID,
		"user_message_id": turn.UserMessage.ID,
	})

	if turn.Duplicate {
		res, err := h.Orch.Replay(ctx, turn)
		if err != nil {
			sse.send("error", gin.H{"type": "error", "message": "internal error"})
			return
		}
		sse.send("done", gin.H{"type": "done", "result": sendResultBody(res)})
		return
	}

	type frame struct {
		event   string
		payload gin.H
	}
	frames := make(chan frame, 16)
	emit := func(f frame) {
		select {
		case frames <- f:
		case <-ctx.Done():
		}
	}

	done := make(chan respondOutcome, 1)
	go func() {
		res, err := h.Orch.Respond(ctx, turn, chat.Observer{
			OnStart: func(id uint64) {
				emit(frame{"started", gin.H{"type": "started", "message_id": id}})
			},
			OnChunk: func(delta string) {
				emit(frame{"chunk", gin.H{"type": "chunk", "delta": delta}})
			},
		})
		done <- respondOutcome{res: res, err: err}
	}()

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case f := <-frames:
			sse.send(f.event, f.payload)

		case <-ticker.C:
			sse.send("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case out := <-done:
			// every observer send happened before Respond returned
			for len(frames) > 0 {
				f := <-frames
				sse.send(f.event, f.payload)
			}
			if out.err != nil {
				h.Log.Error("stream respond", zap.Uint64("user_id", uid), zap.String("session_id", req.SessionID), zap.Error(out.err))
				sse.send("error", gin.H{"type": "error", "message": "internal error"})
				return
			}
			sse.send("done", gin.H{"type": "done", "result": sendResultBody(out.res)})
			if out.res.Failed {
				msg := "provider failed"
				if am := out.res.AssistantMessage; am != nil && am.Error != nil {
					msg = *am.Error
				}
				sse.send("error", gin.H{"type": "error", "message": msg})
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.Jobs == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async messages disabled")
		return
	}
	req, okk := bindSend(c, uid)
	if !okk {
		return
	}

	j, created, err := h.Orch.Enqueue(c.Request.Context(), req)
	if err != nil {
		h.failErr(c, "enqueue message", err)
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Jobs.PublishJob(c.Request.Context(), j.ID); err != nil {
			h.Log.Error("publish job", zap.Uint64("user_id", uid), zap.String("job_id", j.ID), zap.Error(err))
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": j.ID, "user_message_id": j.UserMessageID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), uid, jobID)
	if err != nil {
		if chat.IsNoAccess(err) {
			// hide existence
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		h.failErr(c, "get job", err)
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"session_id":        j.SessionID,
			"status":            j.Status,
			"user_message_id":   j.UserMessageID,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}

// SessionEvents relays push events for one session over SSE.
func (h *Handler) SessionEvents(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if h.Events == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50302, "session events disabled")
		return
	}
	sessionID := c.Param("session_id")
	ctx := c.Request.Context()

	if err := h.ChatSvc.ValidateSessionOwner(ctx, uid, sessionID); err != nil {
		h.failErr(c, "session events", err)
		return
	}
	events, err := h.Events.Subscribe(ctx, sessionID)
	if err != nil {
		h.failErr(c, "subscribe session events", err)
		return
	}

	sse, okk := startSSE(c)
	if !okk {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			sse.send(string(ev.Type), ev)
		case <-ticker.C:
			sse.send("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})
		case <-ctx.Done():
			return
		}
	}
}
