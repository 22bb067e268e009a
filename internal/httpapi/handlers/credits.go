package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-workspace/internal/common"
	"github.com/suPer8Hu/ai-workspace/internal/credits"
)

func (h *Handler) GetCredits(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	b, err := h.Credits.GetBalance(c.Request.Context(), uid)
	if err != nil {
		h.failErr(c, "get credits", err)
		return
	}
	common.OK(c, gin.H{
		"credits":           b,
		"chat_message_cost": credits.ChatMessageCost,
	})
}

func (h *Handler) ListCreditTransactions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	txs, err := h.Credits.ListTransactions(c.Request.Context(), uid, limit)
	if err != nil {
		h.failErr(c, "list credit transactions", err)
		return
	}
	common.OK(c, gin.H{"transactions": txs})
}
