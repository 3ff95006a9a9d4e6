package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/relayvox/relayvox/internal/services"
	"github.com/relayvox/relayvox/internal/utils"
)

type CallHandler struct {
	calls services.CallService
}

func NewCallHandler(calls services.CallService) *CallHandler {
	return &CallHandler{calls: calls}
}

// Start places a new relayed call: both engine sessions are connected before
// the response goes out, so a 201 means the call is live-ready.
func (h *CallHandler) Start(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req services.StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "CallHandler.Start", "invalid request body", err))
		return
	}

	call, err := h.calls.Start(c.Request.Context(), userID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h *CallHandler) Get(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	call, err := h.calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if call.UserID != userID && !isAdmin(c) {
		writeError(c, utils.E(utils.CodeForbidden, "CallHandler.Get", "forbidden", nil))
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h *CallHandler) End(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	callID := c.Param("call_id")
	call, err := h.calls.Get(c.Request.Context(), callID)
	if err != nil {
		writeError(c, err)
		return
	}
	if call.UserID != userID && !isAdmin(c) {
		writeError(c, utils.E(utils.CodeForbidden, "CallHandler.End", "forbidden", nil))
		return
	}

	if err := h.calls.End(c.Request.Context(), callID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID, "status": "ending"})
}

func (h *CallHandler) History(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	limit, _ := strconv.ParseInt(c.Query("limit"), 10, 64)
	recs, err := h.calls.History(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

// ActiveCalls is the admin view of every in-flight call on this instance.
func (h *CallHandler) ActiveCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.calls.Active()})
}
