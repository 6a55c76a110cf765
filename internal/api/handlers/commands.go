package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/featherlist/server/internal/bridge"
	"github.com/featherlist/server/pkg/types"
)

type CommandHandler struct {
	bridge *bridge.Bridge
}

func NewCommandHandler(b *bridge.Bridge) *CommandHandler {
	return &CommandHandler{bridge: b}
}

// CommandRequest is a staff-issued gateway command
type CommandRequest struct {
	Command        string   `json:"command" binding:"required"`
	Args           []string `json:"args"`
	Payload        any      `json:"payload"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Invoke handles POST /api/v2/commands (staff only). The answer from the
// gateway is passed through verbatim.
func (h *CommandHandler) Invoke(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	command := strings.ToUpper(strings.TrimSpace(req.Command))
	if command == "" || strings.ContainsAny(command, " \t\n") {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid command"})
		return
	}

	timeout := bridge.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	answer, err := h.bridge.Call(c.Request.Context(), command, req.Args, req.Payload, timeout)
	if errors.Is(err, bridge.ErrTimeout) {
		c.JSON(http.StatusGatewayTimeout, types.ErrorResponse{Error: "no answer from gateway"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, types.ErrorResponse{Error: err.Error()})
		return
	}

	// Prefer structured passthrough when the gateway answered with JSON.
	var decoded any
	if json.Unmarshal(answer, &decoded) == nil {
		c.JSON(http.StatusOK, gin.H{"result": decoded})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": string(answer)})
}

// SendMessageAPIRequest is the body for the message relay endpoint
type SendMessageAPIRequest struct {
	Content      string         `json:"content"`
	Embed        map[string]any `json:"embed"`
	MentionRoles []string       `json:"mention_roles"`
}

// SendMessage handles POST /api/v2/channels/:id/messages (staff only). It
// relays to the gateway's HTTP surface rather than the pub/sub channel.
func (h *CommandHandler) SendMessage(c *gin.Context) {
	channelID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || channelID <= 0 {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid channel id"})
		return
	}

	var req SendMessageAPIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	payload := &bridge.SendMessageRequest{
		ChannelID:    channelID,
		Content:      req.Content,
		Embed:        req.Embed,
		MentionRoles: req.MentionRoles,
	}
	answer, err := h.bridge.Call(c.Request.Context(), "SENDMSG", nil, payload, bridge.DefaultTimeout)
	if err != nil {
		c.JSON(http.StatusBadGateway, types.ErrorResponse{Error: err.Error()})
		return
	}

	var decoded any
	if json.Unmarshal(answer, &decoded) == nil {
		c.JSON(http.StatusOK, gin.H{"result": decoded})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": string(answer)})
}
