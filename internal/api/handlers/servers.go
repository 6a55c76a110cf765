package handlers

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/featherlist/server/internal/api/middleware"
	"github.com/featherlist/server/internal/events"
	"github.com/featherlist/server/pkg/types"
)

type ServerHandler struct {
	db       *sql.DB
	recorder *events.Recorder
}

func NewServerHandler(db *sql.DB, recorder *events.Recorder) *ServerHandler {
	return &ServerHandler{db: db, recorder: recorder}
}

// EditServerRequest carries the fields a server may change about itself
type EditServerRequest struct {
	Webhook *string `json:"webhook"`
}

// Edit handles PATCH /api/v2/servers/:id. The server authenticates with its
// own API token in the Authorization header.
func (h *ServerHandler) Edit(c *gin.Context) {
	ctx := c.Request.Context()

	guildID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || guildID <= 0 {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid server id"})
		return
	}

	token := c.GetHeader("Authorization")
	var id int64
	err = h.db.QueryRowContext(ctx,
		`SELECT guild_id FROM servers WHERE api_token = ? AND guild_id = ?`, token, guildID).Scan(&id)
	if err != nil {
		c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: "invalid token"})
		return
	}

	var req EditServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}
	if req.Webhook == nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "nothing to update"})
		return
	}

	if _, err := h.db.ExecContext(ctx,
		`UPDATE servers SET webhook = ? WHERE guild_id = ?`, *req.Webhook, guildID); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to update server"})
		return
	}

	eventID, err := h.recorder.RecordAndNotify(ctx, guildID, events.KindServerEdit,
		events.EditContext{UserID: guildID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to record event"})
		return
	}
	c.JSON(http.StatusOK, types.EventResponse{EventID: eventID})
}

// Ban handles POST /api/v2/servers/:id/ban (staff only)
func (h *ServerHandler) Ban(c *gin.Context) {
	staffID, _ := middleware.GetUserID(c)
	ctx := c.Request.Context()

	guildID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || guildID <= 0 {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid server id"})
		return
	}

	var req BanRequest
	_ = c.ShouldBindJSON(&req)

	res, err := h.db.ExecContext(ctx,
		`UPDATE servers SET banned = 1 WHERE guild_id = ?`, guildID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to update server"})
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "not found"})
		return
	}

	eventID, err := h.recorder.RecordAndNotify(ctx, guildID, events.KindServerBan,
		events.BanContext{StaffID: staffID, Reason: req.Reason})
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to record event"})
		return
	}
	c.JSON(http.StatusOK, types.EventResponse{EventID: eventID})
}
