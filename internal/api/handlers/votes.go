package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/featherlist/server/internal/api/middleware"
	"github.com/featherlist/server/internal/bus"
	"github.com/featherlist/server/internal/events"
	"github.com/featherlist/server/pkg/types"
)

// voteCooldown is the per-user, per-entity window between votes.
const voteCooldown = 8 * time.Hour

type VoteHandler struct {
	db       *sql.DB
	bus      bus.Bus
	recorder *events.Recorder
}

func NewVoteHandler(db *sql.DB, b bus.Bus, recorder *events.Recorder) *VoteHandler {
	return &VoteHandler{db: db, bus: b, recorder: recorder}
}

// VoteBot handles POST /api/v2/bots/:id/votes
func (h *VoteHandler) VoteBot(c *gin.Context) {
	h.vote(c, "bots", "bot_id", events.KindBotVote)
}

// VoteServer handles POST /api/v2/servers/:id/votes
func (h *VoteHandler) VoteServer(c *gin.Context) {
	h.vote(c, "servers", "guild_id", events.KindServerVote)
}

func (h *VoteHandler) vote(c *gin.Context, table, idColumn string, kind events.Kind) {
	userID, _ := middleware.GetUserID(c)
	ctx := c.Request.Context()

	entityID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || entityID <= 0 {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid id"})
		return
	}

	lockKey := "vote-lock:" + strconv.FormatInt(userID, 10) + ":" + c.Param("id")
	if _, err := h.bus.Get(ctx, lockKey); err == nil {
		c.JSON(http.StatusTooManyRequests, types.ErrorResponse{Error: "you have voted recently"})
		return
	}

	var banned int
	err = h.db.QueryRowContext(ctx,
		`SELECT banned FROM `+table+` WHERE `+idColumn+` = ?`, entityID).Scan(&banned)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to load entity"})
		return
	}
	if banned != 0 {
		c.JSON(http.StatusForbidden, types.ErrorResponse{Error: "entity is banned"})
		return
	}

	if _, err := h.db.ExecContext(ctx,
		`UPDATE `+table+` SET votes = votes + 1 WHERE `+idColumn+` = ?`, entityID); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to count vote"})
		return
	}
	var votes int64
	if err := h.db.QueryRowContext(ctx,
		`SELECT votes FROM `+table+` WHERE `+idColumn+` = ?`, entityID).Scan(&votes); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to count vote"})
		return
	}

	// The cooldown is advisory; losing it on a bus restart just means an
	// early repeat vote.
	_ = h.bus.Set(ctx, lockKey, []byte("1"), voteCooldown)

	eventID, err := h.recorder.RecordAndNotify(ctx, entityID, kind, events.VoteContext{
		UserID: userID,
		Votes:  votes,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to record vote"})
		return
	}

	c.JSON(http.StatusOK, types.EventResponse{EventID: eventID})
}
