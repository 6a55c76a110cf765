package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/featherlist/server/internal/api/middleware"
	"github.com/featherlist/server/internal/crypto"
	"github.com/featherlist/server/internal/entitycache"
	"github.com/featherlist/server/internal/events"
	"github.com/featherlist/server/pkg/types"
)

type BotHandler struct {
	db       *sql.DB
	recorder *events.Recorder
	cache    *entitycache.Cache
	vanity   *entitycache.VanityResolver
}

func NewBotHandler(db *sql.DB, recorder *events.Recorder, cache *entitycache.Cache, vanity *entitycache.VanityResolver) *BotHandler {
	return &BotHandler{db: db, recorder: recorder, cache: cache, vanity: vanity}
}

// EditBotRequest carries the fields a bot may change about itself
type EditBotRequest struct {
	Webhook *string `json:"webhook"`
	Vanity  *string `json:"vanity"`
}

// BanRequest carries the staff reason for a ban or unban
type BanRequest struct {
	Reason string `json:"reason"`
}

// Edit handles PATCH /api/v2/bots/:id
func (h *BotHandler) Edit(c *gin.Context) {
	botID := c.GetInt64("botID")
	ctx := c.Request.Context()

	var req EditBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}
	if req.Webhook == nil && req.Vanity == nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "nothing to update"})
		return
	}

	if req.Webhook != nil {
		if _, err := h.db.ExecContext(ctx,
			`UPDATE bots SET webhook = ? WHERE bot_id = ?`, *req.Webhook, botID); err != nil {
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to update bot"})
			return
		}
	}
	if req.Vanity != nil {
		slug := strings.ToLower(strings.TrimSpace(*req.Vanity))
		if err := h.updateVanity(c, botID, slug); err != nil {
			return
		}
	}

	// The entity's cached profile may reference edited fields.
	_ = h.cache.Invalidate(ctx, botID)

	eventID, err := h.recorder.RecordAndNotify(ctx, botID, events.KindBotEdit,
		events.EditContext{UserID: botID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to record event"})
		return
	}
	c.JSON(http.StatusOK, types.EventResponse{EventID: eventID})
}

func (h *BotHandler) updateVanity(c *gin.Context, botID int64, slug string) error {
	ctx := c.Request.Context()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to update vanity"})
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var oldSlug string
	if err := tx.QueryRowContext(ctx,
		`SELECT vanity FROM bots WHERE bot_id = ?`, botID).Scan(&oldSlug); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to update vanity"})
		return err
	}

	if slug != "" {
		var claimedBy int64
		err := tx.QueryRowContext(ctx,
			`SELECT target_id FROM vanity WHERE slug = ?`, slug).Scan(&claimedBy)
		if err == nil && claimedBy != botID {
			c.JSON(http.StatusConflict, types.ErrorResponse{Error: "vanity already taken"})
			return sql.ErrTxDone
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO vanity (slug, target_id, kind) VALUES (?, ?, ?)`,
			slug, botID, int(entitycache.VanityBot)); err != nil {
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to update vanity"})
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM vanity WHERE target_id = ? AND slug != ?`, botID, slug); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to update vanity"})
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bots SET vanity = ? WHERE bot_id = ?`, slug, botID); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to update vanity"})
		return err
	}
	if err := tx.Commit(); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to update vanity"})
		return err
	}

	// Drop both slugs from the resolver cache: the old one must stop
	// resolving and the new one may be sitting there as a cached negative.
	if oldSlug != "" && oldSlug != slug {
		_ = h.vanity.Invalidate(ctx, oldSlug)
	}
	if slug != "" {
		_ = h.vanity.Invalidate(ctx, slug)
	}
	return nil
}

// RotateToken handles POST /api/v2/bots/:id/token. It replaces the bot's API
// token; the old token stops working immediately.
func (h *BotHandler) RotateToken(c *gin.Context) {
	botID := c.GetInt64("botID")

	token, err := crypto.NewToken(32)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to generate token"})
		return
	}
	if _, err := h.db.ExecContext(c.Request.Context(),
		`UPDATE bots SET api_token = ? WHERE bot_id = ?`, token, botID); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to rotate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_token": token})
}

// Ban handles POST /api/v2/bots/:id/ban (staff only)
func (h *BotHandler) Ban(c *gin.Context) {
	h.setBanned(c, true, events.KindBotBan)
}

// Unban handles DELETE /api/v2/bots/:id/ban (staff only)
func (h *BotHandler) Unban(c *gin.Context) {
	h.setBanned(c, false, events.KindBotUnban)
}

func (h *BotHandler) setBanned(c *gin.Context, banned bool, kind events.Kind) {
	staffID, _ := middleware.GetUserID(c)
	ctx := c.Request.Context()

	botID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || botID <= 0 {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid bot id"})
		return
	}

	var req BanRequest
	_ = c.ShouldBindJSON(&req)

	flag := 0
	if banned {
		flag = 1
	}
	res, err := h.db.ExecContext(ctx,
		`UPDATE bots SET banned = ? WHERE bot_id = ?`, flag, botID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to update bot"})
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "not found"})
		return
	}

	eventID, err := h.recorder.RecordAndNotify(ctx, botID, kind, events.BanContext{
		StaffID: staffID,
		Reason:  req.Reason,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to record event"})
		return
	}
	c.JSON(http.StatusOK, types.EventResponse{EventID: eventID})
}
