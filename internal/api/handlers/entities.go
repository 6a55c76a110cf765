package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/featherlist/server/internal/entitycache"
	"github.com/featherlist/server/internal/events"
	"github.com/featherlist/server/pkg/types"
)

type EntityHandler struct {
	cache  *entitycache.Cache
	vanity *entitycache.VanityResolver
	store  *events.Store
}

func NewEntityHandler(cache *entitycache.Cache, vanity *entitycache.VanityResolver, store *events.Store) *EntityHandler {
	return &EntityHandler{cache: cache, vanity: vanity, store: store}
}

// EntityResponse is a resolved entity profile
type EntityResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Bot      bool   `json:"bot"`
}

// Get handles GET /api/v2/entities/:id
func (h *EntityHandler) Get(c *gin.Context) {
	entityID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || entityID <= 0 {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid id"})
		return
	}

	profile, err := h.cache.Resolve(c.Request.Context(), entityID)
	if errors.Is(err, entitycache.ErrNotFound) {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to resolve entity"})
		return
	}

	c.JSON(http.StatusOK, EntityResponse{
		ID:       c.Param("id"),
		Username: profile.Username,
		Avatar:   profile.Avatar,
		Bot:      profile.Bot,
	})
}

// GetVanity handles GET /api/v2/vanity/:slug
func (h *EntityHandler) GetVanity(c *gin.Context) {
	target, err := h.vanity.Resolve(c.Request.Context(), c.Param("slug"))
	if errors.Is(err, entitycache.ErrNotFound) {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to resolve vanity"})
		return
	}
	c.JSON(http.StatusOK, target)
}

// ListEvents handles GET /api/v2/bots/:id/events. The bot's own token is
// required; ?exclude=0,2 drops event kinds from the response.
func (h *EntityHandler) ListEvents(c *gin.Context) {
	botID := c.GetInt64("botID")
	ctx := c.Request.Context()

	var exclude []events.Kind
	if raw := c.Query("exclude"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			kind, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid exclude list"})
				return
			}
			exclude = append(exclude, events.Kind(kind))
		}
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	history, err := h.store.Recent(ctx, botID, limit, exclude)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to load events"})
		return
	}
	if history == nil {
		history = []events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": history})
}
