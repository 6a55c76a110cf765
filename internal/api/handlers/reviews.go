package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/featherlist/server/internal/api/middleware"
	"github.com/featherlist/server/internal/events"
	"github.com/featherlist/server/pkg/types"
)

type ReviewHandler struct {
	db       *sql.DB
	recorder *events.Recorder
}

func NewReviewHandler(db *sql.DB, recorder *events.Recorder) *ReviewHandler {
	return &ReviewHandler{db: db, recorder: recorder}
}

// ReviewRequest carries a review's user-authored content
type ReviewRequest struct {
	Review     string  `json:"review" binding:"required"`
	StarRating float64 `json:"star_rating"`
}

// ReviewResponse is one review row
type ReviewResponse struct {
	ID         string  `json:"id"`
	TargetID   string  `json:"target_id"`
	UserID     string  `json:"user_id"`
	Review     string  `json:"review"`
	StarRating float64 `json:"star_rating"`
	Epoch      float64 `json:"epoch"`
}

// Create handles POST /api/v2/bots/:id/reviews
func (h *ReviewHandler) Create(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	ctx := c.Request.Context()

	targetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || targetID <= 0 {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid id"})
		return
	}

	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}
	if req.StarRating < 0 || req.StarRating > 5 {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "star_rating must be between 0 and 5"})
		return
	}

	var exists int64
	err = h.db.QueryRowContext(ctx,
		`SELECT bot_id FROM bots WHERE bot_id = ?`, targetID).Scan(&exists)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to load bot"})
		return
	}

	reviewID := uuid.NewString()
	epoch := float64(time.Now().UnixNano()) / 1e9
	_, err = h.db.ExecContext(ctx,
		`INSERT INTO reviews (id, target_id, user_id, review, star_rating, epoch)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		reviewID, targetID, userID, req.Review, req.StarRating, epoch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to save review"})
		return
	}

	eventID, err := h.recorder.RecordAndNotify(ctx, targetID, events.KindReviewAdd,
		events.ReviewContext{UserID: userID, ReviewID: reviewID, StarRating: req.StarRating})
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to record event"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": reviewID, "event_id": eventID})
}

// Edit handles PATCH /api/v2/reviews/:rid. Only the author may edit.
func (h *ReviewHandler) Edit(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	ctx := c.Request.Context()
	reviewID := c.Param("rid")

	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	var targetID, authorID int64
	var starRating float64
	err := h.db.QueryRowContext(ctx,
		`SELECT target_id, user_id, star_rating FROM reviews WHERE id = ?`, reviewID).
		Scan(&targetID, &authorID, &starRating)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to load review"})
		return
	}
	if authorID != userID {
		c.JSON(http.StatusForbidden, types.ErrorResponse{Error: "not your review"})
		return
	}

	_, err = h.db.ExecContext(ctx,
		`UPDATE reviews SET review = ?, star_rating = ? WHERE id = ?`,
		req.Review, req.StarRating, reviewID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to update review"})
		return
	}

	eventID, err := h.recorder.RecordAndNotify(ctx, targetID, events.KindReviewEdit,
		events.ReviewContext{UserID: userID, ReviewID: reviewID, StarRating: req.StarRating})
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to record event"})
		return
	}
	c.JSON(http.StatusOK, types.EventResponse{EventID: eventID})
}

// Delete handles DELETE /api/v2/reviews/:rid. The author or staff may
// delete.
func (h *ReviewHandler) Delete(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	ctx := c.Request.Context()
	reviewID := c.Param("rid")

	var targetID, authorID int64
	var starRating float64
	err := h.db.QueryRowContext(ctx,
		`SELECT target_id, user_id, star_rating FROM reviews WHERE id = ?`, reviewID).
		Scan(&targetID, &authorID, &starRating)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, types.ErrorResponse{Error: "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to load review"})
		return
	}
	if authorID != userID && !middleware.IsStaff(c) {
		c.JSON(http.StatusForbidden, types.ErrorResponse{Error: "not your review"})
		return
	}

	if _, err := h.db.ExecContext(ctx, `DELETE FROM reviews WHERE id = ?`, reviewID); err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to delete review"})
		return
	}

	eventID, err := h.recorder.RecordAndNotify(ctx, targetID, events.KindReviewDel,
		events.ReviewContext{UserID: userID, ReviewID: reviewID, StarRating: starRating})
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to record event"})
		return
	}
	c.JSON(http.StatusOK, types.EventResponse{EventID: eventID})
}

// List handles GET /api/v2/bots/:id/reviews
func (h *ReviewHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	targetID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || targetID <= 0 {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid id"})
		return
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT id, user_id, review, star_rating, epoch FROM reviews
		 WHERE target_id = ? ORDER BY epoch DESC LIMIT 100`, targetID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to load reviews"})
		return
	}
	defer rows.Close()

	reviews := []ReviewResponse{}
	for rows.Next() {
		r := ReviewResponse{TargetID: strconv.FormatInt(targetID, 10)}
		var userID int64
		if err := rows.Scan(&r.ID, &userID, &r.Review, &r.StarRating, &r.Epoch); err != nil {
			c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to load reviews"})
			return
		}
		r.UserID = strconv.FormatInt(userID, 10)
		reviews = append(reviews, r)
	}

	c.JSON(http.StatusOK, gin.H{"reviews": reviews})
}
