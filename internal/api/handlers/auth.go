package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/featherlist/server/internal/crypto"
	"github.com/featherlist/server/pkg/types"
)

// staffTokenTTL bounds how long an issued staff session stays valid.
const staffTokenTTL = 8 * time.Hour

type AuthHandler struct {
	db  *sql.DB
	jwt *crypto.JWTManager
}

func NewAuthHandler(db *sql.DB, jwt *crypto.JWTManager) *AuthHandler {
	return &AuthHandler{db: db, jwt: jwt}
}

// StaffLoginResponse carries the issued staff session token
type StaffLoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// StaffLogin handles POST /api/v2/auth/staff. It exchanges a staff user's
// API token for a short-lived JWT used on moderation endpoints.
func (h *AuthHandler) StaffLogin(c *gin.Context) {
	token := c.GetHeader("Authorization")
	if token == "" {
		c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: "missing authorization header"})
		return
	}

	var userID int64
	var staff int
	err := h.db.QueryRowContext(c.Request.Context(),
		`SELECT user_id, staff FROM users WHERE api_token = ?`, token).Scan(&userID, &staff)
	if err != nil {
		c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: "invalid token"})
		return
	}
	if staff == 0 {
		c.JSON(http.StatusForbidden, types.ErrorResponse{Error: "staff only"})
		return
	}

	jwtToken, err := h.jwt.CreateToken(strconv.FormatInt(userID, 10), staffTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to create token"})
		return
	}

	c.JSON(http.StatusOK, StaffLoginResponse{
		Token:     jwtToken,
		ExpiresIn: int64(staffTokenTTL.Seconds()),
	})
}
