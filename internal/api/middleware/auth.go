package middleware

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/featherlist/server/internal/crypto"
)

// UserAuth validates a user API token passed raw in the Authorization
// header. On success the user's ID and staff flag land in the context.
func UserAuth(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		var userID int64
		var staff int
		err := db.QueryRowContext(c.Request.Context(),
			`SELECT user_id, staff FROM users WHERE api_token = ?`, token).Scan(&userID, &staff)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("userID", userID)
		c.Set("staff", staff != 0)
		c.Next()
	}
}

// BotAuth validates a bot API token and requires it to match the :id path
// parameter, so a bot can only mutate itself.
func BotAuth(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		botID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || botID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
			c.Abort()
			return
		}

		var id int64
		err = db.QueryRowContext(c.Request.Context(),
			`SELECT bot_id FROM bots WHERE api_token = ? AND bot_id = ?`, token, botID).Scan(&id)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("botID", id)
		c.Next()
	}
}

// StaffAuth validates a staff JWT (format: "Bearer <token>") and confirms
// the subject still has the staff flag.
func StaffAuth(jwtManager *crypto.JWTManager, db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := jwtManager.VerifyToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		userID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		// Staff status is checked live, not trusted from the token, so a
		// demotion takes effect before the token expires.
		var staff int
		err = db.QueryRowContext(c.Request.Context(),
			`SELECT staff FROM users WHERE user_id = ?`, userID).Scan(&staff)
		if err != nil || staff == 0 {
			c.JSON(http.StatusForbidden, gin.H{"error": "staff only"})
			c.Abort()
			return
		}

		c.Set("userID", userID)
		c.Set("staff", true)
		c.Next()
	}
}

// GetUserID extracts the authenticated user's ID from the Gin context
func GetUserID(c *gin.Context) (int64, bool) {
	userID, exists := c.Get("userID")
	if !exists {
		return 0, false
	}
	return userID.(int64), true
}

// IsStaff reports whether the authenticated user carries the staff flag
func IsStaff(c *gin.Context) bool {
	staff, exists := c.Get("staff")
	return exists && staff.(bool)
}
