package ws

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/featherlist/server/internal/logger"
)

// ChatChannel is the single global chat pub/sub channel.
const ChatChannel = "global_chat_channel"

// chatHistoryKey holds the bulk message backlog sent to fresh connections.
const chatHistoryKey = "global_chat:messages"

// Chat frames use the legacy string-typed envelope.
type chatFrame struct {
	Payload string          `json:"payload"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HandleChat is the degenerate broadcast mode: one global channel, identity
// resolved once at connect, no per-entity filtering.
func (s *Server) HandleChat(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("ws: chat upgrade failed: %v", err)
		return
	}

	sess := s.manager.Connect(conn)
	defer s.manager.Disconnect(sess, websocket.CloseNormalClosure, "connection closed")

	ctx := c.Request.Context()

	sender, ok := s.chatAuthorize(ctx, conn, sess)
	if !ok {
		return
	}

	s.sendChatUser(ctx, sess, sender)

	// Bulk backlog first, then live.
	if backlog, err := s.bus.Get(ctx, chatHistoryKey); err == nil && len(backlog) > 0 {
		frame := chatFrame{Payload: "MESSAGE", Type: "BULK", Data: json.RawMessage(backlog)}
		_ = s.manager.SendJSON(sess, frame)
	}

	sub, err := s.bus.Subscribe(ctx, ChatChannel)
	if err != nil {
		logger.Errorf("ws: chat subscribe failed: %v", err)
		return
	}
	sess.AddSubscription(sub)

	go func() {
		for msg := range sub.C {
			if s.manager.Send(sess, msg.Data) != nil {
				return
			}
		}
	}()

	// Inbound messages are published to the channel for every listener,
	// including the sender.
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := s.bus.Publish(ctx, ChatChannel, data); err != nil {
			logger.Warnf("ws: chat publish failed: %v", err)
		}
	}
}

// chatAuthorize performs the single-shot chat identity exchange and resolves
// the sender's ID from its API token.
func (s *Server) chatAuthorize(ctx context.Context, conn *websocket.Conn, sess *Session) (int64, bool) {
	challenge := chatFrame{Payload: "IDENTITY", Type: "USER|BOT"}
	if s.manager.SendJSON(sess, challenge) != nil {
		return 0, false
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.manager.Disconnect(sess, CloseInvalidHandshake, "no identity response")
		return 0, false
	}
	_ = conn.SetReadDeadline(time.Time{})

	var res chatFrame
	if err := json.Unmarshal(raw, &res); err != nil || res.Payload != "IDENTITY_RESPONSE" {
		s.manager.Disconnect(sess, CloseInvalidHandshake, "invalid identity response")
		return 0, false
	}

	var token string
	if err := json.Unmarshal(res.Data, &token); err != nil || token == "" {
		s.manager.Disconnect(sess, CloseNoAuth, "missing token")
		return 0, false
	}

	var sender int64
	switch res.Type {
	case "USER":
		err = s.db.QueryRowContext(ctx, `SELECT user_id FROM users WHERE api_token = ?`, token).Scan(&sender)
	case "BOT":
		err = s.db.QueryRowContext(ctx, `SELECT bot_id FROM bots WHERE api_token = ?`, token).Scan(&sender)
	default:
		s.manager.Disconnect(sess, CloseNotImplemented, "unknown account type")
		return 0, false
	}
	if errors.Is(err, sql.ErrNoRows) {
		s.manager.Disconnect(sess, CloseNoAuth, "unknown token")
		return 0, false
	}
	if err != nil {
		logger.Errorf("ws: chat token lookup failed: %v", err)
		s.manager.Disconnect(sess, CloseNoAuth, "unknown token")
		return 0, false
	}
	return sender, true
}

// sendChatUser tells the client who it is, enriched from the entity cache
// when available.
func (s *Server) sendChatUser(ctx context.Context, sess *Session, sender int64) {
	user := map[string]any{"id": strconv.FormatInt(sender, 10)}
	if s.cache != nil {
		if profile, err := s.cache.Resolve(ctx, sender); err == nil {
			user["username"] = profile.Username
			user["avatar"] = profile.Avatar
		}
	}
	data, err := json.Marshal(user)
	if err != nil {
		return
	}
	_ = s.manager.SendJSON(sess, chatFrame{Payload: "CHAT_USER", Type: "CHAT", Data: data})
}
