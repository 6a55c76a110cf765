package ws

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/featherlist/server/internal/bus"
	"github.com/featherlist/server/internal/crypto"
	"github.com/featherlist/server/internal/entitycache"
	"github.com/featherlist/server/internal/events"
	"github.com/featherlist/server/internal/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The handshake is the authorization boundary, not the origin.
		return true
	},
}

// DefaultHandshakeTimeout bounds how long a client may take to answer the
// identity challenge. The reference behavior had no bound, which let a silent
// client pin the authorization step forever.
const DefaultHandshakeTimeout = 60 * time.Second

// Server serves the duplex real-time endpoints.
type Server struct {
	db      *sql.DB
	bus     bus.Bus
	store   *events.Store
	manager *Manager
	cache   *entitycache.Cache

	masterKey        string
	handshakeTimeout time.Duration
	replayLimit      int
}

// NewServer wires the websocket server. cache may be nil; the chat endpoint
// then skips profile enrichment.
func NewServer(db *sql.DB, b bus.Bus, store *events.Store, manager *Manager, cache *entitycache.Cache, masterKey string) *Server {
	return &Server{
		db:               db,
		bus:              b,
		store:            store,
		manager:          manager,
		cache:            cache,
		masterKey:        masterKey,
		handshakeTimeout: DefaultHandshakeTimeout,
		replayLimit:      events.DefaultLogCap,
	}
}

// SetHandshakeTimeout overrides the identity-response deadline. Test helper.
func (s *Server) SetHandshakeTimeout(d time.Duration) { s.handshakeTimeout = d }

// Manager exposes the connection manager (stats endpoints, tests).
func (s *Server) Manager() *Manager { return s.manager }

// Bootstrap describes the available websocket routes, as served on /api/ws.
func Bootstrap() gin.H {
	return gin.H{
		"versions": []string{"v2"},
		"endpoints": gin.H{
			"v2": gin.H{
				"entity_realtime": "/api/v2/ws/rtstats",
				"chat":            "/api/v2/ws/chat",
			},
		},
	}
}

// HandleRTStats is the per-entity event stream endpoint.
func (s *Server) HandleRTStats(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("ws: upgrade failed: %v", err)
		return
	}

	sess := s.manager.Connect(conn)
	// The catch-all: whatever path exits this handler, the session ends up
	// fully unsubscribed and out of the active set. Failure paths disconnect
	// first with their own code; this covers ordinary client-initiated
	// closes.
	defer s.manager.Disconnect(sess, websocket.CloseNormalClosure, "connection closed")

	ctx := c.Request.Context()

	if !s.authorize(ctx, conn, sess) {
		return
	}

	replayed := s.replay(ctx, sess)
	if !replayed {
		return
	}

	if err := s.subscribe(ctx, sess); err != nil {
		logger.Errorf("ws: session %s subscribe failed: %v", sess.ID, err)
		return
	}

	// Drain inbound traffic. Its main purpose is noticing client-initiated
	// disconnects; anything else is echoed back.
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.TextMessage {
			if s.manager.Send(sess, data) != nil {
				return
			}
		}
	}
}

// authorize runs the identity handshake. On failure it closes the session
// with the appropriate code and returns false.
func (s *Server) authorize(ctx context.Context, conn *websocket.Conn, sess *Session) bool {
	if err := s.manager.SendJSON(sess, NewIdentityChallenge()); err != nil {
		return false
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.manager.Disconnect(sess, CloseInvalidHandshake, "no identity response")
		return false
	}
	_ = conn.SetReadDeadline(time.Time{})

	var res IdentityResponse
	if err := json.Unmarshal(raw, &res); err != nil ||
		res.M.E != events.KindWSIdentityR ||
		(res.M.T != TypeAuthToken && res.M.T != TypeAuthManagerKey) {
		s.manager.Disconnect(sess, CloseInvalidHandshake, "invalid identity response")
		return false
	}

	if len(res.Ctx.Filter) > 0 {
		sess.Filter = make(map[events.Kind]bool, len(res.Ctx.Filter))
		for _, k := range res.Ctx.Filter {
			sess.Filter[k] = true
		}
	}

	switch res.M.T {
	case TypeAuthManagerKey:
		if res.Ctx.Key == "" || !crypto.SecureCompare(res.Ctx.Key, s.masterKey) {
			s.manager.Disconnect(sess, CloseNoAuth, "bad master key")
			return false
		}
		sess.Privileged = true
		logger.Infof("ws: session %s authorized (privileged)", sess.ID)
		return s.manager.SendJSON(sess, NewReadyAck(nil)) == nil

	case TypeAuthToken:
		sess.EntityIDs = s.resolveCredentials(ctx, res.Ctx.Auth)
		if len(sess.EntityIDs) == 0 {
			s.manager.Disconnect(sess, CloseNoAuth, "no authorized entities")
			return false
		}

		ids := make([]string, len(sess.EntityIDs))
		for i, id := range sess.EntityIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		logger.Infof("ws: session %s authorized for entities %v", sess.ID, ids)
		return s.manager.SendJSON(sess, NewReadyAck(ids)) == nil
	}
	return false
}

// resolveCredentials maps opaque credentials to entity IDs. Unresolvable
// entries are skipped silently; the caller decides what an empty result
// means.
func (s *Server) resolveCredentials(ctx context.Context, creds []EntityCredential) []int64 {
	var out []int64
	seen := make(map[int64]bool)
	for _, cred := range creds {
		if cred.ID == "" || cred.Token == "" {
			continue
		}
		id, err := strconv.ParseInt(cred.ID, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		if !s.allowIdentityAttempt(ctx, cred.ID) {
			continue
		}

		var entityID int64
		err = s.db.QueryRowContext(ctx,
			`SELECT bot_id FROM bots WHERE api_token = ? AND bot_id = ?`,
			cred.Token, id,
		).Scan(&entityID)
		if err == sql.ErrNoRows {
			err = s.db.QueryRowContext(ctx,
				`SELECT guild_id FROM servers WHERE api_token = ? AND guild_id = ?`,
				cred.Token, id,
			).Scan(&entityID)
		}
		if err != nil {
			continue
		}
		if !seen[entityID] {
			seen[entityID] = true
			out = append(out, entityID)
		}
	}
	return out
}

// allowIdentityAttempt rate-limits handshakes per credential ID using a
// timestamp list in the bus KV.
func (s *Server) allowIdentityAttempt(ctx context.Context, credID string) bool {
	key := "identity-" + credID
	now := float64(time.Now().UnixNano()) / 1e9

	var attempts []float64
	if blob, err := s.bus.Get(ctx, key); err == nil {
		_ = json.Unmarshal(blob, &attempts)
	}

	if len(attempts) > 100 {
		return false
	}
	if n := len(attempts); n > 0 {
		// Repeated identities within this window look like a brute force.
		since := now - attempts[n-1]
		if since > 5 && since < 65 {
			return false
		}
	}

	attempts = append(attempts, now)
	if blob, err := json.Marshal(attempts); err == nil {
		_ = s.bus.Set(ctx, key, blob, 24*time.Hour)
	}
	return true
}

// replay sends the buffered recent events for every authorized entity,
// strictly before any live subscription exists.
func (s *Server) replay(ctx context.Context, sess *Session) bool {
	if sess.Privileged {
		// The wildcard stream has no replay; it is a firehose for trusted
		// infrastructure.
		return true
	}
	for _, entityID := range sess.EntityIDs {
		history, err := s.store.Recent(ctx, entityID, s.replayLimit, nil)
		if err != nil {
			logger.Errorf("ws: replay load failed for entity %d: %v", entityID, err)
			continue
		}
		channel := strconv.FormatInt(entityID, 10)
		for _, ev := range history {
			payload := events.Payload{
				M:   events.Meta{E: ev.Kind, EID: ev.ID, TS: ev.TS, ID: channel},
				Ctx: ev.Context,
			}
			if s.manager.SendJSON(sess, payload) != nil {
				return false
			}
		}
	}
	return true
}

// subscribe attaches the live channel subscriptions and starts the forward
// loop.
func (s *Server) subscribe(ctx context.Context, sess *Session) error {
	var sub *bus.Subscription
	var err error
	if sess.Privileged {
		sub, err = s.bus.PSubscribe(ctx, "*")
	} else {
		channels := make([]string, len(sess.EntityIDs))
		for i, id := range sess.EntityIDs {
			channels[i] = strconv.FormatInt(id, 10)
		}
		sub, err = s.bus.Subscribe(ctx, channels...)
	}
	if err != nil {
		return err
	}
	sess.AddSubscription(sub)

	go s.forward(sess, sub)
	return nil
}

// forward pushes live channel messages to the socket until the subscription
// or the session dies.
func (s *Server) forward(sess *Session, sub *bus.Subscription) {
	for msg := range sub.C {
		var payload events.Payload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			logger.Debugf("ws: dropping malformed event on %s: %v", msg.Channel, err)
			continue
		}
		if !sess.Wants(payload.M.E) {
			continue
		}
		// Stamp the source channel so multi-entity clients can attribute the
		// event.
		payload.M.ID = msg.Channel
		if s.manager.SendJSON(sess, payload) != nil {
			return
		}
	}
}
