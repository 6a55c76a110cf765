package events

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/featherlist/server/internal/logger"
)

// WebhookDispatcher delivers entity-owner webhooks for recorded events.
// Delivery is at-most-once: a single attempt with a short timeout, failures
// logged and dropped.
type WebhookDispatcher struct {
	db     *sql.DB
	client *http.Client

	// wg lets tests wait for in-flight deliveries; production shutdown does
	// not block on it.
	wg sync.WaitGroup
}

// NewWebhookDispatcher creates a dispatcher reading webhook URLs from the
// bots/servers tables.
func NewWebhookDispatcher(db *sql.DB) *WebhookDispatcher {
	return &WebhookDispatcher{
		db:     db,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookBody struct {
	Type    string            `json:"type"`
	EventID string            `json:"event_id"`
	Event   Kind              `json:"event"`
	Context map[string]string `json:"context"`
}

// Dispatch posts the event to the entity's configured webhook on a detached
// goroutine with its own error boundary.
func (d *WebhookDispatcher) Dispatch(entityID int64, eventID string, kind Kind, ctxMap map[string]string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorf("webhook: panic delivering event %s: %v", eventID, rec)
			}
		}()
		d.deliver(entityID, eventID, kind, ctxMap)
	}()
}

// Wait blocks until all in-flight deliveries finish. Test helper.
func (d *WebhookDispatcher) Wait() { d.wg.Wait() }

func (d *WebhookDispatcher) deliver(entityID int64, eventID string, kind Kind, ctxMap map[string]string) {
	var raw string
	err := d.db.QueryRow(`SELECT webhook FROM bots WHERE bot_id = ?`, entityID).Scan(&raw)
	if err == sql.ErrNoRows {
		err = d.db.QueryRow(`SELECT webhook FROM servers WHERE guild_id = ?`, entityID).Scan(&raw)
	}
	if err != nil || raw == "" {
		return
	}

	// Webhook format: "<MODE>$<url>" or a bare URL meaning POST ("FC" is the
	// legacy alias for the default PUT mode).
	method := http.MethodPost
	url := raw
	if i := strings.Index(raw, "$"); i >= 0 {
		mode := strings.ToUpper(raw[:i])
		url = raw[i+1:]
		switch mode {
		case "POST":
			method = http.MethodPost
		case "FC", "PUT":
			method = http.MethodPut
		default:
			logger.Warnf("webhook: entity %d has unknown mode %q, skipping", entityID, mode)
			return
		}
	}

	body, err := json.Marshal(webhookBody{
		Type:    "add",
		EventID: eventID,
		Event:   kind,
		Context: ctxMap,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		logger.Warnf("webhook: bad URL for entity %d: %v", entityID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		logger.Warnf("webhook: delivery failed for entity %d: %v", entityID, err)
		return
	}
	res.Body.Close()
	if res.StatusCode >= 400 {
		logger.Warnf("webhook: entity %d responded %d", entityID, res.StatusCode)
	}
}
