package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/featherlist/server/internal/bus"
	"github.com/featherlist/server/internal/logger"
)

// Meta is the "m" block of a wire payload. ID is the source channel and is
// stamped at delivery time, not at publish time.
type Meta struct {
	E   Kind    `json:"e"`
	EID string  `json:"eid"`
	TS  float64 `json:"ts"`
	ID  string  `json:"id,omitempty"`
}

// Payload is the JSON shape published on per-entity channels and forwarded to
// websocket clients.
type Payload struct {
	M   Meta              `json:"m"`
	Ctx map[string]string `json:"ctx"`
}

// Recorder persists lifecycle events and publishes notifications.
type Recorder struct {
	store    *Store
	bus      bus.Bus
	webhooks *WebhookDispatcher
}

// NewRecorder creates a Recorder. webhooks may be nil to disable side-effect
// delivery.
func NewRecorder(store *Store, b bus.Bus, webhooks *WebhookDispatcher) *Recorder {
	return &Recorder{store: store, bus: b, webhooks: webhooks}
}

// Record appends one event to the entity's durable log and publishes it on
// the entity's channel. It returns the generated event ID.
func (r *Recorder) Record(ctx context.Context, entityID int64, kind Kind, evctx Context) (string, error) {
	if evctx == nil {
		return "", ErrInvalidContext
	}
	ctxMap := evctx.Map()
	if ctxMap == nil {
		return "", ErrInvalidContext
	}

	ev := Event{
		// The sequence token doubles as the event's durable primary key.
		ID:       uuid.NewString(),
		EntityID: entityID,
		Kind:     kind,
		Context:  ctxMap,
		TS:       float64(time.Now().UnixNano()) / 1e9,
	}

	if err := r.store.Append(ctx, ev); err != nil {
		return "", fmt.Errorf("events: append: %w", err)
	}

	payload, err := json.Marshal(Payload{
		M:   Meta{E: ev.Kind, EID: ev.ID, TS: ev.TS},
		Ctx: ev.Context,
	})
	if err != nil {
		return "", fmt.Errorf("events: encode payload: %w", err)
	}

	channel := strconv.FormatInt(entityID, 10)
	if err := r.bus.Publish(ctx, channel, payload); err != nil {
		return "", fmt.Errorf("events: publish: %w", err)
	}

	logger.Debugf("events: recorded %d for entity %d (eid %s)", kind, entityID, ev.ID)
	return ev.ID, nil
}

// RecordAndNotify is the entry point for mutation endpoints: it records the
// event and additionally triggers the owner-configured webhook, if any.
// Webhook delivery is fire and forget and can never fail the mutation.
func (r *Recorder) RecordAndNotify(ctx context.Context, entityID int64, kind Kind, evctx Context) (string, error) {
	eventID, err := r.Record(ctx, entityID, kind, evctx)
	if err != nil {
		return "", err
	}
	if r.webhooks != nil {
		r.webhooks.Dispatch(entityID, eventID, kind, evctx.Map())
	}
	return eventID, nil
}

// Store exposes the durable log for replay queries.
func (r *Recorder) Store() *Store { return r.store }
