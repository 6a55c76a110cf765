package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/featherlist/server/internal/bus"
	"github.com/featherlist/server/internal/database"
)

func newTestRecorder(t *testing.T) (*Recorder, *bus.Memory, *database.DB) {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := bus.NewMemory()
	t.Cleanup(func() { m.Close() })

	return NewRecorder(NewStore(db.DB, 0), m, nil), m, db
}

func TestRecordPersistsAndPublishes(t *testing.T) {
	r, m, _ := newTestRecorder(t)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "42")
	require.NoError(t, err)
	defer sub.Close()

	eventID, err := r.Record(ctx, 42, KindBotVote, VoteContext{UserID: 7, Votes: 100})
	require.NoError(t, err)
	require.NotEmpty(t, eventID)

	// Durable side.
	got, err := r.Store().Recent(ctx, 42, 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, KindBotVote, got[0].Kind)
	require.Equal(t, "7", got[0].Context["user"])

	// Published side.
	select {
	case msg := <-sub.C:
		var p Payload
		require.NoError(t, json.Unmarshal(msg.Data, &p))
		require.Equal(t, KindBotVote, p.M.E)
		require.Equal(t, eventID, p.M.EID)
		require.Equal(t, "100", p.Ctx["votes"])
		require.Greater(t, p.M.TS, 0.0)
	case <-time.After(time.Second):
		t.Fatal("no notification published")
	}
}

func TestRecordRejectsNilContext(t *testing.T) {
	r, _, _ := newTestRecorder(t)

	_, err := r.Record(context.Background(), 42, KindBotVote, nil)
	require.ErrorIs(t, err, ErrInvalidContext)

	_, err = r.Record(context.Background(), 42, KindBotVote, RawContext(nil))
	require.ErrorIs(t, err, ErrInvalidContext)
}

func TestLogCapEvictsOldest(t *testing.T) {
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	m := bus.NewMemory()
	defer m.Close()

	r := NewRecorder(NewStore(db.DB, 5), m, nil)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := r.Record(ctx, 42, KindBotVote, RawContext{"n": fmt.Sprint(i)})
		require.NoError(t, err)
		// Distinct timestamps so eviction order is deterministic.
		time.Sleep(2 * time.Millisecond)
	}

	n, err := r.Store().Count(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	recent, err := r.Store().Recent(ctx, 42, 10, nil)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	require.Equal(t, "3", recent[0].Context["n"], "oldest surviving event")
	require.Equal(t, "7", recent[4].Context["n"], "newest event")
}

func TestRecentExcludesKinds(t *testing.T) {
	r, _, _ := newTestRecorder(t)
	ctx := context.Background()

	_, err := r.Record(ctx, 42, KindBotVote, RawContext{})
	require.NoError(t, err)
	_, err = r.Record(ctx, 42, KindBotEdit, RawContext{})
	require.NoError(t, err)

	got, err := r.Store().Recent(ctx, 42, 10, []Kind{KindBotVote})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, KindBotEdit, got[0].Kind)
}

func TestRecordAndNotifyDeliversWebhook(t *testing.T) {
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	received := make(chan webhookBody, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body webhookBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
	}))
	defer srv.Close()

	_, err = db.Exec(`INSERT INTO bots (bot_id, api_token, webhook) VALUES (42, 'tok', ?)`, "POST$"+srv.URL)
	require.NoError(t, err)

	m := bus.NewMemory()
	defer m.Close()
	hooks := NewWebhookDispatcher(db.DB)
	r := NewRecorder(NewStore(db.DB, 0), m, hooks)

	eventID, err := r.RecordAndNotify(context.Background(), 42, KindBotVote, VoteContext{UserID: 7, Votes: 1})
	require.NoError(t, err)
	hooks.Wait()

	select {
	case body := <-received:
		require.Equal(t, eventID, body.EventID)
		require.Equal(t, KindBotVote, body.Event)
	case <-time.After(time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestWebhookFailureDoesNotFailMutation(t *testing.T) {
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	// Unroutable webhook target.
	_, err = db.Exec(`INSERT INTO bots (bot_id, api_token, webhook) VALUES (42, 'tok', 'POST$http://127.0.0.1:1/hook')`)
	require.NoError(t, err)

	m := bus.NewMemory()
	defer m.Close()
	hooks := NewWebhookDispatcher(db.DB)
	r := NewRecorder(NewStore(db.DB, 0), m, hooks)

	_, err = r.RecordAndNotify(context.Background(), 42, KindBotVote, VoteContext{UserID: 7, Votes: 1})
	require.NoError(t, err)
	hooks.Wait()
}
