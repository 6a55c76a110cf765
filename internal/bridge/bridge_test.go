package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/featherlist/server/internal/bus"
)

func newTestBridge(t *testing.T) (*Bridge, *bus.Memory) {
	t.Helper()
	m := bus.NewMemory()
	t.Cleanup(func() { m.Close() })
	return New(m, "http://localhost:1", WithPollInterval(5*time.Millisecond)), m
}

// fakeGateway answers commands published on the control channel.
func fakeGateway(t *testing.T, m *bus.Memory, respond func(command, corrID string, args []string) []byte) {
	t.Helper()
	sub, err := m.Subscribe(context.Background(), ControlChannel)
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	go func() {
		for msg := range sub.C {
			parts := strings.Fields(string(msg.Data))
			if len(parts) < 2 {
				continue
			}
			if res := respond(parts[0], parts[1], parts[2:]); res != nil {
				_ = m.Set(context.Background(), parts[1], res, 30*time.Second)
			}
		}
	}()
}

func TestCallRoundTrip(t *testing.T) {
	b, m := newTestBridge(t)
	fakeGateway(t, m, func(command, corrID string, args []string) []byte {
		require.Equal(t, "ROLES", command)
		require.Equal(t, []string{"563808552288780322"}, args)
		return []byte(`["staff","dev"]`)
	})

	res, err := b.Call(context.Background(), "ROLES", []string{"563808552288780322"}, nil, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `["staff","dev"]`, string(res))
}

func TestCallCorrelationIsolation(t *testing.T) {
	b, m := newTestBridge(t)
	// Echo the correlation ID back so each caller can verify it got its own
	// response.
	fakeGateway(t, m, func(command, corrID string, args []string) []byte {
		return []byte(corrID)
	})

	const calls = 16
	var wg sync.WaitGroup
	results := make([][]byte, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.Call(context.Background(), "GETPERM", nil, nil, 2*time.Second)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, calls)
	for _, res := range results {
		id := string(res)
		require.False(t, seen[id], "correlation ID delivered twice: %s", id)
		seen[id] = true
	}
}

func TestCallTimeoutRetriesExactlyOnce(t *testing.T) {
	b, m := newTestBridge(t)

	var mu sync.Mutex
	var published []string
	sub, err := m.Subscribe(context.Background(), ControlChannel)
	require.NoError(t, err)
	defer sub.Close()
	go func() {
		for msg := range sub.C {
			mu.Lock()
			published = append(published, string(msg.Data))
			mu.Unlock()
		}
	}()

	_, err = b.Call(context.Background(), "RESTART", []string{"worker-1"}, nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// Give the subscriber goroutine a beat to drain.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 2, "one initial publish plus exactly one retry")
	require.NotContains(t, published[0], "no_wait")
	require.True(t, strings.HasSuffix(published[1], " no_wait"), "retry carries no_wait: %q", published[1])
}

func TestCallRetryPicksUpLateResponse(t *testing.T) {
	b, m := newTestBridge(t)

	// Responder that only answers the no_wait retry.
	fakeGateway(t, m, func(command, corrID string, args []string) []byte {
		if len(args) > 0 && args[len(args)-1] == "no_wait" {
			return []byte("late")
		}
		return nil
	})

	res, err := b.Call(context.Background(), "STATS", nil, nil, 40*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []byte("late"), res)
}

func TestCallPayloadStoredUnderRef(t *testing.T) {
	b, m := newTestBridge(t)

	type payload struct {
		Op   int    `msgpack:"op"`
		Data string `msgpack:"data"`
	}

	done := make(chan []string, 1)
	fakeGateway(t, m, func(command, corrID string, args []string) []byte {
		done <- args
		return []byte("ok")
	})

	_, err := b.Call(context.Background(), "BTADD", []string{"42"}, &payload{Op: 0, Data: "x"}, time.Second)
	require.NoError(t, err)

	args := <-done
	require.Len(t, args, 2)
	require.Equal(t, "42", args[0])
	require.True(t, strings.HasPrefix(args[1], "cmd-args:"), "payload ref key appended: %v", args)

	blob, err := m.Get(context.Background(), args[1])
	require.NoError(t, err)
	require.NotEmpty(t, blob)
}

func TestGetchBypassesPubSub(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.Equal(t, "/getch/123", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"username": "TestBot", "avatar": "a.png", "bot": true})
	}))
	defer srv.Close()

	m := bus.NewMemory()
	defer m.Close()
	b := New(m, srv.URL)

	res, err := b.Call(context.Background(), "GETCH", []string{"123"}, nil, time.Second)
	require.NoError(t, err)
	require.Contains(t, string(res), "TestBot")
	require.Equal(t, 1, hits)
}

func TestGetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := bus.NewMemory()
	defer m.Close()
	b := New(m, srv.URL)

	res, err := b.Call(context.Background(), "GETCH", []string{"999"}, nil, time.Second)
	require.NoError(t, err)
	require.Empty(t, res)
}

func TestSendMsgFillsDefaults(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte("sent"))
	}))
	defer srv.Close()

	m := bus.NewMemory()
	defer m.Close()
	b := New(m, srv.URL)

	res, err := b.Call(context.Background(), "SENDMSG", nil, &SendMessageRequest{ChannelID: 555}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "sent", string(res))

	require.EqualValues(t, 555, got["channel_id"])
	embed, ok := got["embed"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "rich", embed["type"])
	require.NotNil(t, got["mention_roles"])
}
