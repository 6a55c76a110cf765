package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryPublishSubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), "42")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Publish(context.Background(), "42", []byte("hello")))
	require.NoError(t, m.Publish(context.Background(), "43", []byte("other")))

	msg := recv(t, sub)
	require.Equal(t, "42", msg.Channel)
	require.Equal(t, []byte("hello"), msg.Data)

	// Nothing from channel 43 should arrive.
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected message: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryPatternSubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	sub, err := m.PSubscribe(context.Background(), "*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Publish(context.Background(), "42", []byte("a")))
	require.NoError(t, m.Publish(context.Background(), "43", []byte("b")))

	first := recv(t, sub)
	second := recv(t, sub)
	require.Equal(t, "42", first.Channel)
	require.Equal(t, "43", second.Channel)
}

func TestMemoryPerChannelOrdering(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), "42")
	require.NoError(t, err)
	defer sub.Close()

	payloads := [][]byte{[]byte("1"), []byte("2"), []byte("3")}
	for _, p := range payloads {
		require.NoError(t, m.Publish(context.Background(), "42", p))
	}
	for _, want := range payloads {
		require.Equal(t, want, recv(t, sub).Data)
	}
}

func TestMemoryKVExpiry(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 30*time.Millisecond))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	time.Sleep(60 * time.Millisecond)
	_, err = m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNoKey)
}

func TestMemoryKVDel(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, m.Del(ctx, "k"))
	_, err := m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNoKey)

	// Deleting an absent key is fine.
	require.NoError(t, m.Del(ctx, "missing"))
}

func TestMemorySubscriptionCloseIdempotent(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), "42")
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	require.False(t, ok)
}
