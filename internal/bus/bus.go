// Package bus abstracts the pub/sub transport and the short-lived key/value
// store shared by the web tier and the gateway process. Two implementations
// exist: an in-process one for single-server deployments and tests, and a
// Redis one for multi-process deployments.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrNoKey is returned by Get when a key does not exist or has expired.
var ErrNoKey = errors.New("bus: no such key")

// Message is a single pub/sub delivery.
type Message struct {
	// Channel is the concrete channel the message was published on, even for
	// pattern subscriptions.
	Channel string
	Data    []byte
}

// Subscription is a live channel or pattern subscription. Messages arrive on
// C until Close is called or the transport shuts down, after which C is
// closed.
type Subscription struct {
	C     <-chan Message
	close func()
}

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// Bus is the transport contract. Publish and the KV operations must be safe
// for concurrent use from any goroutine.
type Bus interface {
	// Publish sends data to every subscriber of channel.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe delivers messages published on any of the named channels.
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)

	// PSubscribe delivers messages published on channels matching the glob
	// pattern (Redis pattern syntax; "*" matches everything).
	PSubscribe(ctx context.Context, pattern string) (*Subscription, error)

	// Set stores value under key with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value under key, or ErrNoKey.
	Get(ctx context.Context, key string) ([]byte, error)

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases transport resources and closes all subscriptions.
	Close() error
}
