package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/featherlist/server/internal/logger"
)

// Redis is the multi-process Bus implementation backed by Redis pub/sub and
// SET/GET with expiry.
type Redis struct {
	pool *redis.Pool

	mu     sync.Mutex
	subs   map[*Subscription]func()
	closed bool
}

// NewRedis connects a Redis-backed bus. url uses the redis:// scheme.
func NewRedis(url string) (*Redis, error) {
	pool := &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 240 * time.Second,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	// Fail fast on a bad URL or unreachable server.
	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, err
	}

	return &Redis{
		pool: pool,
		subs: make(map[*Subscription]func()),
	}, nil
}

// Publish sends data on channel.
func (r *Redis) Publish(ctx context.Context, channel string, data []byte) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("PUBLISH", channel, data)
	return err
}

// Set stores value under key. A positive TTL maps to PX expiry.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if ttl > 0 {
		_, err = conn.Do("SET", key, value, "PX", ttl.Milliseconds())
	} else {
		_, err = conn.Do("SET", key, value)
	}
	return err
}

// Get fetches the value under key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrNoKey
	}
	return data, err
}

// Del removes key.
func (r *Redis) Del(ctx context.Context, key string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("DEL", key)
	return err
}

// Subscribe opens a dedicated connection subscribed to the named channels.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	args := make([]any, len(channels))
	for i, c := range channels {
		args[i] = c
	}
	return r.subscribe(ctx, func(psc redis.PubSubConn) error {
		return psc.Subscribe(args...)
	})
}

// PSubscribe opens a dedicated connection subscribed to the pattern.
func (r *Redis) PSubscribe(ctx context.Context, pattern string) (*Subscription, error) {
	return r.subscribe(ctx, func(psc redis.PubSubConn) error {
		return psc.PSubscribe(pattern)
	})
}

func (r *Redis) subscribe(ctx context.Context, start func(redis.PubSubConn) error) (*Subscription, error) {
	conn, err := r.pool.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	psc := redis.PubSubConn{Conn: conn}
	if err := start(psc); err != nil {
		conn.Close()
		return nil, err
	}

	ch := make(chan Message, subscriberBuffer)
	var once sync.Once
	sub := &Subscription{C: ch}
	sub.close = func() {
		once.Do(func() {
			// Closing the connection makes the receive loop exit, which in
			// turn closes ch.
			conn.Close()
			r.mu.Lock()
			delete(r.subs, sub)
			r.mu.Unlock()
		})
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return nil, errors.New("bus: closed")
	}
	r.subs[sub] = sub.close
	r.mu.Unlock()

	go func() {
		defer close(ch)
		for {
			switch v := psc.Receive().(type) {
			case redis.Message:
				select {
				case ch <- Message{Channel: v.Channel, Data: v.Data}:
				default:
					logger.Warnf("redis bus: dropping message on %s (slow consumer)", v.Channel)
				}
			case redis.Subscription:
				// Subscribe/unsubscribe confirmations carry no payload.
			case error:
				sub.close()
				return
			}
		}
	}()

	return sub, nil
}

// Close shuts the pool and every subscription down.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	closers := make([]func(), 0, len(r.subs))
	for _, c := range r.subs {
		closers = append(closers, c)
	}
	r.mu.Unlock()

	for _, c := range closers {
		c()
	}
	return r.pool.Close()
}
