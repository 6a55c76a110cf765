// Package bridge implements the RPC-over-pub/sub client used by the web tier
// to talk to the gateway process.
//
// A call publishes "<COMMAND> <correlation_id> [args...]" on the control
// channel and then waits for the gateway to write the response under the
// correlation-ID key. Large payloads are stored separately under a short-lived
// key that is appended to the args, keeping control messages small.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/featherlist/server/internal/bus"
	"github.com/featherlist/server/internal/logger"
)

// ControlChannel is the well-known channel the gateway consumes commands on.
const ControlChannel = "_worker"

const (
	// responseTTL bounds how long an unconsumed response (or payload blob)
	// lives in the key/value store.
	responseTTL = 30 * time.Second

	// DefaultTimeout is used when the caller passes a non-positive timeout.
	DefaultTimeout = 30 * time.Second

	defaultPollInterval = 100 * time.Millisecond
)

// ErrTimeout is returned when the gateway produced no response within the
// caller's deadline, after the single automatic retry.
var ErrTimeout = errors.New("bridge: no answer from gateway")

// Bridge issues commands to the gateway process.
type Bridge struct {
	bus         bus.Bus
	gatewayAddr string
	client      *http.Client
	poll        time.Duration
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithPollInterval overrides the response poll interval. Tests use a small
// one.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) { b.poll = d }
}

// WithHTTPClient overrides the client used for the direct pseudo-commands.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) { b.client = c }
}

// New creates a Bridge on the given transport. gatewayAddr is the base URL of
// the gateway's sibling HTTP service used by the pseudo-commands.
func New(b bus.Bus, gatewayAddr string, opts ...Option) *Bridge {
	br := &Bridge{
		bus:         b,
		gatewayAddr: strings.TrimSuffix(gatewayAddr, "/"),
		client:      &http.Client{Timeout: 10 * time.Second},
		poll:        defaultPollInterval,
	}
	for _, opt := range opts {
		opt(br)
	}
	return br
}

// Call publishes command with args and waits up to timeout for a response.
//
// A non-nil payload is msgpack-encoded, stored under a short-lived key and
// the key appended to args. On timeout the command is republished exactly
// once with the no_wait marker before giving up with ErrTimeout.
//
// The GETCH and SENDMSG pseudo-commands never touch pub/sub; they call the
// gateway's HTTP service synchronously instead.
func (b *Bridge) Call(ctx context.Context, command string, args []string, payload any, timeout time.Duration) ([]byte, error) {
	switch command {
	case "GETCH":
		if len(args) != 1 {
			return nil, fmt.Errorf("bridge: GETCH wants exactly one arg, got %d", len(args))
		}
		return b.getch(ctx, args[0])
	case "SENDMSG":
		return b.sendMessage(ctx, payload)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Correlation IDs are generated caller-side so no two outstanding calls
	// can ever share one.
	corrID := uuid.NewString()

	if payload != nil {
		blob, err := msgpack.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("bridge: encode payload: %w", err)
		}
		key := "cmd-args:" + corrID
		if err := b.bus.Set(ctx, key, blob, responseTTL); err != nil {
			return nil, fmt.Errorf("bridge: store payload: %w", err)
		}
		args = append(append([]string{}, args...), key)
	}

	if err := b.publish(ctx, command, corrID, args, false); err != nil {
		return nil, err
	}

	data, err := b.await(ctx, corrID, timeout)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrTimeout) {
		return nil, err
	}

	// One retry with no_wait set; never more, to avoid amplification during
	// a gateway outage.
	logger.Debugf("bridge: %s %s timed out, retrying with no_wait", command, corrID)
	if err := b.publish(ctx, command, corrID, args, true); err != nil {
		return nil, err
	}
	// The retry does not get a full second deadline, just a short grace to
	// pick up a response that raced the first timeout.
	return b.await(ctx, corrID, 4*b.poll)
}

func (b *Bridge) publish(ctx context.Context, command, corrID string, args []string, noWait bool) error {
	parts := append([]string{command, corrID}, args...)
	if noWait {
		parts = append(parts, "no_wait")
	}
	if err := b.bus.Publish(ctx, ControlChannel, []byte(strings.Join(parts, " "))); err != nil {
		return fmt.Errorf("bridge: publish %s: %w", command, err)
	}
	return nil
}

// await polls the response key until it appears or the deadline passes.
func (b *Bridge) await(ctx context.Context, corrID string, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(b.poll)
	defer tick.Stop()

	for {
		data, err := b.bus.Get(ctx, corrID)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, bus.ErrNoKey) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		case <-tick.C:
		}
	}
}

// getch fetches a user/bot profile from the gateway HTTP service. A 404 is a
// clean "does not exist" and yields empty bytes with no error.
func (b *Bridge) getch(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.gatewayAddr+"/getch/"+id, nil)
	if err != nil {
		return nil, err
	}
	res, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: getch: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge: getch: unexpected status %d", res.StatusCode)
	}
	return io.ReadAll(res.Body)
}
