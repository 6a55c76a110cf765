// Package ws implements the duplex real-time API: connection lifecycle,
// the identity handshake, replay and live event fan-out.
package ws

import (
	"time"

	"github.com/google/uuid"

	"github.com/featherlist/server/internal/events"
)

// Close codes. Clients distinguish "you sent garbage" (4004) from "your
// credentials don't match anything" (4007) from "we gave up delivering to
// you" (4006).
const (
	CloseInvalidHandshake = 4004
	CloseNotImplemented   = 4005
	CloseDeliveryFailure  = 4006
	CloseNoAuth           = 4007
)

// FrameType is the "t" discriminator carried in frame metadata.
type FrameType int

const (
	TypeInvalid        FrameType = 0
	TypeNoAuth         FrameType = 1
	TypeReady          FrameType = 3
	TypeEventSingle    FrameType = 4
	TypeEventMulti     FrameType = 5
	TypeAuthToken      FrameType = 20
	TypeAuthManagerKey FrameType = 21
)

// FrameMeta is the "m" block of a control frame.
type FrameMeta struct {
	E   events.Kind `json:"e"`
	T   FrameType   `json:"t,omitempty"`
	EID string      `json:"eid,omitempty"`
	TS  float64     `json:"ts,omitempty"`
}

// IdentityChallenge is the first server frame on a new connection.
type IdentityChallenge struct {
	M FrameMeta `json:"m"`
}

// NewIdentityChallenge builds the challenge frame.
func NewIdentityChallenge() IdentityChallenge {
	return IdentityChallenge{M: FrameMeta{
		E:   events.KindWSIdentity,
		EID: uuid.NewString(),
		TS:  nowUnix(),
	}}
}

// EntityCredential is one opaque per-entity credential in an identity
// response.
type EntityCredential struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// IdentityResponseCtx carries either a per-entity credential list or the
// privileged master key, plus an optional event-kind allow-list.
type IdentityResponseCtx struct {
	Auth   []EntityCredential `json:"auth,omitempty"`
	Key    string             `json:"key,omitempty"`
	Filter []events.Kind      `json:"filter,omitempty"`
}

// IdentityResponse is the client's answer to the challenge.
type IdentityResponse struct {
	M   FrameMeta           `json:"m"`
	Ctx IdentityResponseCtx `json:"ctx"`
}

// ReadyAck tells the client which entity IDs it is authorized for. It never
// echoes credentials.
type ReadyAck struct {
	M   FrameMeta   `json:"m"`
	Ctx ReadyAckCtx `json:"ctx"`
}

type ReadyAckCtx struct {
	Entities []string `json:"entities"`
}

// NewReadyAck builds the ready frame.
func NewReadyAck(entities []string) ReadyAck {
	if entities == nil {
		entities = []string{}
	}
	return ReadyAck{
		M: FrameMeta{
			E:   events.KindWSStatus,
			T:   TypeReady,
			EID: uuid.NewString(),
			TS:  nowUnix(),
		},
		Ctx: ReadyAckCtx{Entities: entities},
	}
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
