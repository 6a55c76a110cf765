// Package events records entity lifecycle events durably and fans them out to
// the real-time layer.
package events

import (
	"errors"
	"strconv"
)

// Kind identifies a lifecycle event. Values are part of the public API and
// must not be renumbered.
type Kind int

const (
	KindBotVote     Kind = 0
	KindBotAdd      Kind = 1
	KindBotEdit     Kind = 2
	KindBotDelete   Kind = 3
	KindBotApprove  Kind = 5
	KindBotDeny     Kind = 6
	KindBotBan      Kind = 7
	KindBotUnban    Kind = 8
	KindBotCertify  Kind = 10
	KindReviewAdd   Kind = 31
	KindReviewEdit  Kind = 32
	KindReviewDel   Kind = 33
	KindServerVote  Kind = 70
	KindServerEdit  Kind = 72
	KindServerBan   Kind = 74
	KindVoteReset   Kind = 20
	KindWSIdentity  Kind = 90
	KindWSIdentityR Kind = 91
	KindWSKill      Kind = 92
	KindWSStatus    Kind = 93
	KindWSEvent     Kind = 94
)

// ErrInvalidContext is returned when an event is recorded without a usable
// context.
var ErrInvalidContext = errors.New("events: context must be a map")

// Context is the per-kind event payload. Known kinds use the typed shapes
// below; free-form audit context uses RawContext.
type Context interface {
	// Map flattens the context into the string map carried on the wire.
	Map() map[string]string
}

// RawContext is an open string map for user-authored context (for example an
// audit log reason).
type RawContext map[string]string

func (c RawContext) Map() map[string]string { return c }

// VoteContext accompanies KindBotVote and KindServerVote.
type VoteContext struct {
	UserID int64
	Votes  int64
}

func (c VoteContext) Map() map[string]string {
	return map[string]string{
		"user":  strconv.FormatInt(c.UserID, 10),
		"votes": strconv.FormatInt(c.Votes, 10),
	}
}

// EditContext accompanies the edit kinds.
type EditContext struct {
	UserID int64
}

func (c EditContext) Map() map[string]string {
	return map[string]string{"user": strconv.FormatInt(c.UserID, 10)}
}

// BanContext accompanies the ban/unban kinds. Reason is free-form staff text.
type BanContext struct {
	StaffID int64
	Reason  string
}

func (c BanContext) Map() map[string]string {
	return map[string]string{
		"user":   strconv.FormatInt(c.StaffID, 10),
		"reason": c.Reason,
	}
}

// ReviewContext accompanies the review kinds.
type ReviewContext struct {
	UserID     int64
	ReviewID   string
	StarRating float64
}

func (c ReviewContext) Map() map[string]string {
	return map[string]string{
		"user":        strconv.FormatInt(c.UserID, 10),
		"review_id":   c.ReviewID,
		"star_rating": strconv.FormatFloat(c.StarRating, 'f', -1, 64),
	}
}
