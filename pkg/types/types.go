// Package types holds the response shapes shared across API handlers.
package types

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is the uniform success body for mutations
type MessageResponse struct {
	Message string `json:"message"`
}

// EventResponse wraps a recorded event's sequence token
type EventResponse struct {
	EventID string `json:"event_id"`
}
