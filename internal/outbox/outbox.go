// Package outbox records side-effect events for asynchronous consumers. The
// registration flow writes a user.registered row here instead of calling the
// community service directly, so a failed enrollment is visible and
// retryable rather than logged and lost.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventUserRegistered is written when a new hub user is created.
const EventUserRegistered = "user.registered"

// Event is a pending or processed outbox row.
type Event struct {
	ID          uuid.UUID
	EventType   string
	Payload     json.RawMessage
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// UserRegisteredPayload is the payload of an EventUserRegistered event.
type UserRegisteredPayload struct {
	UserID   string `json:"userId"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username"`
	Origin   string `json:"origin"` // "local" or the platform name
}

// Repository provides operations on the outbox_events table.
type Repository interface {
	Append(ctx context.Context, eventType string, payload any) error
	// ListPending returns unprocessed events, oldest first.
	ListPending(ctx context.Context, limit int) ([]Event, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
}
