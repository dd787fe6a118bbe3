package user

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUserNotFound is returned when a user record is not found.
var ErrUserNotFound = errors.New("user not found")

// ErrEmailTaken is returned when creating a user with an email that is
// already registered.
var ErrEmailTaken = errors.New("email already registered")

// Repository provides operations on the hub_users table.
type Repository interface {
	Create(ctx context.Context, u *HubUser) error
	GetByID(ctx context.Context, id uuid.UUID) (*HubUser, error)
	GetByEmail(ctx context.Context, email string) (*HubUser, error)
	SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	MarkEmailVerified(ctx context.Context, id uuid.UUID) error
}
