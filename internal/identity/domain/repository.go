package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrUserNotFound is returned when a user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrEmailTaken is returned when registering with an email that is
	// already in use.
	ErrEmailTaken = errors.New("email is already registered")
)

// UserRepository defines the interface for user persistence.
//
// SetActiveSubscription writes the subscription back-reference directly so
// the subscription activation transaction can update the pointer without
// loading and re-saving the whole aggregate.
type UserRepository interface {
	Save(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindByEmail(ctx context.Context, email Email) (*User, error)
	ExistsByEmail(ctx context.Context, email Email) (bool, error)
	SetActiveSubscription(ctx context.Context, userID, subscriptionID uuid.UUID) error
}
