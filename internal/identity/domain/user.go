package domain

import (
	"time"

	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
	"github.com/google/uuid"
)

// User represents a user account. The billing core only owns the
// subscription back-reference; profile data lives here so the document and
// generation features share one identity record.
type User struct {
	sharedDomain.BaseAggregateRoot
	email                Email
	name                 Name
	activeSubscriptionID *uuid.UUID
}

// NewUser creates a new user with the given email and name.
func NewUser(email Email, name Name) *User {
	u := &User{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(),
		email:             email,
		name:              name,
	}

	u.AddDomainEvent(NewUserRegistered(u.ID(), email.String(), name.String()))

	return u
}

// Getters
func (u *User) Email() Email                     { return u.email }
func (u *User) Name() Name                       { return u.name }
func (u *User) ActiveSubscriptionID() *uuid.UUID { return u.activeSubscriptionID }

// UpdateName changes the user's name.
func (u *User) UpdateName(name Name) {
	if u.name.Equals(name) {
		return
	}

	u.name = name
	u.Touch()

	u.AddDomainEvent(NewUserUpdated(u.ID(), name.String()))
}

// LinkSubscription points the user at their current subscription. The
// subscription aggregate stays the source of truth; this reference only saves
// readers a lookup by user id.
func (u *User) LinkSubscription(subscriptionID uuid.UUID) {
	if u.activeSubscriptionID != nil && *u.activeSubscriptionID == subscriptionID {
		return
	}

	u.activeSubscriptionID = &subscriptionID
	u.Touch()

	u.AddDomainEvent(NewUserSubscriptionLinked(u.ID(), subscriptionID))
}

// RehydrateUser reconstructs a user from persistence.
func RehydrateUser(
	id uuid.UUID,
	email Email,
	name Name,
	activeSubscriptionID *uuid.UUID,
	version int,
	createdAt, updatedAt time.Time,
) *User {
	return &User{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(
			sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
			version,
		),
		email:                email,
		name:                 name,
		activeSubscriptionID: activeSubscriptionID,
	}
}
