package domain

import (
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
	"github.com/google/uuid"
)

const (
	AggregateType = "User"

	RoutingKeyUserRegistered         = "identity.user.registered"
	RoutingKeyUserUpdated            = "identity.user.updated"
	RoutingKeyUserSubscriptionLinked = "identity.user.subscription_linked"
)

// UserRegistered is emitted when a new user account is created.
type UserRegistered struct {
	sharedDomain.BaseEvent
	Email string `json:"email"`
	Name  string `json:"name"`
}

// NewUserRegistered creates a UserRegistered event.
func NewUserRegistered(userID uuid.UUID, email, name string) *UserRegistered {
	return &UserRegistered{
		BaseEvent: sharedDomain.NewBaseEvent(userID, AggregateType, RoutingKeyUserRegistered),
		Email:     email,
		Name:      name,
	}
}

// UserUpdated is emitted when a user profile is updated.
type UserUpdated struct {
	sharedDomain.BaseEvent
	Name string `json:"name"`
}

// NewUserUpdated creates a UserUpdated event.
func NewUserUpdated(userID uuid.UUID, name string) *UserUpdated {
	return &UserUpdated{
		BaseEvent: sharedDomain.NewBaseEvent(userID, AggregateType, RoutingKeyUserUpdated),
		Name:      name,
	}
}

// UserSubscriptionLinked is emitted when the subscription back-reference on a
// user record changes.
type UserSubscriptionLinked struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
}

// NewUserSubscriptionLinked creates a UserSubscriptionLinked event.
func NewUserSubscriptionLinked(userID, subscriptionID uuid.UUID) *UserSubscriptionLinked {
	return &UserSubscriptionLinked{
		BaseEvent:      sharedDomain.NewBaseEvent(userID, AggregateType, RoutingKeyUserSubscriptionLinked),
		SubscriptionID: subscriptionID,
	}
}
