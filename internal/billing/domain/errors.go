package domain

import "errors"

var (
	// ErrPaymentNotFound is returned when a payment does not exist.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrNotOwner is returned when a payment belongs to a different user.
	ErrNotOwner = errors.New("payment does not belong to the user")

	// ErrMissingUser is returned when a payment is created without a user.
	ErrMissingUser = errors.New("payment requires a user")

	// ErrMissingPlan is returned when a payment is created without the plan
	// it pays for.
	ErrMissingPlan = errors.New("payment requires a plan tier and interval")

	// ErrInvalidAmount is returned when a payment is created with a zero
	// amount.
	ErrInvalidAmount = errors.New("payment amount must be positive")

	// ErrInvalidTransition is returned when a status change violates the
	// payment lifecycle.
	ErrInvalidTransition = errors.New("invalid payment status transition")

	// ErrInvalidRefundAmount is returned when a refund exceeds what was
	// captured.
	ErrInvalidRefundAmount = errors.New("refund exceeds the captured amount")

	// ErrConcurrentUpdate is returned when a save lost against a concurrent
	// writer.
	ErrConcurrentUpdate = errors.New("payment was modified concurrently")
)
