// Package domain holds the generation context's vocabulary. Generation is a
// quota consumer, not a document store: drafts are returned to the caller and
// persisted by the document feature, which is outside this context.
package domain

import (
	"context"
	"errors"
)

var (
	// ErrInvalidKind is returned for an unknown document kind.
	ErrInvalidKind = errors.New("invalid document kind")

	// ErrEmptyPrompt is returned when a generation request carries no prompt.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")

	// ErrProviderUnavailable is returned when the AI provider cannot be
	// reached or its circuit is open.
	ErrProviderUnavailable = errors.New("ai provider unavailable")
)

// DocumentKind is the kind of document being generated.
type DocumentKind string

const (
	KindCoverLetter DocumentKind = "cover_letter"
	KindCV          DocumentKind = "cv"
)

// IsValid reports whether the kind is known.
func (k DocumentKind) IsValid() bool {
	switch k {
	case KindCoverLetter, KindCV:
		return true
	}
	return false
}

// ProviderRequest is the normalized request to the AI provider.
type ProviderRequest struct {
	Kind     DocumentKind
	Prompt   string
	Language string
}

// ProviderResult is the normalized provider response.
type ProviderResult struct {
	Content string
	Model   string
}

// Provider abstracts the AI completion backend.
type Provider interface {
	Complete(ctx context.Context, req ProviderRequest) (*ProviderResult, error)
}
