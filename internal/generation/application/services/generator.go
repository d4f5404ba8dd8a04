// Package services orchestrates metered AI letter generation. It owns the
// quota-consumer contract: check the allowance, do the work, then commit the
// allowance atomically. Prompt construction and response parsing belong to
// the delivery layer and stay out of this package.
package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/generation/domain"
	subsdomain "github.com/letterahq/lettera/internal/subscriptions/domain"
)

// Quota is the slice of the usage tracker the generator consumes.
type Quota interface {
	CheckLimit(ctx context.Context, userID uuid.UUID, feature subsdomain.Feature) (subsdomain.Usage, error)
	Increment(ctx context.Context, userID uuid.UUID, feature subsdomain.Feature) (subsdomain.Usage, error)
}

// Provider produces a document draft from a prompt.
type Provider interface {
	Complete(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResult, error)
}

// GenerateCommand contains the data needed to generate one document draft.
type GenerateCommand struct {
	UserID   uuid.UUID
	Kind     domain.DocumentKind
	Prompt   string
	Language string
}

// GenerateResult carries the draft and the quota snapshot after the
// generation was committed.
type GenerateResult struct {
	Content string
	Model   string
	Usage   subsdomain.Usage
}

// Generator runs the metered generation flow: quota check, provider call,
// quota commit. The commit is the authoritative guard; the upfront check only
// spares the provider a call that would be thrown away.
type Generator struct {
	quota    Quota
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGenerator creates a new Generator.
func NewGenerator(quota Quota, provider Provider, timeout time.Duration, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		quota:    quota,
		provider: provider,
		timeout:  timeout,
		logger:   logger,
	}
}

// Generate executes the GenerateCommand. A quota denial is returned as
// subscriptions' ErrQuotaExceeded with the usage snapshot so the caller can
// render the "upgrade required" message.
func (g *Generator) Generate(ctx context.Context, cmd GenerateCommand) (*GenerateResult, error) {
	if !cmd.Kind.IsValid() {
		return nil, domain.ErrInvalidKind
	}
	if strings.TrimSpace(cmd.Prompt) == "" {
		return nil, domain.ErrEmptyPrompt
	}

	usage, err := g.quota.CheckLimit(ctx, cmd.UserID, subsdomain.FeatureAIGeneration)
	if err != nil {
		return nil, err
	}
	if !usage.Allowed {
		return &GenerateResult{Usage: usage}, subsdomain.ErrQuotaExceeded
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	draft, err := g.provider.Complete(callCtx, domain.ProviderRequest{
		Kind:     cmd.Kind,
		Prompt:   cmd.Prompt,
		Language: cmd.Language,
	})
	if err != nil {
		return nil, err
	}

	usage, err = g.quota.Increment(ctx, cmd.UserID, subsdomain.FeatureAIGeneration)
	if err != nil {
		// Lost the race between check and commit: the draft is discarded so
		// the counter never moves past the limit.
		if errors.Is(err, subsdomain.ErrQuotaExceeded) {
			g.logger.Info("generation discarded after losing quota race",
				"user_id", cmd.UserID,
				"used", usage.Used,
				"limit", usage.Limit,
			)
			return &GenerateResult{Usage: usage}, subsdomain.ErrQuotaExceeded
		}
		return nil, err
	}

	return &GenerateResult{
		Content: draft.Content,
		Model:   draft.Model,
		Usage:   usage,
	}, nil
}
