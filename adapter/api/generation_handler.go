package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/letterahq/lettera/internal/generation/application/services"
	gendomain "github.com/letterahq/lettera/internal/generation/domain"
	subsdomain "github.com/letterahq/lettera/internal/subscriptions/domain"
)

// GenerationService runs the metered generation flow. Satisfied by
// services.Generator.
type GenerationService interface {
	Generate(ctx context.Context, cmd services.GenerateCommand) (*services.GenerateResult, error)
}

// GenerationHandler handles document generation API requests.
type GenerationHandler struct {
	generator GenerationService
	logger    *slog.Logger
}

// NewGenerationHandler creates a new GenerationHandler.
func NewGenerationHandler(generator GenerationService, logger *slog.Logger) *GenerationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationHandler{generator: generator, logger: logger}
}

type generateRequest struct {
	Kind     string `json:"kind"`
	Prompt   string `json:"prompt"`
	Language string `json:"language"`
}

type usagePayload struct {
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

type generateResponse struct {
	Content string       `json:"content"`
	Model   string       `json:"model"`
	Usage   usagePayload `json:"usage"`
}

// Generate handles POST /api/v1/generations
func (h *GenerationHandler) Generate(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.generator.Generate(r.Context(), services.GenerateCommand{
		UserID:   userID,
		Kind:     gendomain.DocumentKind(req.Kind),
		Prompt:   req.Prompt,
		Language: req.Language,
	})
	if err != nil {
		// A denied generation still reports the quota snapshot so the client
		// can show the reset time.
		if errors.Is(err, subsdomain.ErrQuotaExceeded) && result != nil {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":   http.StatusText(http.StatusForbidden),
				"message": err.Error(),
				"usage": usagePayload{
					Used:    result.Usage.Used,
					Limit:   result.Usage.Limit,
					ResetAt: result.Usage.ResetAt,
				},
			})
			return
		}
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, generateResponse{
		Content: result.Content,
		Model:   result.Model,
		Usage: usagePayload{
			Used:    result.Usage.Used,
			Limit:   result.Usage.Limit,
			ResetAt: result.Usage.ResetAt,
		},
	})
}
