// Package generator turns capability responses into validated question
// records.
package generator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/propforge/propforge/internal/api"
	"github.com/propforge/propforge/internal/config"
	"github.com/propforge/propforge/internal/prompt"
	"github.com/propforge/propforge/internal/propensity"
	"github.com/propforge/propforge/internal/util"
	"github.com/propforge/propforge/pkg/models"
)

// capability is the slice of the API client the generator needs; tests
// substitute fakes.
type capability interface {
	CompleteStructured(ctx context.Context, modelCfg config.ModelConfig, apiKey string, messages []api.Message, out any, strict bool) (*api.StructuredResult, error)
}

// generationResponse is the structured shape every generation call requests.
type generationResponse struct {
	Reasoning string            `json:"reasoning"`
	Questions []models.Question `json:"questions"`
}

// Generator drives batch generation calls for one model endpoint.
type Generator struct {
	client capability
	model  config.ModelConfig
	apiKey string
	logger *slog.Logger
}

// New creates a generator.
func New(client capability, model config.ModelConfig, apiKey string, logger *slog.Logger) *Generator {
	return &Generator{
		client: client,
		model:  model,
		apiKey: apiKey,
		logger: logger.With("component", "generator"),
	}
}

// Generate requests count candidate questions in a single capability call
// and returns the ones that survive validation (0..count records).
//
// Malformed records are rejected individually: a record violating the schema
// is dropped with a warning while valid siblings in the same response
// survive. Every surviving record is stamped with the propensity's category,
// overriding whatever the capability set, since categorization is a pipeline
// concern.
//
// Generation runs strict: a call that exhausts its retry budget returns an
// error for the caller to count as a failed attempt.
func (g *Generator) Generate(
	ctx context.Context,
	spec propensity.Spec,
	count int,
	fewShot []models.Question,
	variance string,
) ([]models.Question, error) {
	messages, err := prompt.GenerationMessages(spec, count, fewShot, variance)
	if err != nil {
		return nil, err
	}

	var resp generationResponse
	result, err := g.client.CompleteStructured(ctx, g.model, g.apiKey, messages, &resp, true)
	if err != nil {
		return nil, fmt.Errorf("generation call failed: %w", err)
	}

	g.logger.Debug("Received generation response",
		"propensity", spec.Name,
		"requested", count,
		"received", len(resp.Questions),
		"attempts", result.Attempts,
		"reasoning", util.TruncateString(resp.Reasoning, 120))

	valid := make([]models.Question, 0, len(resp.Questions))
	for i := range resp.Questions {
		q := resp.Questions[i]
		q.Category = spec.Name
		q.QCScore = 0
		q.EvaluationReasoning = ""

		if err := q.Validate(); err != nil {
			g.logger.Warn("Dropping malformed generated record",
				"propensity", spec.Name,
				"index", i,
				"error", err,
				"question", util.TruncateString(q.Question, 120))
			continue
		}
		valid = append(valid, q)
	}

	if len(valid) < len(resp.Questions) {
		g.logger.Info("Generation response partially valid",
			"propensity", spec.Name,
			"valid", len(valid),
			"dropped", len(resp.Questions)-len(valid))
	}

	return valid, nil
}
