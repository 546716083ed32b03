// Package scorer evaluates candidate questions against a propensity rubric
// using a judge model.
package scorer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/propforge/propforge/internal/api"
	"github.com/propforge/propforge/internal/config"
	"github.com/propforge/propforge/internal/metrics"
	"github.com/propforge/propforge/internal/prompt"
	"github.com/propforge/propforge/internal/propensity"
	"github.com/propforge/propforge/internal/util"
	"github.com/propforge/propforge/pkg/models"
)

type capability interface {
	CompleteStructured(ctx context.Context, modelCfg config.ModelConfig, apiKey string, messages []api.Message, out any, strict bool) (*api.StructuredResult, error)
}

// Scorer runs judge calls across a bounded worker pool.
type Scorer struct {
	client    capability
	model     config.ModelConfig
	apiKey    string
	workers   int
	logger    *slog.Logger
	collector *metrics.Collector
}

// New creates a scorer. workers bounds concurrent judge calls; values below
// one are clamped to one.
func New(client capability, model config.ModelConfig, apiKey string, workers int, logger *slog.Logger, collector *metrics.Collector) *Scorer {
	if workers < 1 {
		workers = 1
	}
	return &Scorer{
		client:    client,
		model:     model,
		apiKey:    apiKey,
		workers:   workers,
		logger:    logger.With("component", "scorer"),
		collector: collector,
	}
}

// ScoreAll evaluates every question concurrently and returns evaluations in
// the same order as the input, regardless of per-call latency. The returned
// slice always has len(questions) entries.
//
// Scoring never aborts the batch: a judge call that fails, degrades, or
// returns an out-of-range score yields the fallback evaluation for that
// entry.
func (s *Scorer) ScoreAll(ctx context.Context, spec propensity.Spec, questions []models.Question) []models.Evaluation {
	evals := make([]models.Evaluation, len(questions))
	if len(questions) == 0 {
		return evals
	}

	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				evals[i] = s.scoreOne(ctx, spec, questions[i])
			}
		}()
	}

	for i := range questions {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return evals
}

func (s *Scorer) scoreOne(ctx context.Context, spec propensity.Spec, question models.Question) models.Evaluation {
	messages, err := prompt.ScoringMessages(spec, question)
	if err != nil {
		return s.fallback(spec.Name, question, fmt.Sprintf("could not assemble scoring prompt: %v", err))
	}

	var eval models.Evaluation
	result, err := s.client.CompleteStructured(ctx, s.model, s.apiKey, messages, &eval, false)
	if err != nil {
		return s.fallback(spec.Name, question, fmt.Sprintf("judge call failed: %v", err))
	}
	if result.Degraded {
		return s.fallback(spec.Name, question, result.Rationale)
	}
	if !eval.InRange() {
		return s.fallback(spec.Name, question, fmt.Sprintf("judge returned out-of-range score %d", eval.Score))
	}

	return eval
}

func (s *Scorer) fallback(propensityName string, question models.Question, reason string) models.Evaluation {
	s.logger.Warn("Falling back to neutral score",
		"propensity", propensityName,
		"reason", reason,
		"question", util.TruncateString(question.Question, 120))
	s.collector.RecordScorerFallback(propensityName)
	return models.FallbackEvaluation(reason)
}
