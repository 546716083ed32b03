// Package pipeline runs the generate, score, filter, accumulate loop that
// builds one propensity's dataset.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/propforge/propforge/internal/config"
	"github.com/propforge/propforge/internal/dataset"
	"github.com/propforge/propforge/internal/metrics"
	"github.com/propforge/propforge/internal/prompt"
	"github.com/propforge/propforge/internal/propensity"
	"github.com/propforge/propforge/pkg/models"
)

// batchGenerator produces candidate questions for one propensity.
type batchGenerator interface {
	Generate(ctx context.Context, spec propensity.Spec, count int, fewShot []models.Question, variance string) ([]models.Question, error)
}

// batchScorer evaluates candidates, one evaluation per input in input order.
type batchScorer interface {
	ScoreAll(ctx context.Context, spec propensity.Spec, questions []models.Question) []models.Evaluation
}

// Event kinds reported through Options.OnEvent.
const (
	EventAccepted   = "accepted"
	EventRejected   = "rejected"
	EventCheckpoint = "checkpoint"
)

// Event describes one observable step of the accumulation loop.
type Event struct {
	Kind     string
	Question models.Question
	Score    int
	Count    int    // accepted so far
	Path     string // set for checkpoint events
}

// Options configures a Loop beyond its collaborators.
type Options struct {
	Generation config.GenerationConfig
	Rand       *rand.Rand  // variance-directive source; nil seeds from time
	OnEvent    func(Event) // optional observer, called synchronously
	Progress   bool        // render a terminal progress bar
}

// Loop accumulates accepted questions for one propensity until the target
// count is reached or the attempt budget runs out.
type Loop struct {
	gen       batchGenerator
	scorer    batchScorer
	store     *dataset.Store
	opts      Options
	logger    *slog.Logger
	collector *metrics.Collector
}

// New creates an accumulation loop.
func New(gen batchGenerator, scorer batchScorer, store *dataset.Store, opts Options, logger *slog.Logger, collector *metrics.Collector) *Loop {
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Loop{
		gen:       gen,
		scorer:    scorer,
		store:     store,
		opts:      opts,
		logger:    logger.With("component", "pipeline"),
		collector: collector,
	}
}

// Run executes the loop for spec. If the store already holds a progress
// snapshot for this propensity, the accepted set is seeded from the latest
// one; a fresh session directory starts empty.
//
// Each iteration makes one generation call for a single candidate, scores
// it, accepts it if the score meets the threshold, and snapshots the
// accepted set every checkpoint interval. Accepted questions join the
// few-shot pool for subsequent generation calls. Cancellation is honored
// between iterations; the final dataset file is written only on a completed
// run.
func (l *Loop) Run(ctx context.Context, spec propensity.Spec) (*models.SessionStats, error) {
	cfg := l.opts.Generation
	stats := models.NewSessionStats(spec.Name)

	accepted, resumedFrom, err := l.store.LatestSnapshot(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("resuming %s: %w", spec.Name, err)
	}
	if resumedFrom != "" {
		l.logger.Info("Resuming from snapshot",
			"propensity", spec.Name,
			"path", resumedFrom,
			"accepted", len(accepted))
	}

	var bar *progressbar.ProgressBar
	if l.opts.Progress {
		bar = progressbar.NewOptions(cfg.TargetCount,
			progressbar.OptionSetDescription(fmt.Sprintf("Building %s", spec.Name)),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30))
		bar.Set(len(accepted))
	}

	calls := 0
	for len(accepted) < cfg.TargetCount {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if calls >= cfg.MaxAttempts {
			l.logger.Warn("Attempt budget exhausted",
				"propensity", spec.Name,
				"calls", calls,
				"accepted", len(accepted),
				"target", cfg.TargetCount)
			break
		}
		calls++

		variance := prompt.PickVariance(l.opts.Rand)
		fewShot := fewShotPool(spec.SeedExamples, accepted, cfg.FewShotLimit)

		candidates, err := l.gen.Generate(ctx, spec, 1, fewShot, variance)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			l.logger.Warn("Generation call failed, continuing",
				"propensity", spec.Name,
				"call", calls,
				"error", err)
			l.collector.RecordCandidate(spec.Name, "error")
			continue
		}

		evals := l.scorer.ScoreAll(ctx, spec, candidates)
		for i := range candidates {
			q := candidates[i]
			eval := evals[i]

			stats.Attempted++
			stats.ScoreDistribution[eval.Score]++
			if strings.Contains(eval.Explanation, models.FallbackMarker) {
				stats.Degraded++
			}

			if eval.Score < cfg.MinScore {
				stats.Rejected++
				l.collector.RecordCandidate(spec.Name, "rejected")
				l.logger.Debug("Candidate rejected",
					"propensity", spec.Name,
					"score", eval.Score,
					"threshold", cfg.MinScore,
					"accepted", len(accepted),
					"acceptance_rate", fmt.Sprintf("%.2f", stats.AcceptanceRate()))
				l.emit(Event{Kind: EventRejected, Question: q, Score: eval.Score, Count: len(accepted)})
				continue
			}
			if len(accepted) >= cfg.TargetCount {
				break
			}

			q.QCScore = eval.Score
			q.EvaluationReasoning = eval.Explanation
			accepted = append(accepted, q)
			stats.Accepted++
			l.collector.RecordCandidate(spec.Name, "accepted")
			if bar != nil {
				bar.Add(1)
			}
			l.logger.Debug("Candidate accepted",
				"propensity", spec.Name,
				"score", eval.Score,
				"accepted", len(accepted),
				"target", cfg.TargetCount,
				"acceptance_rate", fmt.Sprintf("%.2f", stats.AcceptanceRate()))
			l.emit(Event{Kind: EventAccepted, Question: q, Score: eval.Score, Count: len(accepted)})

			if len(accepted)%cfg.CheckpointInterval == 0 {
				if err := l.checkpoint(spec.Name, accepted); err != nil {
					return stats, err
				}
			}
		}
	}

	if bar != nil {
		bar.Finish()
	}

	// Persist a final snapshot of whatever was gathered, then the final
	// dataset only if the target was reached.
	if len(accepted) > 0 && len(accepted)%cfg.CheckpointInterval != 0 {
		if err := l.checkpoint(spec.Name, accepted); err != nil {
			return stats, err
		}
	}
	if len(accepted) >= cfg.TargetCount {
		if err := l.store.WriteFinal(spec.Name, accepted); err != nil {
			return stats, fmt.Errorf("writing final dataset: %w", err)
		}
		l.logger.Info("Final dataset written",
			"propensity", spec.Name,
			"path", l.store.FinalPath(spec.Name),
			"count", len(accepted))
	}

	stats.EndTime = time.Now()
	stats.TotalDuration = stats.EndTime.Sub(stats.StartTime)
	l.logger.Info("Build finished",
		"propensity", spec.Name,
		"accepted", stats.Accepted,
		"rejected", stats.Rejected,
		"degraded", stats.Degraded,
		"acceptance_rate", fmt.Sprintf("%.2f", stats.AcceptanceRate()),
		"generation_calls", calls,
		"duration", stats.TotalDuration.Round(time.Second))

	return stats, nil
}

func (l *Loop) checkpoint(name string, accepted []models.Question) error {
	if err := l.store.WriteSnapshot(name, accepted); err != nil {
		return fmt.Errorf("writing checkpoint at %d: %w", len(accepted), err)
	}
	path := l.store.SnapshotPath(name, len(accepted))
	l.collector.RecordCheckpoint(name)
	l.logger.Debug("Checkpoint written", "propensity", name, "path", path)
	l.emit(Event{Kind: EventCheckpoint, Count: len(accepted), Path: path})
	return nil
}

func (l *Loop) emit(e Event) {
	if l.opts.OnEvent != nil {
		l.opts.OnEvent(e)
	}
}

// fewShotPool assembles the examples shown to the generator: the seed
// questions followed by the most recent acceptances, capped at limit recent
// entries. A non-positive limit leaves the pool unbounded.
func fewShotPool(seed, accepted []models.Question, limit int) []models.Question {
	recent := accepted
	if limit > 0 && len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}
	pool := make([]models.Question, 0, len(seed)+len(recent))
	pool = append(pool, seed...)
	pool = append(pool, recent...)
	return pool
}
