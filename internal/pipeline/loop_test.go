package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"testing"

	"github.com/propforge/propforge/internal/config"
	"github.com/propforge/propforge/internal/dataset"
	"github.com/propforge/propforge/internal/propensity"
	"github.com/propforge/propforge/pkg/models"
)

type scriptedGenerator struct {
	batches      [][]models.Question
	err          error
	call         int
	fewShotSizes []int
}

func (g *scriptedGenerator) Generate(_ context.Context, _ propensity.Spec, count int, fewShot []models.Question, _ string) ([]models.Question, error) {
	g.fewShotSizes = append(g.fewShotSizes, len(fewShot))
	if g.err != nil {
		return nil, g.err
	}
	if g.call >= len(g.batches) {
		return nil, errors.New("script exhausted")
	}
	batch := g.batches[g.call]
	g.call++
	if len(batch) > count {
		batch = batch[:count]
	}
	return batch, nil
}

// scoreByText scores each question by a text-keyed table, defaulting to 1.
type scoreByText struct {
	scores map[string]int
}

func (s *scoreByText) ScoreAll(_ context.Context, _ propensity.Spec, questions []models.Question) []models.Evaluation {
	evals := make([]models.Evaluation, len(questions))
	for i, q := range questions {
		score, ok := s.scores[q.Question]
		if !ok {
			score = 1
		}
		evals[i] = models.Evaluation{Explanation: "scored " + q.Question, Score: score}
	}
	return evals
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSpec(t *testing.T) propensity.Spec {
	t.Helper()
	specs, err := propensity.Resolve(propensity.LawOverPower, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return specs[0]
}

func question(text string) models.Question {
	return models.Question{
		Question:                  text,
		Answers:                   models.Answers{A: "Comply", B: "Defect"},
		AnswerMatchingBehavior:    []string{"A"},
		AnswerNotMatchingBehavior: []string{"B"},
		Category:                  propensity.LawOverPower,
	}
}

func genCfg(target, minScore int) config.GenerationConfig {
	return config.GenerationConfig{
		TargetCount:        target,
		MinScore:           minScore,
		MaxAttempts:        target * 10,
		ScorerWorkers:      2,
		CheckpointInterval: 5,
		FewShotLimit:       32,
		SampleCount:        3,
	}
}

func newLoop(gen batchGenerator, scorer batchScorer, store *dataset.Store, cfg config.GenerationConfig, onEvent func(Event)) *Loop {
	return New(gen, scorer, store, Options{
		Generation: cfg,
		Rand:       rand.New(rand.NewSource(1)),
		OnEvent:    onEvent,
	}, testLogger(), nil)
}

func TestRunAcceptsOnlyAboveThreshold(t *testing.T) {
	gen := &scriptedGenerator{batches: [][]models.Question{
		{question("first")}, {question("second")}, {question("third")}, {question("fourth")},
	}}
	scorer := &scoreByText{scores: map[string]int{
		"first": 3, "second": 8, "third": 6, "fourth": 9,
	}}
	store := dataset.NewStore(t.TempDir())

	loop := newLoop(gen, scorer, store, genCfg(2, 7), nil)
	stats, err := loop.Run(context.Background(), testSpec(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := dataset.Load(store.FinalPath(propensity.LawOverPower))
	if err != nil {
		t.Fatalf("loading final dataset: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("accepted %d questions, want 2", len(got))
	}
	if got[0].Question != "second" || got[1].Question != "fourth" {
		t.Errorf("accepted %q and %q, want second and fourth", got[0].Question, got[1].Question)
	}
	if got[0].QCScore != 8 || got[1].QCScore != 9 {
		t.Errorf("stamped scores %d and %d, want 8 and 9", got[0].QCScore, got[1].QCScore)
	}
	if got[0].EvaluationReasoning == "" {
		t.Error("accepted question missing evaluation reasoning")
	}
	if stats.Accepted != 2 || stats.Rejected != 2 {
		t.Errorf("stats accepted=%d rejected=%d, want 2 and 2", stats.Accepted, stats.Rejected)
	}
}

func TestRunCheckpointsAtInterval(t *testing.T) {
	var batches [][]models.Question
	scores := map[string]int{}
	for i := 0; i < 6; i++ {
		text := fmt.Sprintf("q%d", i)
		batches = append(batches, []models.Question{question(text)})
		scores[text] = 9
	}
	gen := &scriptedGenerator{batches: batches}
	store := dataset.NewStore(t.TempDir())

	cfg := genCfg(6, 7)
	cfg.CheckpointInterval = 2

	var checkpoints []int
	loop := newLoop(gen, &scoreByText{scores: scores}, store, cfg, func(e Event) {
		if e.Kind == EventCheckpoint {
			checkpoints = append(checkpoints, e.Count)
		}
	})
	if _, err := loop.Run(context.Background(), testSpec(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []int{2, 4, 6}
	if len(checkpoints) != len(want) {
		t.Fatalf("checkpoints at %v, want %v", checkpoints, want)
	}
	for i, n := range want {
		if checkpoints[i] != n {
			t.Errorf("checkpoint %d at count %d, want %d", i, checkpoints[i], n)
		}
		if _, err := os.Stat(store.SnapshotPath(propensity.LawOverPower, n)); err != nil {
			t.Errorf("snapshot file for count %d missing: %v", n, err)
		}
	}
}

func TestRunGrowsFewShotPool(t *testing.T) {
	var batches [][]models.Question
	scores := map[string]int{}
	for i := 0; i < 3; i++ {
		text := fmt.Sprintf("q%d", i)
		batches = append(batches, []models.Question{question(text)})
		scores[text] = 10
	}
	gen := &scriptedGenerator{batches: batches}
	store := dataset.NewStore(t.TempDir())

	loop := newLoop(gen, &scoreByText{scores: scores}, store, genCfg(3, 7), nil)
	if _, err := loop.Run(context.Background(), testSpec(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seed := len(testSpec(t).SeedExamples)
	want := []int{seed, seed + 1, seed + 2}
	if len(gen.fewShotSizes) != len(want) {
		t.Fatalf("few-shot sizes %v, want %v", gen.fewShotSizes, want)
	}
	for i := range want {
		if gen.fewShotSizes[i] != want[i] {
			t.Errorf("call %d few-shot size %d, want %d", i, gen.fewShotSizes[i], want[i])
		}
	}
}

func TestRunStopsAtAttemptBudget(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("provider down")}
	store := dataset.NewStore(t.TempDir())

	cfg := genCfg(5, 7)
	cfg.MaxAttempts = 7

	loop := newLoop(gen, &scoreByText{}, store, cfg, nil)
	stats, err := loop.Run(context.Background(), testSpec(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(gen.fewShotSizes) != 7 {
		t.Errorf("made %d generation calls, want 7", len(gen.fewShotSizes))
	}
	if stats.Accepted != 0 {
		t.Errorf("accepted %d, want 0", stats.Accepted)
	}
	if _, statErr := os.Stat(store.FinalPath(propensity.LawOverPower)); !os.IsNotExist(statErr) {
		t.Error("final dataset should not exist for an incomplete run")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &scriptedGenerator{batches: [][]models.Question{{question("q")}}}
	store := dataset.NewStore(t.TempDir())

	loop := newLoop(gen, &scoreByText{}, store, genCfg(1, 7), nil)
	if _, err := loop.Run(ctx, testSpec(t)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if len(gen.fewShotSizes) != 0 {
		t.Error("no generation call should run after cancellation")
	}
}

func TestRunResumesFromSnapshot(t *testing.T) {
	store := dataset.NewStore(t.TempDir())

	prior := []models.Question{question("resumed-a"), question("resumed-b")}
	for i := range prior {
		prior[i].QCScore = 8
	}
	if err := store.WriteSnapshot(propensity.LawOverPower, prior); err != nil {
		t.Fatal(err)
	}

	gen := &scriptedGenerator{batches: [][]models.Question{{question("fresh")}}}
	loop := newLoop(gen, &scoreByText{scores: map[string]int{"fresh": 9}}, store, genCfg(3, 7), nil)

	stats, err := loop.Run(context.Background(), testSpec(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Accepted != 1 {
		t.Errorf("accepted %d new questions, want 1", stats.Accepted)
	}

	got, err := dataset.Load(store.FinalPath(propensity.LawOverPower))
	if err != nil {
		t.Fatalf("loading final dataset: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("final dataset has %d questions, want 3", len(got))
	}
	if got[0].Question != "resumed-a" || got[2].Question != "fresh" {
		t.Errorf("unexpected order: %q ... %q", got[0].Question, got[2].Question)
	}
}

func TestFewShotPoolCap(t *testing.T) {
	seed := []models.Question{question("seed")}
	accepted := make([]models.Question, 10)
	for i := range accepted {
		accepted[i] = question(fmt.Sprintf("a%d", i))
	}

	pool := fewShotPool(seed, accepted, 3)
	if len(pool) != 4 {
		t.Fatalf("pool size %d, want 4 (seed + 3 recent)", len(pool))
	}
	if pool[0].Question != "seed" {
		t.Errorf("pool[0] = %q, want seed first", pool[0].Question)
	}
	if pool[1].Question != "a7" || pool[3].Question != "a9" {
		t.Errorf("pool should keep the most recent acceptances, got %q..%q", pool[1].Question, pool[3].Question)
	}

	unbounded := fewShotPool(seed, accepted, config.FewShotUnbounded)
	if len(unbounded) != 11 {
		t.Errorf("unbounded pool size %d, want 11", len(unbounded))
	}
}
