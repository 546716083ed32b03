package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/propforge/propforge/internal/api"
	"github.com/propforge/propforge/internal/config"
	"github.com/propforge/propforge/internal/propensity"
	"github.com/propforge/propforge/pkg/models"
)

// latencyCapability scores each question with a score derived from its text
// and sleeps a variable amount so completion order differs from input order.
type latencyCapability struct {
	delays map[string]time.Duration
	calls  atomic.Int64
}

func (f *latencyCapability) CompleteStructured(_ context.Context, _ config.ModelConfig, _ string, messages []api.Message, out any, _ bool) (*api.StructuredResult, error) {
	f.calls.Add(1)
	// The question under evaluation is the last user message.
	body := messages[len(messages)-1].Content
	for text, d := range f.delays {
		if strings.Contains(body, text) {
			time.Sleep(d)
			score := len(text) % 10
			if score == 0 {
				score = 10
			}
			payload := fmt.Sprintf(`{"explanation":"scored %s","score":%d}`, text, score)
			if err := json.Unmarshal([]byte(payload), out); err != nil {
				return nil, err
			}
			return &api.StructuredResult{Raw: payload, Attempts: 1}, nil
		}
	}
	return nil, errors.New("unknown question")
}

type staticCapability struct {
	eval     models.Evaluation
	err      error
	degraded bool
	strict   *bool
}

func (f *staticCapability) CompleteStructured(_ context.Context, _ config.ModelConfig, _ string, _ []api.Message, out any, strict bool) (*api.StructuredResult, error) {
	if f.strict != nil {
		*f.strict = strict
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.degraded {
		return &api.StructuredResult{Degraded: true, Rationale: "retries exhausted", Attempts: 3}, nil
	}
	b, _ := json.Marshal(f.eval)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return &api.StructuredResult{Raw: string(b), Attempts: 1}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSpec(t *testing.T) propensity.Spec {
	t.Helper()
	specs, err := propensity.Resolve(propensity.HarmlessOverPower, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return specs[0]
}

func question(text string) models.Question {
	return models.Question{
		Question:                  text,
		Answers:                   models.Answers{A: "Decline the capability.", B: "Seize the capability."},
		AnswerMatchingBehavior:    []string{"A"},
		AnswerNotMatchingBehavior: []string{"B"},
		Category:                  propensity.HarmlessOverPower,
	}
}

func TestScoreAllPreservesOrderUnderVariableLatency(t *testing.T) {
	texts := []string{"alpha", "bravo-question", "ch", "delta-longer-question"}
	fake := &latencyCapability{delays: map[string]time.Duration{
		texts[0]: 40 * time.Millisecond,
		texts[1]: 5 * time.Millisecond,
		texts[2]: 25 * time.Millisecond,
		texts[3]: 1 * time.Millisecond,
	}}
	s := New(fake, config.ModelConfig{}, "key", 4, testLogger(), nil)

	questions := make([]models.Question, len(texts))
	for i, txt := range texts {
		questions[i] = question(txt)
	}

	evals := s.ScoreAll(context.Background(), testSpec(t), questions)
	if len(evals) != len(questions) {
		t.Fatalf("got %d evaluations, want %d", len(evals), len(questions))
	}
	for i, txt := range texts {
		wantScore := len(txt) % 10
		if wantScore == 0 {
			wantScore = 10
		}
		if evals[i].Score != wantScore {
			t.Errorf("evals[%d].Score = %d, want %d (question %q)", i, evals[i].Score, wantScore, txt)
		}
		if !strings.Contains(evals[i].Explanation, txt) {
			t.Errorf("evals[%d] explanation %q does not match question %q", i, evals[i].Explanation, txt)
		}
	}
	if got := fake.calls.Load(); got != int64(len(texts)) {
		t.Errorf("capability called %d times, want %d", got, len(texts))
	}
}

func TestScoreOneFallsBackOnError(t *testing.T) {
	s := New(&staticCapability{err: errors.New("boom")}, config.ModelConfig{}, "key", 1, testLogger(), nil)

	evals := s.ScoreAll(context.Background(), testSpec(t), []models.Question{question("any")})
	if evals[0].Score != models.FallbackScore {
		t.Errorf("score = %d, want fallback %d", evals[0].Score, models.FallbackScore)
	}
	if !strings.Contains(evals[0].Explanation, models.FallbackMarker) {
		t.Errorf("explanation %q missing fallback marker", evals[0].Explanation)
	}
}

func TestScoreOneFallsBackOnDegradedResult(t *testing.T) {
	s := New(&staticCapability{degraded: true}, config.ModelConfig{}, "key", 1, testLogger(), nil)

	evals := s.ScoreAll(context.Background(), testSpec(t), []models.Question{question("any")})
	if evals[0].Score != models.FallbackScore {
		t.Errorf("score = %d, want fallback %d", evals[0].Score, models.FallbackScore)
	}
	if !strings.Contains(evals[0].Explanation, "retries exhausted") {
		t.Errorf("explanation %q should carry the degradation rationale", evals[0].Explanation)
	}
}

func TestScoreOneFallsBackOnOutOfRangeScore(t *testing.T) {
	s := New(&staticCapability{eval: models.Evaluation{Explanation: "too good", Score: 11}}, config.ModelConfig{}, "key", 1, testLogger(), nil)

	evals := s.ScoreAll(context.Background(), testSpec(t), []models.Question{question("any")})
	if evals[0].Score != models.FallbackScore {
		t.Errorf("score = %d, want fallback %d", evals[0].Score, models.FallbackScore)
	}
}

func TestScoreAllIsNonStrict(t *testing.T) {
	var strict bool
	s := New(&staticCapability{eval: models.Evaluation{Explanation: "fine", Score: 8}, strict: &strict}, config.ModelConfig{}, "key", 1, testLogger(), nil)

	s.ScoreAll(context.Background(), testSpec(t), []models.Question{question("any")})
	if strict {
		t.Error("judge calls must run non-strict")
	}
}

func TestScoreAllEmptyInput(t *testing.T) {
	s := New(&staticCapability{}, config.ModelConfig{}, "key", 3, testLogger(), nil)
	if evals := s.ScoreAll(context.Background(), testSpec(t), nil); len(evals) != 0 {
		t.Errorf("expected empty result, got %d", len(evals))
	}
}
