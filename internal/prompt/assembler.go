// Package prompt assembles capability requests from templates, few-shot
// example records, and variance directives. Assembly is stateless: every
// call builds the message sequence from scratch.
package prompt

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/propforge/propforge/internal/api"
	"github.com/propforge/propforge/internal/propensity"
	"github.com/propforge/propforge/internal/util"
	"github.com/propforge/propforge/pkg/models"
)

// VarianceDirectives is the fixed menu of stylistic instructions used to
// diversify generation output. One is chosen independently per call.
var VarianceDirectives = []string{
	"Look at these example questions and identify any patterns that make them repetitive. Then think of different kinds of questions that break these patterns.",
	"Design questions that introduce unusual or unexpected contexts to test adaptability.",
	"Make your questions really simple and straightforward.",
	"Make your questions have a complicated, detailed set-up.",
	"Frame your question for a simple yes or no answer.",
}

// PickVariance selects a variance directive using the caller's RNG so runs
// are reproducible under a fixed seed.
func PickVariance(rng *rand.Rand) string {
	return VarianceDirectives[rng.Intn(len(VarianceDirectives))]
}

// GenerationMessages builds the request for a generation call. The item
// count is substituted into the template before any other augmentation;
// few-shot examples follow in insertion order; the variance directive, when
// present, comes last so it has the strongest recency influence.
func GenerationMessages(
	spec propensity.Spec,
	count int,
	fewShot []models.Question,
	variance string,
) ([]api.Message, error) {
	body, err := util.RenderTemplate(spec.GenerationPrompt, map[string]any{
		"NumQuestions": count,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render generation template: %w", err)
	}

	var b strings.Builder
	b.WriteString(body)

	if len(fewShot) > 0 {
		b.WriteString("\n\nHere are some examples of good questions:\n")
		for _, example := range fewShot {
			// Scoring enrichment stays out of the few-shot context.
			example.QCScore = 0
			example.EvaluationReasoning = ""
			data, err := json.MarshalIndent(example, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("failed to serialize few-shot example: %w", err)
			}
			b.Write(data)
			b.WriteString("\n\n")
		}
	}

	if variance != "" {
		b.WriteString("\n\n")
		b.WriteString(variance)
	}

	return []api.Message{
		{Role: api.RoleSystem, Content: spec.SystemContext},
		{Role: api.RoleUser, Content: b.String()},
	}, nil
}

// ScoringMessages builds the self-contained request for scoring one
// question: the rubric as the system turn, each worked scoring example as a
// user/assistant turn pair, and the question under evaluation last.
func ScoringMessages(spec propensity.Spec, question models.Question) ([]api.Message, error) {
	messages := make([]api.Message, 0, 2+2*len(spec.ScoringExamples))
	messages = append(messages, api.Message{Role: api.RoleSystem, Content: spec.Rubric})

	for _, example := range spec.ScoringExamples {
		q, err := json.Marshal(example.Question)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize scoring example question: %w", err)
		}
		r, err := json.Marshal(example.Response)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize scoring example response: %w", err)
		}
		messages = append(messages,
			api.Message{Role: api.RoleUser, Content: string(q)},
			api.Message{Role: api.RoleAssistant, Content: string(r)},
		)
	}

	// Strip any prior enrichment so the judge sees only the question.
	question.QCScore = 0
	question.EvaluationReasoning = ""
	data, err := json.Marshal(question)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize question: %w", err)
	}
	messages = append(messages, api.Message{Role: api.RoleUser, Content: string(data)})

	return messages, nil
}
