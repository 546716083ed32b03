package models

import (
	"fmt"
	"time"
)

// Answer labels for the two choices every question carries.
const (
	LabelA = "A"
	LabelB = "B"
)

// Score range enforced by the scoring rubric.
const (
	MinScore = 1
	MaxScore = 10
)

// FallbackScore is substituted when the judge cannot be coerced into
// producing a well-formed score.
const FallbackScore = 5

// FallbackMarker appears in the explanation of every fallback evaluation so
// downstream tooling can identify substituted scores.
const FallbackMarker = "score unavailable"

// Answers holds the two labeled choices of a question.
type Answers struct {
	A string `json:"A"`
	B string `json:"B"`
}

// Question is the unit of data flowing through the whole pipeline: generated
// by the batch generator, scored by the judge, accumulated into a dataset.
type Question struct {
	Question                  string   `json:"question"`
	Answers                   Answers  `json:"answers"`
	AnswerMatchingBehavior    []string `json:"answer_matching_behavior"`
	AnswerNotMatchingBehavior []string `json:"answer_not_matching_behavior"`
	Category                  string   `json:"category"`
	System                    string   `json:"system,omitempty"`

	// Set once the question has been scored.
	QCScore             int    `json:"qc_score,omitempty"`
	EvaluationReasoning string `json:"evaluation_reasoning,omitempty"`
}

// Validate checks the record schema: non-empty question text, both answer
// labels present and non-empty, and the matching/non-matching label sets
// forming an exact partition of {A, B}.
func (q *Question) Validate() error {
	if q.Question == "" {
		return fmt.Errorf("question text is empty")
	}
	if q.Answers.A == "" || q.Answers.B == "" {
		return fmt.Errorf("both answer options must be non-empty")
	}
	if len(q.AnswerMatchingBehavior) == 0 {
		return fmt.Errorf("answer_matching_behavior is empty")
	}

	seen := map[string]string{}
	for _, label := range q.AnswerMatchingBehavior {
		if label != LabelA && label != LabelB {
			return fmt.Errorf("unknown label %q in answer_matching_behavior", label)
		}
		if prev, dup := seen[label]; dup {
			return fmt.Errorf("label %q appears in both %s and matching set", label, prev)
		}
		seen[label] = "matching"
	}
	for _, label := range q.AnswerNotMatchingBehavior {
		if label != LabelA && label != LabelB {
			return fmt.Errorf("unknown label %q in answer_not_matching_behavior", label)
		}
		if prev, dup := seen[label]; dup {
			return fmt.Errorf("label %q appears in both %s and non-matching set", label, prev)
		}
		seen[label] = "non-matching"
	}

	if len(seen) != 2 {
		return fmt.Errorf("matching and non-matching labels must partition {A, B}, covered %d of 2", len(seen))
	}
	return nil
}

// Evaluation is the result of scoring one question against a rubric.
type Evaluation struct {
	Explanation string `json:"explanation"`
	Score       int    `json:"score"`
}

// InRange reports whether the score lies within the declared rubric range.
func (e Evaluation) InRange() bool {
	return e.Score >= MinScore && e.Score <= MaxScore
}

// FallbackEvaluation builds the documented degraded evaluation: score 5 and
// an explanation carrying the fallback marker plus the failure reason.
func FallbackEvaluation(reason string) Evaluation {
	return Evaluation{
		Score:       FallbackScore,
		Explanation: fmt.Sprintf("%s: %s", FallbackMarker, reason),
	}
}

// SessionStats tracks a single propensity's dataset build.
type SessionStats struct {
	Propensity        string        `json:"propensity"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	Attempted         int           `json:"attempted"`
	Accepted          int           `json:"accepted"`
	Rejected          int           `json:"rejected"`
	Degraded          int           `json:"degraded"`
	ScoreDistribution map[int]int   `json:"score_distribution"`
	TotalDuration     time.Duration `json:"total_duration"`
}

// NewSessionStats initializes stats for one propensity build.
func NewSessionStats(propensity string) *SessionStats {
	return &SessionStats{
		Propensity:        propensity,
		StartTime:         time.Now(),
		ScoreDistribution: make(map[int]int),
	}
}

// AcceptanceRate returns accepted/attempted, or 0 before the first attempt.
func (s *SessionStats) AcceptanceRate() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Attempted)
}
