package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/propforge/propforge/pkg/models"
)

// Config represents the complete application configuration.
type Config struct {
	Generation   GenerationConfig            `toml:"generation"`
	Models       map[string]ModelConfig      `toml:"models"`
	Propensities map[string]PropensityConfig `toml:"propensities"`
}

// GenerationConfig holds the accumulation-loop settings.
type GenerationConfig struct {
	TargetCount        int  `toml:"target_count"`        // Questions to accept per propensity (default 300)
	MinScore           int  `toml:"min_score"`           // Acceptance threshold, inclusive (default 7)
	MaxAttempts        int  `toml:"max_attempts"`        // Bound on generation calls per propensity (default 10x target)
	ScorerWorkers      int  `toml:"scorer_workers"`      // Bounded parallelism for scoring (default 5)
	CheckpointInterval int  `toml:"checkpoint_interval"` // Snapshot the output set every N acceptances (default 5)
	FewShotLimit       int  `toml:"few_shot_limit"`      // Recent acceptances kept as few-shot context (-1 = unbounded, default 32)
	SampleCount        int  `toml:"sample_count"`        // Questions per `sample` invocation (default 3)
}

// PropensityConfig overrides pieces of a built-in propensity spec, or
// defines a new propensity entirely.
type PropensityConfig struct {
	SystemContext    string `toml:"system_context"`
	GenerationPrompt string `toml:"generation_prompt"`
	Rubric           string `toml:"rubric"`
}

// ModelConfig represents configuration for a single model endpoint.
type ModelConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxRetries         int     `toml:"max_retries"`            // Attempts per capability call (default 3)
	BaseRetrySeconds   int     `toml:"base_retry_seconds"`     // Base backoff delay (default 2)
	RequestTimeoutSecs int     `toml:"request_timeout_seconds"` // Per-call timeout (default 120)
}

// Model roles the pipeline expects in [models].
const (
	RoleGenerator = "generator"
	RoleJudge     = "judge"
)

const (
	// MaxScorerWorkers bounds the scoring worker pool.
	MaxScorerWorkers = 64
	// MaxTargetCount bounds the dataset size per propensity.
	MaxTargetCount = 100000
)

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Generation.TargetCount < 1 {
		return fmt.Errorf("generation.target_count must be at least 1")
	}
	if c.Generation.TargetCount > MaxTargetCount {
		return fmt.Errorf("generation.target_count must not exceed %d (got %d)", MaxTargetCount, c.Generation.TargetCount)
	}
	if c.Generation.MinScore < models.MinScore || c.Generation.MinScore > models.MaxScore {
		return fmt.Errorf("generation.min_score must be between %d and %d (got %d)", models.MinScore, models.MaxScore, c.Generation.MinScore)
	}
	if c.Generation.ScorerWorkers < 1 {
		return fmt.Errorf("generation.scorer_workers must be at least 1")
	}
	if c.Generation.ScorerWorkers > MaxScorerWorkers {
		return fmt.Errorf("generation.scorer_workers must not exceed %d (got %d)", MaxScorerWorkers, c.Generation.ScorerWorkers)
	}
	if c.Generation.MaxAttempts < c.Generation.TargetCount {
		return fmt.Errorf("generation.max_attempts (%d) must be at least target_count (%d)", c.Generation.MaxAttempts, c.Generation.TargetCount)
	}
	if c.Generation.CheckpointInterval < 1 {
		return fmt.Errorf("generation.checkpoint_interval must be at least 1")
	}
	if c.Generation.FewShotLimit < FewShotUnbounded {
		return fmt.Errorf("generation.few_shot_limit must be positive, or %d for an unbounded pool", FewShotUnbounded)
	}

	for _, role := range []string{RoleGenerator, RoleJudge} {
		mc, ok := c.Models[role]
		if !ok {
			return fmt.Errorf("models.%s is required", role)
		}
		if err := validateModelConfig(role, mc); err != nil {
			return err
		}
	}

	return nil
}

func validateModelConfig(name string, mc ModelConfig) error {
	if mc.BaseURL == "" {
		return fmt.Errorf("models.%s.base_url is required", name)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("models.%s.model_name is required", name)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("models.%s.temperature must be between 0 and 2", name)
	}
	if mc.TopP < 0 || mc.TopP > 1 {
		return fmt.Errorf("models.%s.top_p must be between 0 and 1", name)
	}
	if mc.MaxOutputTokens < 1 {
		return fmt.Errorf("models.%s.max_output_tokens must be at least 1", name)
	}
	if mc.RateLimitPerMinute < 1 {
		return fmt.Errorf("models.%s.rate_limit_per_minute must be at least 1", name)
	}
	if mc.MaxRetries < 1 {
		return fmt.Errorf("models.%s.max_retries must be at least 1", name)
	}
	return nil
}

// Secrets holds sensitive credentials loaded from environment variables.
type Secrets struct {
	APIKeys map[string]string
}

// LoadSecrets loads capability credentials from environment variables.
func LoadSecrets() *Secrets {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// Generic key, provider-agnostic
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	// Provider-specific keys override the generic one
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		secrets.APIKeys["anthropic"] = key
	}
	if key := os.Getenv("TOGETHER_API_KEY"); key != "" {
		secrets.APIKeys["together"] = key
	}

	return secrets
}

// GetAPIKey returns the API key for a given base URL.
func (s *Secrets) GetAPIKey(baseURL string) string {
	if strings.Contains(baseURL, "openai.com") {
		if key := s.APIKeys["openai"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "anthropic.com") {
		if key := s.APIKeys["anthropic"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "together.xyz") || strings.Contains(baseURL, "together.ai") {
		if key := s.APIKeys["together"]; key != "" {
			return key
		}
	}

	// Fall back to the generic API_KEY for any OpenAI-compatible provider
	return s.APIKeys["generic"]
}

// Require verifies that a credential exists for every remote endpoint the
// run will call. Local endpoints (no auth expected) are exempt. Missing
// credentials are a fatal configuration error, reported before any network
// call is attempted.
func (s *Secrets) Require(baseURLs ...string) error {
	for _, url := range baseURLs {
		if isLocalEndpoint(url) {
			continue
		}
		if s.GetAPIKey(url) == "" {
			return fmt.Errorf("no API key found for endpoint %s: set API_KEY or a provider-specific key (e.g. OPENAI_API_KEY)", url)
		}
	}
	return nil
}

func isLocalEndpoint(baseURL string) bool {
	return strings.Contains(baseURL, "localhost") || strings.Contains(baseURL, "127.0.0.1")
}
