package config

// Default generation settings match the observed operating point of the
// pipeline: 300 questions per propensity, acceptance at score 7, five
// concurrent scoring workers.
const (
	DefaultTargetCount        = 300
	DefaultMinScore           = 7
	DefaultScorerWorkers      = 5
	DefaultCheckpointInterval = 5
	DefaultFewShotLimit       = 32
	DefaultSampleCount        = 3

	// DefaultMaxAttemptsFactor bounds total capability calls relative to the
	// target count when max_attempts is not configured.
	DefaultMaxAttemptsFactor = 10

	// FewShotUnbounded disables the few-shot pool cap. An unset (zero)
	// few_shot_limit takes the default instead.
	FewShotUnbounded = -1
)

// DefaultBaseURL is the OpenAI-compatible endpoint used when none is
// configured.
const DefaultBaseURL = "https://api.openai.com/v1"

// DefaultModelName is the capability model used when none is configured.
const DefaultModelName = "gpt-4o"

func applyDefaults(cfg *Config) {
	if cfg.Generation.TargetCount == 0 {
		cfg.Generation.TargetCount = DefaultTargetCount
	}
	if cfg.Generation.MinScore == 0 {
		cfg.Generation.MinScore = DefaultMinScore
	}
	if cfg.Generation.ScorerWorkers == 0 {
		cfg.Generation.ScorerWorkers = DefaultScorerWorkers
	}
	if cfg.Generation.MaxAttempts == 0 {
		cfg.Generation.MaxAttempts = cfg.Generation.TargetCount * DefaultMaxAttemptsFactor
	}
	if cfg.Generation.CheckpointInterval == 0 {
		cfg.Generation.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.Generation.FewShotLimit == 0 {
		cfg.Generation.FewShotLimit = DefaultFewShotLimit
	}
	if cfg.Generation.SampleCount == 0 {
		cfg.Generation.SampleCount = DefaultSampleCount
	}

	if cfg.Models == nil {
		cfg.Models = make(map[string]ModelConfig)
	}
	if _, ok := cfg.Models[RoleGenerator]; !ok {
		cfg.Models[RoleGenerator] = ModelConfig{}
	}
	if _, ok := cfg.Models[RoleJudge]; !ok {
		cfg.Models[RoleJudge] = ModelConfig{}
	}

	for name, model := range cfg.Models {
		if model.BaseURL == "" {
			model.BaseURL = DefaultBaseURL
		}
		if model.ModelName == "" {
			model.ModelName = DefaultModelName
		}
		if model.Temperature == 0 {
			// Generation wants diversity; judging wants consistency.
			if name == RoleGenerator {
				model.Temperature = 1.0
			} else {
				model.Temperature = 0.2
			}
		}
		if model.TopP == 0 {
			model.TopP = 1.0
		}
		if model.MaxOutputTokens == 0 {
			model.MaxOutputTokens = 4096
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 60
		}
		if model.MaxRetries == 0 {
			model.MaxRetries = 3
		}
		if model.BaseRetrySeconds == 0 {
			model.BaseRetrySeconds = 2
		}
		if model.RequestTimeoutSecs == 0 {
			model.RequestTimeoutSecs = 120
		}
		cfg.Models[name] = model
	}
}
