package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, secrets, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if secrets == nil {
		t.Fatal("secrets should always be returned")
	}
	if cfg.Generation.TargetCount != DefaultTargetCount {
		t.Errorf("TargetCount = %d, want %d", cfg.Generation.TargetCount, DefaultTargetCount)
	}
	if cfg.Generation.MinScore != DefaultMinScore {
		t.Errorf("MinScore = %d, want %d", cfg.Generation.MinScore, DefaultMinScore)
	}
	if cfg.Generation.MaxAttempts != DefaultTargetCount*DefaultMaxAttemptsFactor {
		t.Errorf("MaxAttempts = %d, want %d", cfg.Generation.MaxAttempts, DefaultTargetCount*DefaultMaxAttemptsFactor)
	}

	gen, ok := cfg.Models[RoleGenerator]
	if !ok {
		t.Fatal("generator model missing")
	}
	judge, ok := cfg.Models[RoleJudge]
	if !ok {
		t.Fatal("judge model missing")
	}
	if gen.Temperature != 1.0 {
		t.Errorf("generator temperature = %v, want 1.0", gen.Temperature)
	}
	if judge.Temperature != 0.2 {
		t.Errorf("judge temperature = %v, want 0.2", judge.Temperature)
	}
	if gen.BaseURL != DefaultBaseURL {
		t.Errorf("generator base_url = %q", gen.BaseURL)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[generation]
target_count = 50
min_score = 8

[models.generator]
base_url = "http://localhost:8080/v1"
model_name = "local-model"
temperature = 0.9

[models.judge]
model_name = "judge-model"

[propensities.courtesy_over_power]
system_context = "You are generating questions about courtesy."
generation_prompt = "Write {{.NumQuestions}} questions."
rubric = "Score 1-10."
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Generation.TargetCount != 50 || cfg.Generation.MinScore != 8 {
		t.Errorf("generation = %+v", cfg.Generation)
	}
	// Unset fields still get defaults.
	if cfg.Generation.ScorerWorkers != DefaultScorerWorkers {
		t.Errorf("ScorerWorkers = %d, want default %d", cfg.Generation.ScorerWorkers, DefaultScorerWorkers)
	}
	gen := cfg.Models[RoleGenerator]
	if gen.BaseURL != "http://localhost:8080/v1" || gen.ModelName != "local-model" || gen.Temperature != 0.9 {
		t.Errorf("generator = %+v", gen)
	}
	if cfg.Models[RoleJudge].BaseURL != DefaultBaseURL {
		t.Errorf("judge base_url = %q, want default", cfg.Models[RoleJudge].BaseURL)
	}
	if _, ok := cfg.Propensities["courtesy_over_power"]; !ok {
		t.Error("custom propensity not loaded")
	}
}

func TestFewShotLimitContract(t *testing.T) {
	writeConfig := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "config.toml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	// Absent key takes the default cap.
	cfg, _, err := Load(writeConfig(t, "[generation]\ntarget_count = 10\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Generation.FewShotLimit != DefaultFewShotLimit {
		t.Errorf("absent few_shot_limit = %d, want default %d", cfg.Generation.FewShotLimit, DefaultFewShotLimit)
	}

	// The unbounded sentinel survives loading untouched.
	cfg, _, err = Load(writeConfig(t, "[generation]\nfew_shot_limit = -1\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Generation.FewShotLimit != FewShotUnbounded {
		t.Errorf("few_shot_limit = %d, want sentinel %d", cfg.Generation.FewShotLimit, FewShotUnbounded)
	}

	// Anything below the sentinel is rejected.
	if _, _, err := Load(writeConfig(t, "[generation]\nfew_shot_limit = -2\n")); err == nil {
		t.Error("few_shot_limit below the sentinel should fail validation")
	}
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[generation\ntarget_count = 5"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"zero target", func(c *Config) { c.Generation.TargetCount = -1 }, true},
		{"target above cap", func(c *Config) {
			c.Generation.TargetCount = MaxTargetCount + 1
			c.Generation.MaxAttempts = (MaxTargetCount + 1) * 10
		}, true},
		{"min score below range", func(c *Config) { c.Generation.MinScore = -2 }, true},
		{"min score above range", func(c *Config) { c.Generation.MinScore = 11 }, true},
		{"too many workers", func(c *Config) { c.Generation.ScorerWorkers = MaxScorerWorkers + 1 }, true},
		{"attempts below target", func(c *Config) { c.Generation.MaxAttempts = c.Generation.TargetCount - 1 }, true},
		{"unbounded few-shot limit", func(c *Config) { c.Generation.FewShotLimit = FewShotUnbounded }, false},
		{"few-shot limit below sentinel", func(c *Config) { c.Generation.FewShotLimit = -2 }, true},
		{"missing judge", func(c *Config) { delete(c.Models, RoleJudge) }, true},
		{"empty model name", func(c *Config) {
			m := c.Models[RoleGenerator]
			m.ModelName = ""
			c.Models[RoleGenerator] = m
		}, true},
		{"temperature out of range", func(c *Config) {
			m := c.Models[RoleJudge]
			m.Temperature = 3
			c.Models[RoleJudge] = m
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSecretsGetAPIKey(t *testing.T) {
	s := &Secrets{APIKeys: map[string]string{
		"generic":   "gen-key",
		"openai":    "oai-key",
		"anthropic": "ant-key",
	}}

	if got := s.GetAPIKey("https://api.openai.com/v1"); got != "oai-key" {
		t.Errorf("openai key = %q", got)
	}
	if got := s.GetAPIKey("https://api.anthropic.com/v1"); got != "ant-key" {
		t.Errorf("anthropic key = %q", got)
	}
	if got := s.GetAPIKey("https://api.together.xyz/v1"); got != "gen-key" {
		t.Errorf("unlisted provider should fall back to generic, got %q", got)
	}
}

func TestSecretsRequire(t *testing.T) {
	s := &Secrets{APIKeys: map[string]string{}}

	if err := s.Require("http://localhost:11434/v1"); err != nil {
		t.Errorf("local endpoints need no key: %v", err)
	}
	if err := s.Require("https://api.openai.com/v1"); err == nil {
		t.Error("remote endpoint without key should fail")
	}

	s.APIKeys["generic"] = "k"
	if err := s.Require("https://api.openai.com/v1", "https://api.together.xyz/v1"); err != nil {
		t.Errorf("generic key should satisfy all remote endpoints: %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("PROPFORGE_TEST_ENV_KEY=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("PROPFORGE_TEST_ENV_KEY") })
	if got := os.Getenv("PROPFORGE_TEST_ENV_KEY"); got != "from-dotenv" {
		t.Errorf("env = %q, want from-dotenv", got)
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); !os.IsNotExist(err) {
		t.Errorf("missing env file should report IsNotExist, got %v", err)
	}
}
