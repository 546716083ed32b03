package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/propforge/propforge/internal/api"
	"github.com/propforge/propforge/internal/config"
	"github.com/propforge/propforge/internal/dataset"
	"github.com/propforge/propforge/internal/generator"
	"github.com/propforge/propforge/internal/metrics"
	"github.com/propforge/propforge/internal/pipeline"
	"github.com/propforge/propforge/internal/prompt"
	"github.com/propforge/propforge/internal/propensity"
	"github.com/propforge/propforge/internal/scorer"
	"github.com/propforge/propforge/internal/session"
	"github.com/propforge/propforge/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath     string
	envFile        string
	propensityName string
	targetCount    int
	minScore       int
	modelOverride  string
	resumeFrom     string
	outputPath     string
	verbose        bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "propforge",
		Short: "PropForge - Propensity Evaluation Dataset Generator",
		Long: `PropForge builds multiple-choice propensity evaluation datasets with LLMs.
It generates candidate questions for each behavioral propensity, scores them
against a quality rubric with a judge model, and accumulates the ones that
pass the acceptance threshold into a final dataset.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dataset generation pipeline",
		Long: `Run the complete pipeline for one or all propensities:
1. Generate candidate questions in small batches
2. Score each candidate against the propensity's rubric
3. Keep candidates at or above the acceptance threshold
4. Snapshot progress and grow the few-shot pool as questions accumulate`,
		RunE: runPipeline,
	}
	runCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	runCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	runCmd.Flags().StringVar(&propensityName, "propensity", propensity.All, "Propensity to build (or 'all')")
	runCmd.Flags().IntVar(&targetCount, "count", 0, "Questions to accept per propensity (overrides config)")
	runCmd.Flags().IntVar(&minScore, "min-score", 0, "Acceptance threshold 1-10 (overrides config)")
	runCmd.Flags().StringVar(&modelOverride, "model", "", "Generator model name (overrides config)")
	runCmd.Flags().StringVar(&resumeFrom, "resume", "", "Session directory to resume (e.g. session_2026-08-26T14-30-00)")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate and score a handful of questions without persisting them",
		Long:  "Generate one small batch for a propensity, score it, and print the results as JSON. Useful for prompt and rubric iteration.",
		RunE:  runSample,
	}
	sampleCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	sampleCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	sampleCmd.Flags().StringVar(&propensityName, "propensity", propensity.LawOverPower, "Propensity to sample")
	sampleCmd.Flags().IntVar(&targetCount, "count", 0, "Questions to generate (overrides config sample_count)")
	sampleCmd.Flags().StringVar(&modelOverride, "model", "", "Generator model name (overrides config)")
	sampleCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Also save the sampled questions to a file")
	sampleCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	scoreCmd := &cobra.Command{
		Use:   "score <dataset-file>",
		Short: "Score an existing question file against a propensity rubric",
		Long:  "Load questions from a JSON file (either {\"questions\": [...]} or a bare array), score each one with the judge model, and write the enriched records back out.",
		Args:  cobra.ExactArgs(1),
		RunE:  runScore,
	}
	scoreCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	scoreCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	scoreCmd.Flags().StringVar(&propensityName, "propensity", propensity.LawOverPower, "Rubric to score against")
	scoreCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (default: stdout)")
	scoreCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage run sessions",
		Long:  "Inspect session directories under the output folder for resuming interrupted runs.",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all session directories",
		RunE:  listSessions,
	}
	inspectCmd := &cobra.Command{
		Use:   "inspect <session-dir>",
		Short: "Inspect a session directory",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectSession,
	}
	sessionsCmd.AddCommand(listCmd)
	sessionsCmd.AddCommand(inspectCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sampleCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(sessionsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup performs the shared front half of every network-touching command:
// env file, config, flag overrides, propensity resolution, and the
// credential check that must pass before any request is made.
func setup() (*config.Config, *config.Secrets, []propensity.Spec, error) {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			if !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
			}
		} else if verbose {
			fmt.Fprintf(os.Stderr, "Loaded env file: %s\n", envFile)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if targetCount > 0 {
		cfg.Generation.TargetCount = targetCount
		if cfg.Generation.MaxAttempts < targetCount {
			cfg.Generation.MaxAttempts = targetCount * config.DefaultMaxAttemptsFactor
		}
	}
	if minScore > 0 {
		cfg.Generation.MinScore = minScore
	}
	if modelOverride != "" {
		m := cfg.Models[config.RoleGenerator]
		m.ModelName = modelOverride
		cfg.Models[config.RoleGenerator] = m
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	specs, err := propensity.Resolve(propensityName, cfg.Propensities)
	if err != nil {
		return nil, nil, nil, err
	}

	// Fail on missing credentials before the first request, not during it.
	if err := secrets.Require(
		cfg.Models[config.RoleGenerator].BaseURL,
		cfg.Models[config.RoleJudge].BaseURL,
	); err != nil {
		return nil, nil, nil, err
	}

	return cfg, secrets, specs, nil
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, secrets, specs, err := setup()
	if err != nil {
		return err
	}

	sessionMgr, err := session.NewManager(slog.Default(), resumeFrom)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	logger, logFile, err := session.SetupLogger(sessionMgr, logLevel())
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Sync()
			_ = logFile.Close()
		}
	}()

	logger.Info("PropForge starting",
		"version", Version,
		"config", configPath,
		"session_dir", sessionMgr.Dir(),
		"propensities", specNames(specs),
		"target", cfg.Generation.TargetCount,
		"min_score", cfg.Generation.MinScore)

	if resumeFrom == "" {
		if err := sessionMgr.BackupConfig(configPath); err != nil {
			return fmt.Errorf("failed to backup config: %w", err)
		}
	}

	collector := metrics.NewCollector()
	client := api.NewClient(logger, api.DefaultBackoffPolicy())
	client.SetMetrics(collector)

	genModel := cfg.Models[config.RoleGenerator]
	judgeModel := cfg.Models[config.RoleJudge]
	store := dataset.NewStore(sessionMgr.Dir())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	allStats := make([]*models.SessionStats, len(specs))
	var statsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			gen := generator.New(client, genModel, secrets.GetAPIKey(genModel.BaseURL), logger)
			sc := scorer.New(client, judgeModel, secrets.GetAPIKey(judgeModel.BaseURL),
				cfg.Generation.ScorerWorkers, logger, collector)

			loop := pipeline.New(gen, sc, store, pipeline.Options{
				Generation: cfg.Generation,
				Rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
				Progress:   len(specs) == 1,
			}, logger, collector)

			stats, err := loop.Run(gctx, spec)
			statsMu.Lock()
			allStats[i] = stats
			statsMu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			sessionDir := filepath.Base(sessionMgr.Dir())
			logger.Warn("Run interrupted, progress snapshots retained",
				"session_dir", sessionDir,
				"resume_command", fmt.Sprintf("propforge run --resume %s", sessionDir))
			return fmt.Errorf("run interrupted (resume with --resume %s)", sessionDir)
		}
		return fmt.Errorf("run failed: %w", err)
	}

	kept := allStats[:0]
	for _, s := range allStats {
		if s != nil {
			kept = append(kept, s)
		}
	}
	if err := sessionMgr.WriteStats(kept); err != nil {
		logger.Error("Failed to write run stats", "error", err)
	}

	for _, s := range kept {
		logger.Info("Propensity complete",
			"propensity", s.Propensity,
			"accepted", s.Accepted,
			"rejected", s.Rejected,
			"degraded", s.Degraded,
			"acceptance_rate", fmt.Sprintf("%.2f", s.AcceptanceRate()))
	}
	logger.Info("All done", "session_dir", sessionMgr.Dir())
	return nil
}

func runSample(cmd *cobra.Command, args []string) error {
	cfg, secrets, specs, err := setup()
	if err != nil {
		return err
	}
	if len(specs) != 1 {
		return fmt.Errorf("sample needs exactly one propensity, got %d (use --propensity)", len(specs))
	}
	spec := specs[0]

	count := cfg.Generation.SampleCount
	if targetCount > 0 {
		count = targetCount
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	client := api.NewClient(logger, api.DefaultBackoffPolicy())

	genModel := cfg.Models[config.RoleGenerator]
	judgeModel := cfg.Models[config.RoleJudge]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	gen := generator.New(client, genModel, secrets.GetAPIKey(genModel.BaseURL), logger)
	questions, err := gen.Generate(ctx, spec, count, spec.SeedExamples, prompt.PickVariance(rng))
	if err != nil {
		return fmt.Errorf("sample generation failed: %w", err)
	}

	sc := scorer.New(client, judgeModel, secrets.GetAPIKey(judgeModel.BaseURL),
		cfg.Generation.ScorerWorkers, logger, nil)
	evals := sc.ScoreAll(ctx, spec, questions)
	for i := range questions {
		questions[i].QCScore = evals[i].Score
		questions[i].EvaluationReasoning = evals[i].Explanation
	}

	out, err := json.MarshalIndent(questions, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if outputPath != "" {
		if err := dataset.Write(outputPath, questions); err != nil {
			return err
		}
		logger.Info("Sample written", "path", outputPath, "count", len(questions))
	}
	return nil
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg, secrets, specs, err := setup()
	if err != nil {
		return err
	}
	if len(specs) != 1 {
		return fmt.Errorf("score needs exactly one propensity, got %d (use --propensity)", len(specs))
	}
	spec := specs[0]

	questions, err := dataset.Load(args[0])
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return fmt.Errorf("no questions found in %s", args[0])
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	client := api.NewClient(logger, api.DefaultBackoffPolicy())
	judgeModel := cfg.Models[config.RoleJudge]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc := scorer.New(client, judgeModel, secrets.GetAPIKey(judgeModel.BaseURL),
		cfg.Generation.ScorerWorkers, logger, nil)
	evals := sc.ScoreAll(ctx, spec, questions)
	distribution := make(map[int]int)
	total := 0
	for i := range questions {
		questions[i].QCScore = evals[i].Score
		questions[i].EvaluationReasoning = evals[i].Explanation
		distribution[evals[i].Score]++
		total += evals[i].Score
	}

	if outputPath != "" {
		if err := dataset.Write(outputPath, questions); err != nil {
			return err
		}
		logger.Info("Scored dataset written", "path", outputPath, "count", len(questions))
	} else {
		out, err := json.MarshalIndent(questions, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}

	fmt.Fprintf(os.Stderr, "Scored %d questions, average %.2f\n", len(questions), float64(total)/float64(len(questions)))
	fmt.Fprintln(os.Stderr, "Score distribution:")
	for score := models.MinScore; score <= models.MaxScore; score++ {
		if n := distribution[score]; n > 0 {
			fmt.Fprintf(os.Stderr, "  %2d: %d\n", score, n)
		}
	}
	return nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	sessions, err := session.List()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No session directories found. Run a generation first.")
		return nil
	}

	fmt.Println("Available sessions:")
	fmt.Println()
	fmt.Printf("%-35s %s\n", "SESSION", "LAST MODIFIED")
	fmt.Println(strings.Repeat("-", 60))
	for _, s := range sessions {
		fmt.Printf("%-35s %s\n", s.Name, s.Modified.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func inspectSession(cmd *cobra.Command, args []string) error {
	info, err := session.Inspect(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session: %s\n", info.Name)
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Path:          %s\n", info.Path)
	fmt.Printf("Last Modified: %s\n", info.Modified.Format("2006-01-02 15:04:05"))
	fmt.Println()
	fmt.Println("Files:")
	for _, f := range info.Files {
		fmt.Printf("  %s\n", f)
	}
	if len(info.Files) == 0 {
		fmt.Println("  (empty)")
	}
	fmt.Println()
	fmt.Printf("To resume this session, run:\n  propforge run --resume %s\n", info.Name)
	return nil
}

func specNames(specs []propensity.Spec) string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return strings.Join(names, ",")
}
