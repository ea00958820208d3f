package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openevolve/openevolve-go/pkg/errors"
)

// Config represents the complete configuration for an evolution run.
type Config struct {
	// Task configuration
	Task TaskConfig `yaml:"task" validate:"required"`

	// Number of slots per generation
	PopulationSize int `yaml:"population_size" validate:"min=1"`

	// Number of generations to run
	Generations int `yaml:"generations" validate:"min=1"`

	// Metric directions and thresholds
	Metrics map[string]MetricConfig `yaml:"metrics" validate:"required,min=1,dive"`

	// Parent selection mixture
	Selection SelectionConfig `yaml:"selection,omitempty"`

	// Prompt sampler configuration
	Sampler SamplerConfig `yaml:"sampler,omitempty"`

	// Patch scope and revert policy
	Evolution EvolutionConfig `yaml:"evolution,omitempty"`

	// Evaluator cascade configuration
	Cascade CascadeConfig `yaml:"cascade" validate:"required"`

	// Meta-prompt pool configuration
	MetaPrompt MetaPromptConfig `yaml:"meta_prompt,omitempty"`

	// Archive configuration
	Archive ArchiveConfig `yaml:"archive,omitempty"`

	// LLM endpoint configuration
	LLM LLMConfig `yaml:"llm,omitempty"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging,omitempty"`

	// Root directory for run artifacts
	ArtifactsRoot string `yaml:"artifacts_root,omitempty"`

	// Path of the store database file
	DBPath string `yaml:"db_path,omitempty"`

	// RNG seed for deterministic sampling
	Seed int64 `yaml:"seed"`
}

// TaskConfig describes the task under evolution.
type TaskConfig struct {
	// Working directory of the task
	Workdir string `yaml:"workdir" validate:"required"`

	// Target source file, relative to Workdir
	TargetFile string `yaml:"target_file" validate:"required"`

	// Human description forwarded into prompts
	Description string `yaml:"description,omitempty"`
}

// MetricConfig fixes the direction and optional pass threshold of a metric.
type MetricConfig struct {
	// "maximize" or "minimize"
	Direction string `yaml:"direction" validate:"required,oneof=maximize minimize"`

	// Pass threshold; nil means the metric passes when the evaluator succeeds
	Threshold *float64 `yaml:"threshold,omitempty"`
}

// Minimize reports whether lower metric values are better.
func (m MetricConfig) Minimize() bool {
	return m.Direction == "minimize"
}

// SelectionConfig sets the parent sampling mixture drawn from the archive.
type SelectionConfig struct {
	Elite int `yaml:"elite" validate:"min=0"`
	Novel int `yaml:"novel" validate:"min=0"`
	Young int `yaml:"young" validate:"min=0"`
}

// SamplerConfig bounds prompt assembly.
type SamplerConfig struct {
	// Approximate token budget for the assembled prompt
	BudgetTokens int `yaml:"budget_tokens" validate:"min=1"`

	// Elite exemplars by Pareto rank
	ElitesK int `yaml:"elites_k" validate:"min=0"`

	// Exemplars by novelty
	NovelM int `yaml:"novel_m" validate:"min=0"`

	// Recent failed candidates to include
	IncludeFailures int `yaml:"include_failures" validate:"min=0"`
}

// EvolutionConfig selects the patch scope per run.
type EvolutionConfig struct {
	// "blocks" or "wholefile"
	Scope string `yaml:"scope" validate:"oneof=blocks wholefile"`

	// Revert the target file when downstream evaluation fails
	ApplySafeRevert bool `yaml:"apply_safe_revert"`
}

// CascadeConfig describes the ordered evaluator stages.
type CascadeConfig struct {
	// Concurrent evaluators within one stage
	MaxParallel int `yaml:"max_parallel" validate:"min=1"`

	// Cancel in-flight siblings and skip later stages on first failure
	CancelOnFail bool `yaml:"cancel_on_fail"`

	// Ordered evaluator stages
	Stages []StageConfig `yaml:"stages" validate:"required,min=1,dive"`
}

// StageConfig is one stage of the cascade.
type StageConfig struct {
	// Evaluators that run concurrently within this stage
	Evaluators []EvaluatorConfig `yaml:"evaluators" validate:"required,min=1,dive"`
}

// EvaluatorConfig names one out-of-process evaluator.
type EvaluatorConfig struct {
	// Unique evaluator name
	Name string `yaml:"name" validate:"required"`

	// Executable invoked with the candidate file path appended
	Command []string `yaml:"command" validate:"required,min=1"`

	// Wall-clock limit in seconds
	TimeoutS int `yaml:"timeout_s" validate:"min=1"`

	// Re-launch attempts after failure; 0 means no retry
	Retries int `yaml:"retries" validate:"min=0"`

	// Metric names this evaluator must emit
	Metrics []string `yaml:"metrics,omitempty"`
}

// MetaPromptConfig bounds the instruction template population.
type MetaPromptConfig struct {
	Population    int     `yaml:"population" validate:"min=1"`
	MutationProb  float64 `yaml:"mutation_prob" validate:"min=0,max=1"`
	SelectionTopK int     `yaml:"selection_top_k" validate:"min=1"`
}

// ArchiveConfig bounds the accepted-candidate archive.
type ArchiveConfig struct {
	Capacity        int `yaml:"capacity" validate:"min=1"`
	KNovelty        int `yaml:"k_novelty" validate:"min=1"`
	AgeingThreshold int `yaml:"ageing_threshold" validate:"min=1"`
}

// LLMConfig describes the model endpoint. Mode "echo" short-circuits the
// network entirely and always returns the empty structured patch
// {"diffs": []}, which keeps end-to-end tests hermetic.
type LLMConfig struct {
	// "openai" or "echo"
	Mode string `yaml:"mode" validate:"oneof=openai echo"`

	Model       string  `yaml:"model,omitempty"`
	Temperature float64 `yaml:"temperature" validate:"min=0,max=2"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	APIKeyEnv   string  `yaml:"api_key_env,omitempty"`

	// Per-call timeout in seconds
	TimeoutS int `yaml:"timeout_s" validate:"min=1"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Log level (DEBUG, INFO, WARN, ERROR, FATAL)
	Level string `yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR FATAL"`

	// Disable ANSI colors on console output
	NoColor bool `yaml:"no_color"`
}

// Load reads and validates a YAML configuration file, filling defaults for
// omitted sections.
func Load(path string) (*Config, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.ConfigError, "failed to read config file"),
			errors.Fields{"path": path},
		)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(payload, cfg); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.ConfigError, "failed to parse config file"),
			errors.Fields{"path": path},
		)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints and cross-field invariants.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return errors.Wrap(err, errors.ConfigError, "invalid configuration")
	}

	names := make(map[string]struct{})
	for _, stage := range c.Cascade.Stages {
		for _, ev := range stage.Evaluators {
			if _, dup := names[ev.Name]; dup {
				return errors.WithFields(
					errors.New(errors.ConfigError, "duplicate evaluator name"),
					errors.Fields{"name": ev.Name},
				)
			}
			names[ev.Name] = struct{}{}
			for _, metric := range ev.Metrics {
				if _, ok := c.Metrics[metric]; !ok {
					return errors.WithFields(
						errors.New(errors.ConfigError, "evaluator references unknown metric"),
						errors.Fields{"evaluator": ev.Name, "metric": metric},
					)
				}
			}
		}
	}

	return nil
}
