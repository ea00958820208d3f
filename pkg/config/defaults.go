package config

// DefaultConfig returns a configuration with every tunable at its default.
// Task, Metrics and the cascade stages have no sensible defaults and must come
// from the user's file.
func DefaultConfig() *Config {
	return &Config{
		PopulationSize: 8,
		Generations:    1,
		Selection: SelectionConfig{
			Elite: 2,
			Novel: 2,
			Young: 1,
		},
		Sampler: SamplerConfig{
			BudgetTokens:    4000,
			ElitesK:         4,
			NovelM:          4,
			IncludeFailures: 2,
		},
		Evolution: EvolutionConfig{
			Scope:           "blocks",
			ApplySafeRevert: true,
		},
		Cascade: CascadeConfig{
			MaxParallel:  4,
			CancelOnFail: false,
		},
		MetaPrompt: MetaPromptConfig{
			Population:    8,
			MutationProb:  0.3,
			SelectionTopK: 3,
		},
		Archive: ArchiveConfig{
			Capacity:        200,
			KNovelty:        10,
			AgeingThreshold: 5,
		},
		LLM: LLMConfig{
			Mode:        "echo",
			Temperature: 0.8,
			TimeoutS:    120,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		ArtifactsRoot: "runs",
		DBPath:        "openevolve.db",
		Seed:          0,
	}
}
