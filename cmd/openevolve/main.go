// Command openevolve drives LLM-guided evolutionary search over a task's
// target source file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/openevolve/openevolve-go/pkg/config"
	"github.com/openevolve/openevolve-go/pkg/engine"
	"github.com/openevolve/openevolve-go/pkg/llm"
	"github.com/openevolve/openevolve-go/pkg/logging"
	"github.com/openevolve/openevolve-go/pkg/store"
)

var (
	configPath string
	runID      string
)

func main() {
	root := &cobra.Command{
		Use:   "openevolve",
		Short: "LLM-guided evolutionary search over source programs",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "openevolve.yaml", "path to the run configuration")
	root.PersistentFlags().StringVar(&runID, "run-id", "", "run identifier (generated when empty)")

	root.AddCommand(runCmd(), resumeCmd(), inspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *store.Store, error) {
	// Endpoint credentials may live in a local .env file.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logging.SetLogger(logging.NewLogger(logging.Config{
		Severity: logging.ParseSeverity(cfg.Logging.Level),
		Outputs:  []logging.Output{logging.NewConsoleOutput(true, logging.WithColor(!cfg.Logging.NoColor))},
	}))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// signalContext cancels on SIGINT/SIGTERM so in-flight slots commit or
// revert cleanly before exit.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func evolve(requireExisting bool) error {
	cfg, st, err := setup()
	if err != nil {
		return err
	}
	defer st.Close()

	if runID == "" {
		if requireExisting {
			return fmt.Errorf("resume requires --run-id")
		}
		runID = uuid.NewString()
	}
	if requireExisting {
		run, err := st.GetRun(runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s does not exist", runID)
		}
	}

	llmFn, err := llm.FromConfig(cfg.LLM)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, st, llmFn, runID)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("run %s\n", runID)
	return eng.Evolve(ctx)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start (or continue) an evolution run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return evolve(false)
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume an existing run from its latest generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return evolve(true)
		},
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the candidates and metrics of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := setup()
			if err != nil {
				return err
			}
			defer st.Close()

			if runID == "" {
				return fmt.Errorf("inspect requires --run-id")
			}
			cands, err := st.ListCandidates(runID, -1)
			if err != nil {
				return err
			}
			ids := make([]string, len(cands))
			for i, cand := range cands {
				ids[i] = cand.CandID
			}
			evals, err := st.CandidateEvals(ids)
			if err != nil {
				return err
			}

			for _, cand := range cands {
				status := "accepted"
				detail := ""
				rows := evals[cand.CandID]
				if len(rows) == 0 {
					status = "seed"
				}
				for _, row := range rows {
					if !row.Passed {
						status = "failed"
						if row.Error != "" {
							detail = " (" + row.Error + ")"
						}
						break
					}
				}
				fmt.Printf("gen %3d  %s  %-8s novelty=%.3f age=%d%s\n",
					cand.Generation, cand.CandID, status, cand.Novelty, cand.Age, detail)
				for _, row := range rows {
					if row.Metric == "" {
						continue
					}
					fmt.Printf("    %-16s %10.4f passed=%-5v cost=%dms\n",
						row.Metric, row.Value, row.Passed, row.CostMS)
				}
			}
			return nil
		},
	}
}
