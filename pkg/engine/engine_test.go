package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openevolve/openevolve-go/pkg/cascade"
	"github.com/openevolve/openevolve-go/pkg/config"
	"github.com/openevolve/openevolve-go/pkg/llm"
	"github.com/openevolve/openevolve-go/pkg/store"
)

const taskSource = `# EVOLVE-BLOCK-START solve
return sum(v*v for v in values)
# EVOLVE-BLOCK-END
`

// passingEvaluator prints a fixed metric map, ignoring the candidate path.
func passingEvaluator() []string {
	return []string{"/bin/sh", "-c", `echo '{"correct": 1.0}'`}
}

func testConfig(t *testing.T, generations int) *config.Config {
	t.Helper()
	root := t.TempDir()
	workdir := filepath.Join(root, "task")
	require.NoError(t, os.MkdirAll(workdir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "program.py"), []byte(taskSource), 0o644))

	threshold := 1.0
	cfg := config.DefaultConfig()
	cfg.Task = config.TaskConfig{
		Workdir:     workdir,
		TargetFile:  "program.py",
		Description: "sum of squares",
	}
	cfg.PopulationSize = 1
	cfg.Generations = generations
	cfg.Metrics = map[string]config.MetricConfig{
		"correct": {Direction: "maximize", Threshold: &threshold},
	}
	cfg.Cascade.Stages = []config.StageConfig{{
		Evaluators: []config.EvaluatorConfig{{
			Name:     "tests",
			Command:  passingEvaluator(),
			TimeoutS: 10,
			Metrics:  []string{"correct"},
		}},
	}}
	cfg.MetaPrompt.MutationProb = 0
	cfg.ArtifactsRoot = filepath.Join(root, "runs")
	cfg.DBPath = filepath.Join(root, "openevolve.db")
	cfg.Seed = 7
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, fn llm.Func, runID string) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng, err := New(cfg, st, fn, runID)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng, st
}

func TestSeedRoundTrip(t *testing.T) {
	cfg := testConfig(t, 1)
	eng, st := newTestEngine(t, cfg, llm.Echo(`{"diffs": []}`), "run-1")

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Evolve(ctx))

	// Seed at generation 0, one produced candidate at generation 1.
	gen0, err := st.ListCandidates("run-1", 0)
	require.NoError(t, err)
	require.Len(t, gen0, 1)
	assert.Empty(t, gen0[0].ParentIDs)
	assert.Equal(t, taskSource, gen0[0].CodeSnapshot)

	gen1, err := st.ListCandidates("run-1", 1)
	require.NoError(t, err)
	require.Len(t, gen1, 1)
	assert.Equal(t, taskSource, gen1[0].CodeSnapshot, "empty diff leaves the snapshot equal to the initial file")

	evals, err := st.CandidateEvals([]string{gen1[0].CandID})
	require.NoError(t, err)
	require.Len(t, evals[gen1[0].CandID], 1)
	assert.True(t, evals[gen1[0].CandID][0].Passed)

	assert.Equal(t, 1, eng.Archive().Len())
}

func TestAmbiguousSearchRejectsAndLeavesFileUntouched(t *testing.T) {
	cfg := testConfig(t, 1)
	ambiguous := `# EVOLVE-BLOCK-START body
x = 1
x = 1
# EVOLVE-BLOCK-END
`
	target := filepath.Join(cfg.Task.Workdir, cfg.Task.TargetFile)
	require.NoError(t, os.WriteFile(target, []byte(ambiguous), 0o644))

	patchBody := `{"diffs": [{"block": "body", "search": "x = 1", "replace": "x = 2"}]}`
	eng, st := newTestEngine(t, cfg, llm.Echo(patchBody), "run-1")

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Evolve(ctx))

	gen1, err := st.ListCandidates("run-1", 1)
	require.NoError(t, err)
	require.Len(t, gen1, 1)

	evals, err := st.CandidateEvals([]string{gen1[0].CandID})
	require.NoError(t, err)
	require.Len(t, evals[gen1[0].CandID], 1)
	row := evals[gen1[0].CandID][0]
	assert.Equal(t, cascade.CascadeMetric, row.Metric)
	assert.False(t, row.Passed)
	assert.Contains(t, row.Error, "ambiguous")

	onDisk, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, ambiguous, string(onDisk))

	// Rejected candidates never reach the archive.
	assert.Equal(t, 0, eng.Archive().Len())
}

func TestAppliedPatchUpdatesSnapshot(t *testing.T) {
	cfg := testConfig(t, 1)
	patchBody := `{"diffs": [{"block": "solve", "search": "sum(v*v for v in values)", "replace": "sum(values)"}]}`
	eng, st := newTestEngine(t, cfg, llm.Echo(patchBody), "run-1")

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Evolve(ctx))

	gen1, err := st.ListCandidates("run-1", 1)
	require.NoError(t, err)
	require.Len(t, gen1, 1)
	assert.Contains(t, gen1[0].CodeSnapshot, "return sum(values)")
	assert.Equal(t, patchBody, gen1[0].Patch)
	assert.Equal(t, 1, eng.Archive().Len())
}

func TestFailedEvaluationRevertsTargetFile(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Cascade.Stages[0].Evaluators[0].Command = []string{"/bin/sh", "-c", `echo '{"correct": 0.0}'`}

	patchBody := `{"diffs": [{"block": "solve", "search": "sum(v*v for v in values)", "replace": "0"}]}`
	eng, st := newTestEngine(t, cfg, llm.Echo(patchBody), "run-1")

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Evolve(ctx))

	// apply_safe_revert restored the original file.
	onDisk, err := os.ReadFile(filepath.Join(cfg.Task.Workdir, cfg.Task.TargetFile))
	require.NoError(t, err)
	assert.Equal(t, taskSource, string(onDisk))

	// The candidate persists with its failed row; the archive stays empty.
	gen1, err := st.ListCandidates("run-1", 1)
	require.NoError(t, err)
	require.Len(t, gen1, 1)
	assert.Equal(t, 0, eng.Archive().Len())
}

func TestResumeContinuesFromLatestGeneration(t *testing.T) {
	cfg := testConfig(t, 2)
	ctx := context.Background()

	eng, st := newTestEngine(t, cfg, llm.Echo(`{"diffs": []}`), "run-1")
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Evolve(ctx))

	latest, err := st.LatestGeneration("run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest)
	require.NoError(t, eng.Close())

	// Relaunch against the same store and run id, one more generation.
	cfg.Generations = 3
	eng2, err := New(cfg, st, llm.Echo(`{"diffs": []}`), "run-1")
	require.NoError(t, err)
	defer eng2.Close()

	require.NoError(t, eng2.Start(ctx))
	require.NoError(t, eng2.Evolve(ctx))

	latest, err = st.LatestGeneration("run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest)

	// No duplicate cand_ids: every candidate is unique per (gen, slot).
	all, err := st.ListCandidates("run-1", -1)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, cand := range all {
		assert.False(t, seen[cand.CandID], "duplicate cand_id %s", cand.CandID)
		seen[cand.CandID] = true
	}

	// Archive was rebuilt on resume and includes all accepted generations.
	assert.Equal(t, 3, eng2.Archive().Len())
}

func TestDeterministicCandidateSequence(t *testing.T) {
	run := func() []string {
		cfg := testConfig(t, 2)
		cfg.PopulationSize = 2
		eng, st := newTestEngine(t, cfg, llm.Echo(`{"diffs": []}`), "run-det")
		ctx := context.Background()
		require.NoError(t, eng.Start(ctx))
		require.NoError(t, eng.Evolve(ctx))

		all, err := st.ListCandidates("run-det", -1)
		require.NoError(t, err)
		ids := make([]string, len(all))
		for i, cand := range all {
			ids[i] = cand.CandID
		}
		return ids
	}

	assert.Equal(t, run(), run())
}

func TestEventLogWritten(t *testing.T) {
	cfg := testConfig(t, 1)
	eng, _ := newTestEngine(t, cfg, llm.Echo(`{"diffs": []}`), "run-1")

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Evolve(ctx))
	require.NoError(t, eng.Close())

	payload, err := os.ReadFile(filepath.Join(cfg.ArtifactsRoot, "run-1", "events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"type":"slot"`)
	assert.Contains(t, string(payload), `"type":"generation"`)

	// Per-generation mirrors exist.
	_, err = os.Stat(filepath.Join(cfg.ArtifactsRoot, "run-1", "gen_001", "candidate_00_prompt.txt"))
	assert.NoError(t, err)
}
