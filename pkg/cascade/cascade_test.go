package cascade

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellEvaluator(name, script string, timeout time.Duration) Evaluator {
	return Evaluator{
		Name:    name,
		Command: []string{"/bin/sh", "-c", script, "evaluator"},
		Timeout: timeout,
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestRunCollectsMetricRows(t *testing.T) {
	ev := shellEvaluator("tests", `echo '{"correct": 1.0, "latency_ms": 40}'`, 5*time.Second)
	c := New(
		[]Stage{{Evaluators: []Evaluator{ev}}},
		map[string]Threshold{
			"correct":    {Minimize: false, Value: floatPtr(1.0)},
			"latency_ms": {Minimize: true, Value: floatPtr(100)},
		},
		Options{MaxParallel: 2},
	)

	result, err := c.Run(context.Background(), "ignored.py")
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	require.Len(t, result.Rows, 2)
	// Rows come back in sorted metric order.
	assert.Equal(t, "correct", result.Rows[0].Metric)
	assert.True(t, result.Rows[0].Passed)
	assert.Equal(t, "latency_ms", result.Rows[1].Metric)
	assert.True(t, result.Rows[1].Passed)
}

func TestThresholdFailureIsNotAccepted(t *testing.T) {
	ev := shellEvaluator("perf", `echo '{"latency_ms": 500}'`, 5*time.Second)
	c := New(
		[]Stage{{Evaluators: []Evaluator{ev}}},
		map[string]Threshold{"latency_ms": {Minimize: true, Value: floatPtr(100)}},
		Options{MaxParallel: 1},
	)

	result, err := c.Run(context.Background(), "ignored.py")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	require.Len(t, result.Rows, 1)
	assert.False(t, result.Rows[0].Passed)
	assert.InDelta(t, 500, result.Rows[0].Value, 1e-9)
}

func TestTimeoutYieldsSyntheticRow(t *testing.T) {
	ev := shellEvaluator("slow", `sleep 5`, 300*time.Millisecond)
	c := New(
		[]Stage{{Evaluators: []Evaluator{ev}}},
		nil,
		Options{MaxParallel: 1},
	)

	result, err := c.Run(context.Background(), "ignored.py")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	require.Len(t, result.Rows, 1)
	row := result.Rows[0]
	assert.Equal(t, CascadeMetric, row.Metric)
	assert.False(t, row.Passed)
	assert.Equal(t, "timeout", row.Error)
	assert.Equal(t, int64(300), row.CostMS)
}

func TestBadOutputIsEvaluatorError(t *testing.T) {
	ev := shellEvaluator("broken", `echo 'not json at all'`, 5*time.Second)
	c := New([]Stage{{Evaluators: []Evaluator{ev}}}, nil, Options{MaxParallel: 1})

	result, err := c.Run(context.Background(), "ignored.py")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, CascadeMetric, result.Rows[0].Metric)
	assert.False(t, result.Rows[0].Passed)
	assert.NotEmpty(t, result.Rows[0].Error)
}

func TestNonZeroExitUsesStderrLine(t *testing.T) {
	ev := shellEvaluator("crash", `echo 'assertion failed: wrong answer' >&2; exit 3`, 5*time.Second)
	c := New([]Stage{{Evaluators: []Evaluator{ev}}}, nil, Options{MaxParallel: 1})

	result, err := c.Run(context.Background(), "ignored.py")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Contains(t, result.Rows[0].Error, "assertion failed")
}

func TestMissingRequiredMetric(t *testing.T) {
	ev := shellEvaluator("tests", `echo '{"other": 1.0}'`, 5*time.Second)
	ev.Metrics = []string{"correct"}
	c := New([]Stage{{Evaluators: []Evaluator{ev}}}, nil, Options{MaxParallel: 1})

	result, err := c.Run(context.Background(), "ignored.py")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Contains(t, result.Rows[0].Error, "missing metric correct")
}

func TestCancelOnFailSkipsLaterStages(t *testing.T) {
	failing := shellEvaluator("gate", `exit 1`, 5*time.Second)
	never := shellEvaluator("expensive", `echo '{"perf": 1.0}'`, 5*time.Second)
	c := New(
		[]Stage{
			{Evaluators: []Evaluator{failing}},
			{Evaluators: []Evaluator{never}},
		},
		nil,
		Options{MaxParallel: 2, CancelOnFail: true},
	)

	result, err := c.Run(context.Background(), "ignored.py")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.True(t, result.Skipped)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, CascadeMetric, result.Rows[0].Metric)
}

func TestWithoutCancelOnFailAllStagesRun(t *testing.T) {
	failing := shellEvaluator("gate", `exit 1`, 5*time.Second)
	second := shellEvaluator("perf", `echo '{"perf": 1.0}'`, 5*time.Second)
	c := New(
		[]Stage{
			{Evaluators: []Evaluator{failing}},
			{Evaluators: []Evaluator{second}},
		},
		nil,
		Options{MaxParallel: 1},
	)

	result, err := c.Run(context.Background(), "ignored.py")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.False(t, result.Skipped)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "perf", result.Rows[1].Metric)
	assert.True(t, result.Rows[1].Passed)
}

func TestRetriesRelaunchEvaluator(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "attempts")
	ev := shellEvaluator("flaky", `echo x >> `+counter+`; exit 1`, 5*time.Second)
	ev.Retries = 2
	c := New([]Stage{{Evaluators: []Evaluator{ev}}}, nil, Options{MaxParallel: 1})

	result, err := c.Run(context.Background(), "ignored.py")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.False(t, result.Rows[0].Passed)

	payload, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x\nx\nx\n", string(payload))
}

func TestCanceledParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := shellEvaluator("tests", `echo '{"correct": 1.0}'`, 5*time.Second)
	c := New([]Stage{{Evaluators: []Evaluator{ev}}}, nil, Options{MaxParallel: 1})

	_, err := c.Run(ctx, "ignored.py")
	require.Error(t, err)
}
