// Package cascade runs ordered evaluator stages against a candidate file.
// Evaluators execute in separate OS processes so wall-clock timeouts hold
// and evolved code stays isolated from the engine.
package cascade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/openevolve/openevolve-go/pkg/errors"
	"github.com/openevolve/openevolve-go/pkg/logging"
	"github.com/openevolve/openevolve-go/pkg/store"
)

// CascadeMetric names the synthetic row recorded when an evaluator fails
// without producing metric values.
const CascadeMetric = "__cascade__"

// killGrace is how long a timed-out child gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// Evaluator names one out-of-process evaluator. The candidate file path is
// appended to Command on launch; the process must print a JSON
// {metric: value} mapping on stdout and exit zero.
type Evaluator struct {
	Name    string
	Command []string
	Timeout time.Duration
	Retries int
	Metrics []string
}

// Stage is one cascade stage; its evaluators run concurrently.
type Stage struct {
	Evaluators []Evaluator
}

// Threshold fixes pass criteria for one metric.
type Threshold struct {
	Minimize bool
	Value    *float64 // nil: the metric passes when the evaluator succeeds
}

// Options bound cascade execution.
type Options struct {
	MaxParallel  int
	CancelOnFail bool
}

// Result is the outcome of one cascade run.
type Result struct {
	// Rows in stage order, ready to persist alongside the candidate.
	Rows []store.Evaluation

	// Accepted is true when every row passed.
	Accepted bool

	// Skipped is true when cancel-on-fail cut the cascade short.
	Skipped bool
}

// Cascade executes stages sequentially with bounded parallelism inside each
// stage.
type Cascade struct {
	stages     []Stage
	opts       Options
	thresholds map[string]Threshold
}

// New creates a cascade over the given stages.
func New(stages []Stage, thresholds map[string]Threshold, opts Options) *Cascade {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	return &Cascade{stages: stages, opts: opts, thresholds: thresholds}
}

// outcome is one evaluator's terminal state: metric rows on success, a
// failure description otherwise. canceled outcomes are dropped entirely.
type outcome struct {
	rows     []store.Evaluation
	failed   bool
	canceled bool
	errTag   string
	costMS   int64
}

// Run executes the cascade against path. Evaluator failures never return an
// error; they are folded into the Result. Only a canceled parent context
// surfaces as an error.
func (c *Cascade) Run(ctx context.Context, path string) (*Result, error) {
	logger := logging.GetLogger()
	result := &Result{Accepted: true}

	for stageIdx, stage := range c.stages {
		if err := errors.CheckContext(ctx, "cascade"); err != nil {
			return nil, err
		}

		stageCtx, cancelStage := context.WithCancel(ctx)
		outcomes := make([]outcome, len(stage.Evaluators))

		p := pool.New().WithMaxGoroutines(c.opts.MaxParallel)
		for i := range stage.Evaluators {
			i := i
			p.Go(func() {
				outcomes[i] = c.runEvaluator(stageCtx, stage.Evaluators[i], path)
				if outcomes[i].failed && c.opts.CancelOnFail {
					cancelStage()
				}
			})
		}
		p.Wait()
		cancelStage()
		if err := errors.CheckContext(ctx, "cascade"); err != nil {
			return nil, err
		}

		stageFailed := false
		for i, out := range outcomes {
			ev := stage.Evaluators[i]
			if out.canceled {
				logger.Debug(ctx, "evaluator %s canceled by failing sibling", ev.Name)
				continue
			}
			if out.failed {
				stageFailed = true
				result.Accepted = false
				result.Rows = append(result.Rows, store.Evaluation{
					Metric: CascadeMetric,
					Passed: false,
					CostMS: out.costMS,
					Error:  out.errTag,
				})
				logger.Warn(ctx, "evaluator %s failed: %s (stage %d)", ev.Name, out.errTag, stageIdx)
				continue
			}
			for _, row := range out.rows {
				if !row.Passed {
					result.Accepted = false
				}
				result.Rows = append(result.Rows, row)
			}
		}

		if stageFailed && c.opts.CancelOnFail {
			result.Skipped = stageIdx < len(c.stages)-1
			break
		}
	}

	return result, nil
}

// runEvaluator launches the evaluator process, re-launching up to Retries
// times. Only the last attempt's rows survive; cost accumulates across
// attempts.
func (c *Cascade) runEvaluator(ctx context.Context, ev Evaluator, path string) outcome {
	var last outcome
	var totalCost int64

	attempts := ev.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		last = c.launch(ctx, ev, path)
		totalCost += last.costMS
		if last.canceled || !last.failed {
			break
		}
	}
	last.costMS = totalCost
	for i := range last.rows {
		last.rows[i].CostMS = totalCost
	}
	return last
}

// launch runs one evaluator process under the stage context with the
// evaluator's wall-clock timeout.
func (c *Cascade) launch(ctx context.Context, ev Evaluator, path string) outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, ev.Timeout)
	defer cancel()

	args := append(append([]string{}, ev.Command[1:]...), path)
	cmd := exec.CommandContext(attemptCtx, ev.Command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Graceful termination first; WaitDelay escalates to SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	if attemptCtx.Err() == context.DeadlineExceeded {
		return outcome{
			failed: true,
			errTag: "timeout",
			costMS: ev.Timeout.Milliseconds(),
		}
	}
	if ctx.Err() != nil {
		return outcome{canceled: true, costMS: elapsed}
	}
	if runErr != nil {
		return outcome{
			failed: true,
			errTag: shortError(fmt.Sprintf("exit error: %v", runErr), stderr.String()),
			costMS: elapsed,
		}
	}

	metrics, err := parseMetrics(stdout.Bytes())
	if err != nil {
		return outcome{
			failed: true,
			errTag: shortError(err.Error(), ""),
			costMS: elapsed,
		}
	}
	for _, required := range ev.Metrics {
		if _, ok := metrics[required]; !ok {
			return outcome{
				failed: true,
				errTag: "missing metric " + required,
				costMS: elapsed,
			}
		}
	}

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]store.Evaluation, 0, len(names))
	for _, name := range names {
		rows = append(rows, store.Evaluation{
			Metric: name,
			Value:  metrics[name],
			Passed: c.passes(name, metrics[name]),
			CostMS: elapsed,
		})
	}
	return outcome{rows: rows, costMS: elapsed}
}

// passes applies the configured threshold for a metric. No threshold means
// a successful evaluator passes.
func (c *Cascade) passes(metric string, value float64) bool {
	th, ok := c.thresholds[metric]
	if !ok || th.Value == nil {
		return true
	}
	if th.Minimize {
		return value <= *th.Value
	}
	return value >= *th.Value
}

// parseMetrics decodes the evaluator's stdout: a flat JSON object of
// numeric values.
func parseMetrics(payload []byte) (map[string]float64, error) {
	var raw map[string]json.Number
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, errors.EvaluatorError, "evaluator output is not a JSON object")
	}
	out := make(map[string]float64, len(raw))
	for name, number := range raw {
		value, err := number.Float64()
		if err != nil {
			return nil, errors.WithFields(
				errors.Wrap(err, errors.EvaluatorError, "non-numeric metric value"),
				errors.Fields{"metric": name},
			)
		}
		out[name] = value
	}
	return out, nil
}

// shortError compresses process failure detail into a short tag, preferring
// the first stderr line.
func shortError(fallback, stderr string) string {
	if stderr != "" {
		line := stderr
		if idx := bytes.IndexByte([]byte(stderr), '\n'); idx >= 0 {
			line = stderr[:idx]
		}
		if len(line) > 120 {
			line = line[:120]
		}
		if line != "" {
			return line
		}
	}
	if len(fallback) > 120 {
		fallback = fallback[:120]
	}
	return fallback
}
