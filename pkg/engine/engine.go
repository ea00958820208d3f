// Package engine orchestrates generations: meta-prompt sampling, prompt
// assembly, LLM calls, patch application, the evaluator cascade, and the
// archive update, persisting every slot as one transactional candidate.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/openevolve/openevolve-go/pkg/archive"
	"github.com/openevolve/openevolve-go/pkg/cascade"
	"github.com/openevolve/openevolve-go/pkg/config"
	"github.com/openevolve/openevolve-go/pkg/errors"
	"github.com/openevolve/openevolve-go/pkg/llm"
	"github.com/openevolve/openevolve-go/pkg/logging"
	"github.com/openevolve/openevolve-go/pkg/metaprompt"
	"github.com/openevolve/openevolve-go/pkg/patch"
	"github.com/openevolve/openevolve-go/pkg/prompt"
	"github.com/openevolve/openevolve-go/pkg/store"
)

// Engine drives one run. Generations advance sequentially; within a
// generation, LLM calls fan out concurrently while patch application,
// evaluation and persistence serialise through the target file lock in slot
// order, which keeps runs reproducible for a fixed seed and LLM stub.
type Engine struct {
	cfg     *config.Config
	store   *store.Store
	llmFn   llm.Func
	patcher *patch.Engine
	sampler *prompt.Sampler
	pool    *metaprompt.Pool
	arch    *archive.Archive
	casc    *cascade.Cascade
	events  *EventSink
	logger  *logging.Logger

	runID       string
	runDir      string
	targetPath  string
	metricNames []string
}

// New wires an engine for runID from the configuration. The store stays
// owned by the caller.
func New(cfg *config.Config, st *store.Store, llmFn llm.Func, runID string) (*Engine, error) {
	minimize := make(map[string]bool, len(cfg.Metrics))
	names := make([]string, 0, len(cfg.Metrics))
	thresholds := make(map[string]cascade.Threshold, len(cfg.Metrics))
	for name, mc := range cfg.Metrics {
		minimize[name] = mc.Minimize()
		names = append(names, name)
		thresholds[name] = cascade.Threshold{Minimize: mc.Minimize(), Value: mc.Threshold}
	}

	stages := make([]cascade.Stage, 0, len(cfg.Cascade.Stages))
	for _, sc := range cfg.Cascade.Stages {
		stage := cascade.Stage{}
		for _, ec := range sc.Evaluators {
			stage.Evaluators = append(stage.Evaluators, cascade.Evaluator{
				Name:    ec.Name,
				Command: ec.Command,
				Timeout: time.Duration(ec.TimeoutS) * time.Second,
				Retries: ec.Retries,
				Metrics: ec.Metrics,
			})
		}
		stages = append(stages, stage)
	}

	runDir := filepath.Join(cfg.ArtifactsRoot, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ConfigError, "failed to create run directory")
	}
	events, err := NewEventSink(filepath.Join(runDir, "events.jsonl"))
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		store:   st,
		llmFn:   llmFn,
		patcher: patch.NewEngine(patch.Scope(cfg.Evolution.Scope)),
		sampler: prompt.NewSampler(cfg.Sampler.BudgetTokens),
		pool: metaprompt.New(st, runID, metaprompt.Options{
			Population:    cfg.MetaPrompt.Population,
			MutationProb:  cfg.MetaPrompt.MutationProb,
			SelectionTopK: cfg.MetaPrompt.SelectionTopK,
		}, cfg.Seed+1),
		arch: archive.New(archive.Options{
			Capacity:        cfg.Archive.Capacity,
			KNovelty:        cfg.Archive.KNovelty,
			AgeingThreshold: cfg.Archive.AgeingThreshold,
		}, minimize, cfg.Seed),
		casc: cascade.New(stages, thresholds, cascade.Options{
			MaxParallel:  cfg.Cascade.MaxParallel,
			CancelOnFail: cfg.Cascade.CancelOnFail,
		}),
		events:      events,
		logger:      logging.GetLogger(),
		runID:       runID,
		runDir:      runDir,
		targetPath:  filepath.Join(cfg.Task.Workdir, cfg.Task.TargetFile),
		metricNames: names,
	}, nil
}

// Archive exposes the in-memory archive, mainly for inspection and tests.
func (e *Engine) Archive() *archive.Archive { return e.arch }

// Close releases the event sink.
func (e *Engine) Close() error { return e.events.Close() }

// candID derives a stable candidate id from run, generation and slot, so
// identical runs produce identical candidate sequences.
func (e *Engine) candID(gen, slot int) string {
	name := fmt.Sprintf("%s/gen%04d/slot%02d", e.runID, gen, slot)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// Start creates the run if it does not exist, or resumes it: the seed
// candidate is inserted once, the meta-prompt pool is seeded, and the
// archive is rebuilt from accepted candidates in insertion order.
func (e *Engine) Start(ctx context.Context) error {
	ctx = logging.WithRunID(ctx, e.runID)

	source, err := os.ReadFile(e.targetPath)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.ConfigError, "failed to read target file"),
			errors.Fields{"path": e.targetPath},
		)
	}
	if _, err := patch.ExtractBlocks(string(source)); err != nil {
		return errors.Wrap(err, errors.ConfigError, "target file has malformed evolve blocks")
	}

	run, err := e.store.GetRun(e.runID)
	if err != nil {
		return err
	}
	if run == nil {
		frozen, err := json.MarshalIndent(e.cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, errors.ConfigError, "failed to freeze config")
		}
		if _, err := e.store.CreateRun(e.runID, string(frozen)); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(e.runDir, "config.json"), frozen, 0o644); err != nil {
			return errors.Wrap(err, errors.ConfigError, "failed to write frozen config")
		}

		seed := &store.Candidate{
			CandID:       e.candID(0, 0),
			RunID:        e.runID,
			MetaPromptID: "",
			Filepath:     e.cfg.Task.TargetFile,
			CodeSnapshot: string(source),
			Generation:   0,
			CreatedAt:    time.Now().UTC(),
		}
		if err := e.store.InsertCandidateWithEvals(seed, nil); err != nil {
			return err
		}
		e.logger.Info(ctx, "created run with seed candidate %s", seed.CandID)
	} else {
		e.logger.Info(ctx, "resuming run started at %s", run.StartedAt.Format(time.RFC3339))
	}

	if err := e.pool.Seed(); err != nil {
		return err
	}
	return e.rebuildArchive()
}

// rebuildArchive replays accepted candidates into a fresh in-memory archive.
func (e *Engine) rebuildArchive() error {
	accepted, err := e.store.ListAccepted(e.runID)
	if err != nil {
		return err
	}
	ids := make([]string, len(accepted))
	for i, cand := range accepted {
		ids[i] = cand.CandID
	}
	evals, err := e.store.CandidateEvals(ids)
	if err != nil {
		return err
	}
	for _, cand := range accepted {
		e.arch.Insert(cand, e.metricVector(evals[cand.CandID]))
	}
	return nil
}

// metricVector projects evaluation rows onto the configured metrics.
func (e *Engine) metricVector(rows []store.Evaluation) map[string]float64 {
	out := make(map[string]float64, len(e.metricNames))
	for _, row := range rows {
		if _, ok := e.cfg.Metrics[row.Metric]; ok {
			out[row.Metric] = row.Value
		}
	}
	return out
}

// Evolve advances the run to the configured generation count. Resuming a
// run continues from the highest persisted generation plus one.
func (e *Engine) Evolve(ctx context.Context) error {
	ctx = logging.WithRunID(ctx, e.runID)

	latest, err := e.store.LatestGeneration(e.runID)
	if err != nil {
		return err
	}
	for gen := latest + 1; gen <= e.cfg.Generations; gen++ {
		if err := e.runGeneration(ctx, gen); err != nil {
			e.events.Emit(Event{
				Type:       EventFatal,
				RunID:      e.runID,
				Generation: gen,
				Error:      err.Error(),
			})
			return err
		}
	}
	return nil
}

// slotState threads one slot through prompt assembly, the LLM call, and the
// sequential apply/evaluate/persist phase.
type slotState struct {
	index    int
	meta     *store.MetaPrompt
	parents  []string
	prompt   string
	response string
	failErr  error
}

func (e *Engine) runGeneration(ctx context.Context, gen int) error {
	ctx = logging.WithGeneration(ctx, gen)
	e.logger.Info(ctx, "starting generation %d", gen)

	genDir := filepath.Join(e.runDir, fmt.Sprintf("gen_%03d", gen))
	if err := os.MkdirAll(genDir, 0o755); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to create generation directory")
	}

	templates, err := e.pool.Sample(e.cfg.PopulationSize)
	if err != nil {
		return err
	}

	// Prompt assembly is sequential so archive and failure sampling stay
	// deterministic for a fixed seed.
	slots := make([]*slotState, e.cfg.PopulationSize)
	for i := range slots {
		slots[i] = e.prepareSlot(i, templates[i], genDir)
	}

	// LLM calls suspend independently; every slot awaits its own call.
	p := pool.New().WithMaxGoroutines(e.cfg.PopulationSize)
	for _, slot := range slots {
		if slot.failErr != nil {
			continue
		}
		slot := slot
		p.Go(func() {
			slot.response, slot.failErr = e.llmFn(ctx, slot.prompt)
		})
	}
	p.Wait()

	// Apply, evaluate and persist in slot order under the target file lock.
	for _, slot := range slots {
		if err := errors.CheckContext(ctx, "generation"); err != nil {
			e.logger.Warn(ctx, "generation %d interrupted after slot %d", gen, slot.index)
			return err
		}
		if err := e.runSlot(ctx, gen, slot, genDir); err != nil {
			return err
		}
	}

	e.events.Emit(Event{
		Type:        EventGeneration,
		RunID:       e.runID,
		Generation:  gen,
		ArchiveSize: e.arch.Len(),
	})
	e.logger.Info(ctx, "generation %d complete, archive size %d", gen, e.arch.Len())
	return nil
}

// prepareSlot samples parents and assembles the slot's prompt. Assembly
// failures (PromptTooLarge) are deferred to the slot phase as rejections.
func (e *Engine) prepareSlot(index int, meta *store.MetaPrompt, genDir string) *slotState {
	slot := &slotState{index: index, meta: meta}

	parents := e.arch.SampleMixture(
		e.cfg.Selection.Elite, e.cfg.Selection.Novel, e.cfg.Selection.Young,
	)
	for _, parent := range parents {
		slot.parents = append(slot.parents, parent.CandID)
	}

	source, err := os.ReadFile(e.targetPath)
	if err != nil {
		slot.failErr = errors.Wrap(err, errors.Unknown, "failed to read target file")
		return slot
	}

	inputs := prompt.Inputs{
		MetaPromptTemplate: meta.Template,
		RunID:              e.runID,
		TaskDescription:    e.cfg.Task.Description,
		TargetFile:         e.cfg.Task.TargetFile,
		CurrentCode:        string(source),
		MetricNames:        e.metricNames,
	}
	for _, m := range e.arch.TopByRank(e.cfg.Sampler.ElitesK) {
		inputs.Elites = append(inputs.Elites, prompt.Exemplar{Candidate: m.Candidate, Metrics: m.Metrics})
	}
	for _, m := range e.arch.TopByNovelty(e.cfg.Sampler.NovelM) {
		inputs.Novel = append(inputs.Novel, prompt.Exemplar{Candidate: m.Candidate, Metrics: m.Metrics})
	}
	failures, err := e.failureExemplars()
	if err != nil {
		slot.failErr = err
		return slot
	}
	inputs.Failures = failures

	slot.prompt, err = e.sampler.Assemble(inputs)
	if err != nil {
		slot.failErr = err
		return slot
	}

	mirror := filepath.Join(genDir, fmt.Sprintf("candidate_%02d_prompt.txt", index))
	if err := os.WriteFile(mirror, []byte(slot.prompt), 0o644); err != nil {
		e.logger.Warn(context.Background(), "failed to mirror prompt: %v", err)
	}
	return slot
}

// failureExemplars loads recent failed candidates with their error tags.
func (e *Engine) failureExemplars() ([]prompt.Exemplar, error) {
	failed, err := e.store.RecentFailures(e.runID, e.cfg.Sampler.IncludeFailures)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(failed))
	for i, cand := range failed {
		ids[i] = cand.CandID
	}
	evals, err := e.store.CandidateEvals(ids)
	if err != nil {
		return nil, err
	}

	out := make([]prompt.Exemplar, 0, len(failed))
	for _, cand := range failed {
		ex := prompt.Exemplar{Candidate: cand, Metrics: e.metricVector(evals[cand.CandID])}
		for _, row := range evals[cand.CandID] {
			if !row.Passed && row.Error != "" {
				ex.Error = row.Error
				break
			}
		}
		out = append(out, ex)
	}
	return out, nil
}

// runSlot converts one LLM response into a persisted candidate: apply the
// patch, run the cascade, commit or revert, persist, then feed the archive
// and the meta-prompt pool. Patch, evaluator and LLM errors become rejected
// candidates; only store and revert errors propagate.
func (e *Engine) runSlot(ctx context.Context, gen int, slot *slotState, genDir string) error {
	candID := e.candID(gen, slot.index)
	ctx = logging.WithCandidateID(ctx, candID)

	e.patcher.Lock()
	defer e.patcher.Unlock()

	baseline, err := os.ReadFile(e.targetPath)
	if err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to read target file")
	}

	cand := &store.Candidate{
		CandID:       candID,
		RunID:        e.runID,
		ParentIDs:    slot.parents,
		MetaPromptID: slot.meta.MetaPromptID,
		Filepath:     e.cfg.Task.TargetFile,
		Patch:        slot.response,
		CodeSnapshot: string(baseline),
		Generation:   gen,
		CreatedAt:    time.Now().UTC(),
	}

	if slot.failErr != nil {
		return e.rejectSlot(ctx, cand, slot, rejectionTag(slot.failErr))
	}

	parsed, err := patch.Parse(slot.response)
	if err != nil {
		return e.rejectSlot(ctx, cand, slot, rejectionTag(err))
	}

	outcome, err := e.patcher.Apply(e.targetPath, parsed)
	if err != nil {
		if errors.IsFatal(err) {
			return err
		}
		return e.rejectSlot(ctx, cand, slot, rejectionTag(err))
	}
	cand.CodeSnapshot = outcome.NewSource
	e.mirrorSlotFiles(genDir, slot.index, slot.response, outcome.NewSource)

	result, err := e.casc.Run(ctx, e.targetPath)
	if err != nil {
		// Shutdown mid-evaluation: restore the file and exit cleanly; the
		// candidate was never persisted.
		if revertErr := e.patcher.Revert(e.targetPath, outcome.Snapshot); revertErr != nil {
			return revertErr
		}
		return err
	}

	if !result.Accepted && e.cfg.Evolution.ApplySafeRevert {
		if err := e.patcher.Revert(e.targetPath, outcome.Snapshot); err != nil {
			return err
		}
	}

	if err := e.store.InsertCandidateWithEvals(cand, result.Rows); err != nil {
		return err
	}
	e.mirrorSummary(genDir, slot.index, result.Rows)

	accepted := result.Accepted
	rank := 0
	if accepted {
		var retained bool
		rank, retained = e.arch.Insert(cand, e.metricVector(result.Rows))
		e.persistArchiveViews()
		e.logger.Debug(ctx, "candidate accepted at rank %d (retained=%v)", rank, retained)
	}
	if err := e.pool.Attribute(slot.meta.MetaPromptID, rank, accepted); err != nil {
		return err
	}

	e.events.Emit(Event{
		Type:         EventSlot,
		RunID:        e.runID,
		Generation:   gen,
		Slot:         slot.index,
		CandID:       candID,
		MetaPromptID: slot.meta.MetaPromptID,
		Accepted:     accepted,
		ArchiveSize:  e.arch.Len(),
	})
	return nil
}

// rejectSlot persists a rejected candidate: the candidate row plus one
// synthetic failed evaluation row carrying the error tag. Rejection is a
// first-class outcome distinct from an applied-but-failed evaluation.
func (e *Engine) rejectSlot(ctx context.Context, cand *store.Candidate, slot *slotState, tag string) error {
	rows := []store.Evaluation{{
		Metric: cascade.CascadeMetric,
		Passed: false,
		Error:  tag,
	}}
	if err := e.store.InsertCandidateWithEvals(cand, rows); err != nil {
		return err
	}
	if err := e.pool.Attribute(slot.meta.MetaPromptID, 0, false); err != nil {
		return err
	}

	e.logger.Warn(ctx, "slot %d rejected: %s", slot.index, tag)
	e.events.Emit(Event{
		Type:         EventSlot,
		RunID:        e.runID,
		Generation:   cand.Generation,
		Slot:         slot.index,
		CandID:       cand.CandID,
		MetaPromptID: slot.meta.MetaPromptID,
		Rejected:     true,
		Error:        tag,
	})
	return nil
}

// rejectionTag compresses an error into the short tag shown in inspection.
func rejectionTag(err error) string {
	switch errors.Code(err) {
	case errors.LLMTimeout:
		return "llm_timeout"
	case errors.LLMError:
		return "llm_error"
	case errors.PromptTooLarge:
		return "prompt_too_large"
	}
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}

// persistArchiveViews writes back novelty and age for every member. These
// are advisory; failures are logged and the run continues.
func (e *Engine) persistArchiveViews() {
	for _, m := range e.arch.Members() {
		if err := e.store.PersistArchiveView(m.Candidate.CandID, m.Novelty, m.Age); err != nil {
			e.logger.Warn(context.Background(), "failed to persist archive view: %v", err)
		}
	}
}

// mirrorSlotFiles writes the patch and post-apply snapshot next to the
// prompt for human inspection.
func (e *Engine) mirrorSlotFiles(genDir string, index int, patchText, snapshot string) {
	patchPath := filepath.Join(genDir, fmt.Sprintf("candidate_%02d_patch.txt", index))
	if err := os.WriteFile(patchPath, []byte(patchText), 0o644); err != nil {
		e.logger.Warn(context.Background(), "failed to mirror patch: %v", err)
	}
	snapPath := filepath.Join(genDir, fmt.Sprintf("candidate_%02d_snapshot%s", index, filepath.Ext(e.cfg.Task.TargetFile)))
	if err := os.WriteFile(snapPath, []byte(snapshot), 0o644); err != nil {
		e.logger.Warn(context.Background(), "failed to mirror snapshot: %v", err)
	}
}

// mirrorSummary writes the evaluator outputs for one slot as JSON.
func (e *Engine) mirrorSummary(genDir string, index int, rows []store.Evaluation) {
	payload, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(genDir, fmt.Sprintf("candidate_%02d_summary.json", index))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		e.logger.Warn(context.Background(), "failed to mirror summary: %v", err)
	}
}
