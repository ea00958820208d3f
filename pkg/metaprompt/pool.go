// Package metaprompt co-evolves the population of instruction templates
// that steer each generation's LLM calls.
package metaprompt

import (
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openevolve/openevolve-go/pkg/store"
)

// DefaultTemplates seed every new run's pool.
var DefaultTemplates = []string{
	"You are an expert software engineer. Optimise for correctness first, then speed. Provide concise diffs.",
	"Act as a performance specialist. Prefer aggressive refactors and explain reasoning briefly before the diff.",
	"Adopt a test-driven mindset. Outline failing tests you expect to pass after the change, then provide the patch.",
	"Balance exploration and exploitation: propose a bold modification but ensure compatibility with existing tests.",
}

// mutations is the fixed surface-mutation table. Each appends one directive
// sentence; applying the same mutation twice is a no-op.
var mutations = []string{
	"Focus on micro-optimisations and data-structure tuning.",
	"Include one unconventional idea or alternative approach.",
	"List quick checks or tests before writing the patch.",
	"Keep explanations under three sentences.",
	"Limit edits to the most relevant EVOLVE blocks and avoid broad refactors.",
}

// emaWeight is the exponential moving average weight for fitness updates.
const emaWeight = 0.2

// Options bound the pool.
type Options struct {
	Population    int
	MutationProb  float64
	SelectionTopK int
}

// Pool is the bounded population of instruction templates for one run.
// Retired templates stay in the Store but stop being sampled.
type Pool struct {
	store  *store.Store
	runID  string
	opts   Options
	rng    *rand.Rand
	active []*store.MetaPrompt // sampling candidates, insertion order
	now    func() time.Time
}

// New creates a pool over the run's templates. seed fixes mutation and
// tournament draws.
func New(s *store.Store, runID string, opts Options, seed int64) *Pool {
	return &Pool{
		store: s,
		runID: runID,
		opts:  opts,
		rng:   rand.New(rand.NewSource(seed)),
		now:   time.Now,
	}
}

// Seed loads the run's templates from the Store, inserting the built-in set
// when the run has none. The active set is the top Population by fitness.
func (p *Pool) Seed() error {
	existing, err := p.store.ListMetaPrompts(p.runID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		for _, template := range DefaultTemplates {
			mp := &store.MetaPrompt{
				MetaPromptID: uuid.NewString(),
				RunID:        p.runID,
				Template:     template,
			}
			if err := p.store.InsertMetaPrompt(mp); err != nil {
				return err
			}
			existing = append(existing, mp)
		}
	}
	p.active = existing
	p.trim()
	return nil
}

// Sample returns n templates, one per generation slot, cycling over the
// active set ordered by fitness. With probability MutationProb a freshly
// mutated template joins the pool first. last_used is updated for every
// returned template.
func (p *Pool) Sample(n int) ([]*store.MetaPrompt, error) {
	if p.rng.Float64() < p.opts.MutationProb {
		if err := p.mutateOne(); err != nil {
			return nil, err
		}
	}

	ranked := p.byFitness()
	out := make([]*store.MetaPrompt, 0, n)
	used := p.now().UTC()
	for i := 0; i < n; i++ {
		mp := ranked[i%len(ranked)]
		mp.LastUsed = used
		if err := p.store.UpdateMetaPromptFitness(mp.MetaPromptID, mp.Fitness, used); err != nil {
			return nil, err
		}
		out = append(out, mp)
	}
	return out, nil
}

// Attribute folds one downstream outcome into the template's fitness EMA.
// Accepted candidates contribute 1/(1+rank_at_insertion); rejections and
// failures contribute zero.
func (p *Pool) Attribute(metaPromptID string, rankAtInsertion int, accepted bool) error {
	reward := 0.0
	if accepted {
		reward = 1.0 / float64(1+rankAtInsertion)
	}
	for _, mp := range p.active {
		if mp.MetaPromptID != metaPromptID {
			continue
		}
		mp.Fitness = (1-emaWeight)*mp.Fitness + emaWeight*reward
		return p.store.UpdateMetaPromptFitness(mp.MetaPromptID, mp.Fitness, mp.LastUsed)
	}
	return nil
}

// mutateOne produces a new template from a tournament winner among the top
// SelectionTopK by fitness and inserts it, trimming the pool to Population.
func (p *Pool) mutateOne() error {
	parent := p.tournament()
	if parent == nil {
		return nil
	}
	child := &store.MetaPrompt{
		MetaPromptID: uuid.NewString(),
		RunID:        p.runID,
		Template:     Mutate(parent.Template, p.rng),
		ParentIDs:    []string{parent.MetaPromptID},
		Fitness:      parent.Fitness,
	}
	if err := p.store.InsertMetaPrompt(child); err != nil {
		return err
	}
	p.active = append(p.active, child)
	p.trim()
	return nil
}

// tournament draws two of the top SelectionTopK by fitness and keeps the
// fitter one.
func (p *Pool) tournament() *store.MetaPrompt {
	if len(p.active) == 0 {
		return nil
	}
	ranked := p.byFitness()
	k := p.opts.SelectionTopK
	if k > len(ranked) {
		k = len(ranked)
	}
	top := ranked[:k]

	a := top[p.rng.Intn(len(top))]
	b := top[p.rng.Intn(len(top))]
	if b.Fitness > a.Fitness {
		return b
	}
	return a
}

// byFitness orders active templates by descending fitness, ties by most
// recent last_used, then id for stability.
func (p *Pool) byFitness() []*store.MetaPrompt {
	out := make([]*store.MetaPrompt, len(p.active))
	copy(out, p.active)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Fitness != out[j].Fitness {
			return out[i].Fitness > out[j].Fitness
		}
		if !out[i].LastUsed.Equal(out[j].LastUsed) {
			return out[i].LastUsed.After(out[j].LastUsed)
		}
		return out[i].MetaPromptID < out[j].MetaPromptID
	})
	return out
}

// trim retires templates beyond Population: lowest fitness first, then
// oldest last_used. Retired templates remain in the Store.
func (p *Pool) trim() {
	for len(p.active) > p.opts.Population {
		worstIdx := 0
		for i, mp := range p.active {
			w := p.active[worstIdx]
			if mp.Fitness < w.Fitness ||
				(mp.Fitness == w.Fitness && mp.LastUsed.Before(w.LastUsed)) {
				worstIdx = i
			}
		}
		p.active = append(p.active[:worstIdx], p.active[worstIdx+1:]...)
	}
}

// Active returns the current sampling candidates in insertion order.
func (p *Pool) Active() []*store.MetaPrompt {
	out := make([]*store.MetaPrompt, len(p.active))
	copy(out, p.active)
	return out
}

// Mutate applies one surface mutation to template, deterministic for a
// given RNG state. A directive already present is not appended twice.
func Mutate(template string, rng *rand.Rand) string {
	directive := mutations[rng.Intn(len(mutations))]
	for _, line := range strings.Split(template, "\n") {
		if strings.TrimSpace(line) == directive {
			return template
		}
	}
	return strings.TrimRight(template, "\n") + "\n" + directive
}
