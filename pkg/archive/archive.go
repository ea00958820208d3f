// Package archive maintains the bounded multi-objective collection of
// accepted candidates that feeds parent selection.
package archive

import (
	"math/rand"
	"sort"

	"github.com/openevolve/openevolve-go/pkg/store"
)

// Member is an archive entry: a candidate plus its recomputed views.
type Member struct {
	Candidate *store.Candidate
	Metrics   map[string]float64
	Rank      int
	Novelty   float64
	Age       int

	// insertion sequence, for deterministic tie-breaking
	seq int
}

// Options bound the archive.
type Options struct {
	Capacity        int
	KNovelty        int
	AgeingThreshold int
}

// Archive holds accepted candidates only. Mutations are not synchronised
// internally; the engine serialises them through a single-writer discipline.
type Archive struct {
	capacity        int
	kNovelty        int
	ageingThreshold int
	minimize        map[string]bool
	metricNames     []string
	members         []*Member
	rng             *rand.Rand
	nextSeq         int
}

// New creates an archive. minimize maps each metric name to its direction;
// seed fixes the sampling RNG.
func New(opts Options, minimize map[string]bool, seed int64) *Archive {
	names := make([]string, 0, len(minimize))
	for name := range minimize {
		names = append(names, name)
	}
	sort.Strings(names)

	kNovelty := opts.KNovelty
	if kNovelty < 1 {
		kNovelty = 1
	}
	return &Archive{
		capacity:        opts.Capacity,
		kNovelty:        kNovelty,
		ageingThreshold: opts.AgeingThreshold,
		minimize:        minimize,
		metricNames:     names,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

// Len returns the current member count.
func (a *Archive) Len() int { return len(a.members) }

// Members returns the members in insertion order.
func (a *Archive) Members() []*Member {
	out := make([]*Member, len(a.members))
	copy(out, a.members)
	return out
}

// Insert adds an accepted candidate. Every existing member ages by one.
// Returns the candidate's Pareto rank at insertion and whether it was
// retained after eviction. The rank is computed even when the candidate is
// evicted immediately, because meta-prompt fitness attribution needs it.
func (a *Archive) Insert(cand *store.Candidate, metrics map[string]float64) (rank int, retained bool) {
	for _, m := range a.members {
		m.Age++
	}

	member := &Member{
		Candidate: cand,
		Metrics:   metrics,
		seq:       a.nextSeq,
	}
	a.nextSeq++
	a.members = append(a.members, member)

	a.computeRanks()
	a.recomputeNovelty()

	rank = member.Rank
	if len(a.members) > a.capacity {
		evicted := a.evictOne()
		a.computeRanks()
		a.recomputeNovelty()
		if evicted == member {
			return rank, false
		}
	}
	return rank, true
}

// evictOne removes and returns the worst member. Aged dominated members go
// first; otherwise the worst by (highest rank, lowest novelty, oldest).
// Rank-0 members are exempt unless the whole archive is rank-0, in which
// case lowest novelty wins.
func (a *Archive) evictOne() *Member {
	var pool []*Member
	for _, m := range a.members {
		if m.Age > a.ageingThreshold && m.Rank > 0 {
			pool = append(pool, m)
		}
	}
	if len(pool) == 0 {
		allRankZero := true
		for _, m := range a.members {
			if m.Rank > 0 {
				allRankZero = false
				break
			}
		}
		for _, m := range a.members {
			if allRankZero || m.Rank > 0 {
				pool = append(pool, m)
			}
		}
	}

	worst := pool[0]
	for _, m := range pool[1:] {
		if worseThan(m, worst) {
			worst = m
		}
	}

	for i, m := range a.members {
		if m == worst {
			a.members = append(a.members[:i], a.members[i+1:]...)
			break
		}
	}
	return worst
}

// worseThan orders eviction candidates: higher rank, then lower novelty,
// then older created_at, then insertion sequence.
func worseThan(m, other *Member) bool {
	if m.Rank != other.Rank {
		return m.Rank > other.Rank
	}
	if m.Novelty != other.Novelty {
		return m.Novelty < other.Novelty
	}
	if !m.Candidate.CreatedAt.Equal(other.Candidate.CreatedAt) {
		return m.Candidate.CreatedAt.Before(other.Candidate.CreatedAt)
	}
	return m.seq < other.seq
}

// sortedCopy returns members ordered by less, ties broken by insertion
// sequence then cand_id.
func (a *Archive) sortedCopy(less func(x, y *Member) bool) []*Member {
	out := make([]*Member, len(a.members))
	copy(out, a.members)
	sort.SliceStable(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		if out[i].seq != out[j].seq {
			return out[i].seq < out[j].seq
		}
		return out[i].Candidate.CandID < out[j].Candidate.CandID
	})
	return out
}

// TopByRank returns up to k members with the lowest Pareto rank.
func (a *Archive) TopByRank(k int) []*Member {
	out := a.sortedCopy(func(x, y *Member) bool { return x.Rank < y.Rank })
	if k < len(out) {
		out = out[:k]
	}
	return out
}

// TopByNovelty returns up to k members with the highest novelty.
func (a *Archive) TopByNovelty(k int) []*Member {
	out := a.sortedCopy(func(x, y *Member) bool { return x.Novelty > y.Novelty })
	if k < len(out) {
		out = out[:k]
	}
	return out
}

// SampleMixture draws parents for the next generation: elite members by
// lowest rank, novel members by highest novelty, young members by lowest
// age. Each category is a weighted draw without replacement from the seeded
// RNG; the union is deduplicated preserving first appearance.
func (a *Archive) SampleMixture(elite, novel, young int) []*store.Candidate {
	var picked []*Member
	picked = append(picked, a.weightedSample(elite, func(m *Member) float64 {
		return 1.0 / float64(1+m.Rank)
	})...)
	picked = append(picked, a.weightedSample(novel, func(m *Member) float64 {
		return m.Novelty + 1e-9
	})...)
	picked = append(picked, a.weightedSample(young, func(m *Member) float64 {
		return 1.0 / float64(1+m.Age)
	})...)

	seen := make(map[string]struct{}, len(picked))
	var out []*store.Candidate
	for _, m := range picked {
		if _, dup := seen[m.Candidate.CandID]; dup {
			continue
		}
		seen[m.Candidate.CandID] = struct{}{}
		out = append(out, m.Candidate)
	}
	return out
}

// weightedSample draws up to n members without replacement, probability
// proportional to weight. Iteration over a deterministic ordering keeps the
// draw reproducible for a fixed seed.
func (a *Archive) weightedSample(n int, weight func(*Member) float64) []*Member {
	if n <= 0 || len(a.members) == 0 {
		return nil
	}
	pool := a.sortedCopy(func(x, y *Member) bool { return false })

	var out []*Member
	for len(out) < n && len(pool) > 0 {
		total := 0.0
		for _, m := range pool {
			total += weight(m)
		}
		target := a.rng.Float64() * total
		idx := 0
		acc := 0.0
		for i, m := range pool {
			acc += weight(m)
			if target < acc {
				idx = i
				break
			}
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}
