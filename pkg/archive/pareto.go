package archive

import (
	"math"
	"sort"
)

// dominates reports whether metric vector a dominates b: no worse on every
// objective and strictly better on at least one, respecting per-metric
// direction.
func dominates(a, b map[string]float64, names []string, minimize map[string]bool) bool {
	strictlyBetter := false
	for _, name := range names {
		av, bv := a[name], b[name]
		if minimize[name] {
			av, bv = -av, -bv
		}
		if av < bv {
			return false
		}
		if av > bv {
			strictlyBetter = true
		}
	}
	return strictlyBetter
}

// computeRanks assigns Pareto ranks by peeling: rank 0 is the non-dominated
// front, then the front of the remainder, and so on.
func (a *Archive) computeRanks() {
	remaining := make([]*Member, len(a.members))
	copy(remaining, a.members)

	rank := 0
	for len(remaining) > 0 {
		var front, rest []*Member
		for _, m := range remaining {
			dominated := false
			for _, other := range remaining {
				if other == m {
					continue
				}
				if dominates(other.Metrics, m.Metrics, a.metricNames, a.minimize) {
					dominated = true
					break
				}
			}
			if dominated {
				rest = append(rest, m)
			} else {
				front = append(front, m)
			}
		}
		for _, m := range front {
			m.Rank = rank
		}
		remaining = rest
		rank++
	}
}

// recomputeNovelty refreshes every member's novelty: mean Euclidean distance
// to its k nearest neighbours over min-max normalised metric vectors, using
// the archive's current extrema.
func (a *Archive) recomputeNovelty() {
	lo, hi := a.extrema()

	normalised := make([][]float64, len(a.members))
	for i, m := range a.members {
		vec := make([]float64, len(a.metricNames))
		for j, name := range a.metricNames {
			span := hi[name] - lo[name]
			if span > 0 {
				vec[j] = (m.Metrics[name] - lo[name]) / span
			}
		}
		normalised[i] = vec
	}

	for i, m := range a.members {
		if len(a.members) < 2 {
			m.Novelty = 0
			continue
		}
		distances := make([]float64, 0, len(a.members)-1)
		for j, other := range normalised {
			if j == i {
				continue
			}
			distances = append(distances, euclidean(normalised[i], other))
		}
		sort.Float64s(distances)
		k := a.kNovelty
		if k > len(distances) {
			k = len(distances)
		}
		sum := 0.0
		for _, d := range distances[:k] {
			sum += d
		}
		m.Novelty = sum / float64(k)
	}
}

func (a *Archive) extrema() (lo, hi map[string]float64) {
	lo = make(map[string]float64, len(a.metricNames))
	hi = make(map[string]float64, len(a.metricNames))
	for _, name := range a.metricNames {
		lo[name] = math.Inf(1)
		hi[name] = math.Inf(-1)
	}
	for _, m := range a.members {
		for _, name := range a.metricNames {
			v := m.Metrics[name]
			if v < lo[name] {
				lo[name] = v
			}
			if v > hi[name] {
				hi[name] = v
			}
		}
	}
	return lo, hi
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
