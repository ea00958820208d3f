// Package prompt assembles the budgeted long-context prompt for one slot.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openevolve/openevolve-go/pkg/errors"
	"github.com/openevolve/openevolve-go/pkg/store"
)

// snippetLines caps the snapshot excerpt included per exemplar.
const snippetLines = 12

// Footer instructs the model on the accepted patch wire formats. It is part
// of the mandatory prompt base.
const Footer = `When returning a patch, respond with JSON of the form
{"diffs": [{"block": <name or "__whole__">, "search": <text>, "replace": <text>}]}.
If a unified diff is necessary, ensure it applies cleanly with exact context.
Respond with only the patch.`

// Exemplar is one archive or failure candidate offered to the model.
type Exemplar struct {
	Candidate *store.Candidate
	Metrics   map[string]float64
	Error     string // non-empty for failed candidates
}

// Inputs carries everything one prompt assembly needs.
type Inputs struct {
	MetaPromptTemplate string
	RunID              string
	TaskDescription    string
	TargetFile         string
	CurrentCode        string
	MetricNames        []string
	Elites             []Exemplar
	Novel              []Exemplar
	Failures           []Exemplar
}

// Sampler assembles prompts under an approximate token budget.
type Sampler struct {
	budget int
}

// NewSampler creates a sampler with budget in approximate tokens
// (bytes/4, rounded up).
func NewSampler(budget int) *Sampler {
	return &Sampler{budget: budget}
}

func approxTokens(s string) int {
	return (len(s) + 3) / 4
}

// Assemble emits sections in fixed order: meta-prompt header, task
// description, current code, then exemplars in rounds of one elite, one
// novel, one failure until the next exemplar would exceed the budget. The
// current code is never truncated; if the mandatory base alone exceeds the
// budget, assembly fails with PromptTooLarge.
func (s *Sampler) Assemble(in Inputs) (string, error) {
	header := fmt.Sprintf(
		"You are improving the program `%s` for run `%s`.\nFollow the meta-instruction template below when producing changes.",
		in.TargetFile, in.RunID,
	)

	base := []string{
		header,
		strings.TrimSpace(in.MetaPromptTemplate),
		"Task description: " + strings.TrimSpace(in.TaskDescription),
		"Metrics optimised: " + strings.Join(sortedNames(in.MetricNames), ", "),
		"Current code:\n" + in.CurrentCode,
		Footer,
	}

	sections := make([]string, 0, len(base))
	used := 0
	for _, piece := range base {
		sections = append(sections, piece)
		used += approxTokens(piece)
	}
	if used > s.budget {
		return "", errors.WithFields(
			errors.New(errors.PromptTooLarge, "mandatory prompt sections exceed token budget"),
			errors.Fields{"budget": s.budget, "tokens": used},
		)
	}

	// Exemplar rounds. Pools advance independently so an exhausted pool
	// does not stall the others.
	pools := []struct {
		label string
		items []Exemplar
	}{
		{"Elite exemplar", in.Elites},
		{"Novel exemplar", in.Novel},
		{"Failed candidate", in.Failures},
	}
	cursors := make([]int, len(pools))

	for {
		progressed := false
		for i, pool := range pools {
			if cursors[i] >= len(pool.items) {
				continue
			}
			rendered := renderExemplar(pool.label, pool.items[cursors[i]])
			cost := approxTokens(rendered)
			if used+cost > s.budget {
				cursors[i] = len(pool.items) // budget reached for this pool
				continue
			}
			sections = append(sections, rendered)
			used += cost
			cursors[i]++
			progressed = true
		}
		if !progressed {
			break
		}
	}

	return strings.Join(sections, "\n\n"), nil
}

func sortedNames(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}

// renderExemplar formats one candidate summary: metrics, patch, and a
// truncated snapshot excerpt.
func renderExemplar(label string, ex Exemplar) string {
	cand := ex.Candidate

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Candidate %s (gen %d, novelty=%.3f)\n", label, cand.CandID, cand.Generation, cand.Novelty)

	if len(ex.Metrics) > 0 {
		names := make([]string, 0, len(ex.Metrics))
		for name := range ex.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%.3f", name, ex.Metrics[name]))
		}
		fmt.Fprintf(&b, "Metrics: %s\n", strings.Join(parts, ", "))
	}
	if ex.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", ex.Error)
	}

	patchText := strings.TrimSpace(cand.Patch)
	if patchText == "" {
		patchText = "<empty>"
	}
	fmt.Fprintf(&b, "Patch:\n%s\n", patchText)

	snippet := cand.CodeSnapshot
	if lines := strings.Split(snippet, "\n"); len(lines) > snippetLines {
		snippet = strings.Join(lines[:snippetLines], "\n")
	}
	if snippet != "" {
		fmt.Fprintf(&b, "Snapshot:\n%s", snippet)
	}
	return strings.TrimRight(b.String(), "\n")
}
