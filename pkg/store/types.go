package store

import (
	"strings"
	"time"
)

// Run is the persistent record of one evolution run.
type Run struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	ConfigJSON string    `json:"config_json"`
}

// Candidate is a produced program variant. Candidates are immutable after
// creation; novelty and age are archive views persisted opportunistically.
type Candidate struct {
	CandID       string    `json:"cand_id"`
	RunID        string    `json:"run_id"`
	ParentIDs    []string  `json:"parent_ids"`
	MetaPromptID string    `json:"meta_prompt_id"`
	Filepath     string    `json:"filepath"`
	Patch        string    `json:"patch"`
	CodeSnapshot string    `json:"code_snapshot"`
	Generation   int       `json:"generation"`
	Novelty      float64   `json:"novelty"`
	Age          int       `json:"age"`
	CreatedAt    time.Time `json:"created_at"`
}

// Evaluation is one metric row for a candidate. A candidate is accepted iff
// every one of its rows has Passed true.
type Evaluation struct {
	EvalID    int64     `json:"eval_id"`
	CandID    string    `json:"cand_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Passed    bool      `json:"passed"`
	CostMS    int64     `json:"cost_ms"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MetaPrompt is an instruction template. Fitness and LastUsed are updated in
// place; templates are never deleted.
type MetaPrompt struct {
	MetaPromptID string    `json:"meta_prompt_id"`
	RunID        string    `json:"run_id"`
	Template     string    `json:"template"`
	ParentIDs    []string  `json:"parent_ids"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
	Fitness      float64   `json:"fitness"`
}

// joinIDs encodes an ordered parent list as a comma-separated string.
func joinIDs(ids []string) string {
	return strings.Join(ids, ",")
}

// splitIDs decodes a comma-separated parent list, dropping empty segments.
func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
