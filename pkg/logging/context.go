package logging

import "context"

type contextKey string

const (
	runIDKey       contextKey = "run_id"
	generationKey  contextKey = "generation"
	candidateIDKey contextKey = "candidate_id"
)

// WithRunID attaches a run identifier to the context for log correlation.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// GetRunID extracts the run identifier from the context.
func GetRunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey).(string)
	return id, ok
}

// WithGeneration attaches the current generation number to the context.
func WithGeneration(ctx context.Context, gen int) context.Context {
	return context.WithValue(ctx, generationKey, gen)
}

// GetGeneration extracts the generation number from the context.
func GetGeneration(ctx context.Context) (int, bool) {
	gen, ok := ctx.Value(generationKey).(int)
	return gen, ok
}

// WithCandidateID attaches a candidate identifier to the context.
func WithCandidateID(ctx context.Context, candID string) context.Context {
	return context.WithValue(ctx, candidateIDKey, candID)
}

// GetCandidateID extracts the candidate identifier from the context.
func GetCandidateID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(candidateIDKey).(string)
	return id, ok
}
