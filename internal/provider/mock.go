package provider

import "context"

// Mock is the deterministic no-op adapter used when no real provider is
// configured. It never performs network I/O; the worker turns its empty text
// into a context-derived fallback answer.
type Mock struct{}

// NewMock builds a Mock adapter.
func NewMock() *Mock {
	return &Mock{}
}

// Generate returns an empty result without calling out.
func (m *Mock) Generate(ctx context.Context, prompt, modelID string) (Result, error) {
	return Result{}, nil
}
