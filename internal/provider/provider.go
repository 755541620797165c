// Package provider implements the uniform call surface over heterogeneous LLM
// backends. Adapters differ only in request/response shape; callers never
// branch on provider identity beyond adapter selection.
package provider

import (
	"context"
	"fmt"

	"github.com/noema-labs/noema-qa/config"
	"github.com/noema-labs/noema-qa/internal/router"
)

// Result carries generated text and token accounting from one call.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Generator is the capability every adapter implements.
type Generator interface {
	Generate(ctx context.Context, prompt, modelID string) (Result, error)
}

// Error is returned on transport failures and non-2xx provider responses. It
// carries enough detail for diagnostics but never credentials.
type Error struct {
	Provider string
	Status   int
	Body     string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s provider error: status %d: %s", e.Provider, e.Status, e.Body)
	}
	return fmt.Sprintf("%s provider error: %s", e.Provider, e.Body)
}

const maxErrorBody = 512

func truncateBody(body string) string {
	if len(body) > maxErrorBody {
		return body[:maxErrorBody]
	}
	return body
}

// NewAdapters builds the adapter set from configuration. The mock adapter is
// always present so the router's mock route can be served.
func NewAdapters(ctx context.Context, cfg config.LLMConfig) (map[router.ProviderTag]Generator, error) {
	adapters := map[router.ProviderTag]Generator{
		router.ProviderMock: NewMock(),
	}
	if p, ok := cfg.Providers[string(router.ProviderOpenAI)]; ok && p.APIKey != "" {
		adapters[router.ProviderOpenAI] = NewOpenAI(p.APIKey, p.Endpoint, p.Timeout)
	}
	if p, ok := cfg.Providers[string(router.ProviderBedrock)]; ok && p.Region != "" {
		b, err := NewBedrock(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("bedrock adapter: %w", err)
		}
		adapters[router.ProviderBedrock] = b
	}
	return adapters, nil
}
