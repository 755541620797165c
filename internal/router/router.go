// Package router picks a provider and model tier for a question. Selection is
// a pure function of configuration, question length and context size; it never
// calls a provider.
package router

import "github.com/noema-labs/noema-qa/config"

// ProviderTag names a provider adapter.
type ProviderTag string

const (
	ProviderOpenAI  ProviderTag = "openai"
	ProviderBedrock ProviderTag = "bedrock"
	ProviderMock    ProviderTag = "mock"
)

// MockModelID is the pseudo-model used when no provider is configured.
const MockModelID = "mock"

// priorityOrder is the fixed preference when no provider is forced.
var priorityOrder = []ProviderTag{ProviderOpenAI, ProviderBedrock}

const (
	defaultShortQuestionChars = 120
	defaultLargeContextChars  = 2800
)

// Route is the outcome of a selection.
type Route struct {
	Provider ProviderTag
	ModelID  string
}

// Qualified returns the provider-qualified model identifier recorded on answers.
func (r Route) Qualified() string {
	return string(r.Provider) + ":" + r.ModelID
}

// Router holds the routing configuration.
type Router struct {
	explicit           ProviderTag
	tiers              map[ProviderTag]config.ModelTiers
	shortQuestionChars int
	largeContextChars  int
}

// New builds a Router from the LLM configuration section.
func New(cfg config.LLMConfig) *Router {
	tiers := make(map[ProviderTag]config.ModelTiers, len(cfg.Providers))
	for name, p := range cfg.Providers {
		tiers[ProviderTag(name)] = p.Models
	}
	r := &Router{
		explicit:           ProviderTag(cfg.Provider),
		tiers:              tiers,
		shortQuestionChars: cfg.ShortQuestionChars,
		largeContextChars:  cfg.LargeContextChars,
	}
	if r.shortQuestionChars <= 0 {
		r.shortQuestionChars = defaultShortQuestionChars
	}
	if r.largeContextChars <= 0 {
		r.largeContextChars = defaultLargeContextChars
	}
	return r
}

// Select chooses a provider and model for the given question and context size.
func (r *Router) Select(questionText string, contextChars int) Route {
	provider := r.selectProvider()
	if provider == ProviderMock {
		return Route{Provider: ProviderMock, ModelID: MockModelID}
	}
	model := r.selectModel(r.tiers[provider], questionText, contextChars)
	if model == "" {
		return Route{Provider: ProviderMock, ModelID: MockModelID}
	}
	return Route{Provider: provider, ModelID: model}
}

func (r *Router) selectProvider() ProviderTag {
	if r.explicit != "" {
		if _, ok := r.tiers[r.explicit]; ok {
			return r.explicit
		}
	}
	for _, tag := range priorityOrder {
		if t, ok := r.tiers[tag]; ok && (t.Small != "" || t.Mid != "" || t.Large != "") {
			return tag
		}
	}
	return ProviderMock
}

func (r *Router) selectModel(t config.ModelTiers, questionText string, contextChars int) string {
	if len(questionText) < r.shortQuestionChars && t.Small != "" {
		return t.Small
	}
	if contextChars > r.largeContextChars && t.Large != "" {
		return t.Large
	}
	switch {
	case t.Mid != "":
		return t.Mid
	case t.Small != "":
		return t.Small
	case t.Large != "":
		return t.Large
	}
	return ""
}
