// Package llm implements the provider contract and fallback cascade for
// turning one PDF chunk's text into a list of French sentences.
package llm

import (
	"context"
	"fmt"
)

// SegmentRequest is one request to split and clean a chunk of text into
// sentences.
type SegmentRequest struct {
	// Model overrides the provider's configured model for this call, used
	// by the retry cascade's tier escalation. Empty uses the configured
	// default.
	Model string

	// Text is the chunk text to segment. Tier 2 (sub-split) calls this
	// with half the original chunk at a time.
	Text string

	// SentenceLength is the user's target sentence length in words,
	// guiding the prompt's splitting granularity.
	SentenceLength int

	// IgnoreDialogue, when true, instructs the provider to drop
	// quoted/dialogue lines from the output.
	IgnoreDialogue bool

	// MinSentenceLength filters out sentences shorter than this many
	// words from the provider's own output where the provider supports it.
	MinSentenceLength int

	// MinimalPrompt selects tier 3's stripped-down "extract and split
	// only" instruction instead of the full prompt.
	MinimalPrompt bool
}

// Sentence is one segmented sentence as returned by a provider, paired
// with its as-written original form (the provider is asked to preserve
// the original alongside any normalization it performs).
type Sentence struct {
	Original   string `json:"original"`
	Normalized string `json:"normalized"`
}

// SegmentResponse is a provider's segmentation result.
type SegmentResponse struct {
	Sentences  []Sentence
	Model      string
	TokenCount int
}

// Provider is the one operation this system asks of an LLM backend: turn
// chunk text into an ordered sentence list.
type Provider interface {
	Segment(ctx context.Context, req SegmentRequest) (*SegmentResponse, error)
}

// Config configures a single LLM provider endpoint.
type Config struct {
	Provider string `json:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg), nil
	case "lmstudio":
		return NewLMStudio(cfg), nil
	case "openrouter":
		return NewOpenRouter(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "groq":
		return NewGroq(cfg), nil
	case "xai":
		return NewXAI(cfg), nil
	case "gemini":
		return NewGemini(cfg), nil
	case "custom", "":
		return NewOpenAICompat(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// ModelTier names one rung of the {speed < balanced < quality} ladder
// the retry cascade's tier-1 "next heavier model" escalation climbs.
type ModelTier int

const (
	TierSpeed ModelTier = iota
	TierBalanced
	TierQuality
)

func (t ModelTier) String() string {
	switch t {
	case TierSpeed:
		return "speed"
	case TierBalanced:
		return "balanced"
	case TierQuality:
		return "quality"
	default:
		return "unknown"
	}
}

// Next returns the next-heavier tier and whether one exists.
func (t ModelTier) Next() (ModelTier, bool) {
	if t >= TierQuality {
		return t, false
	}
	return t + 1, true
}

// ProviderSet holds the three configured model tiers a job may pick a
// starting point from, and is what the retry cascade escalates across.
type ProviderSet struct {
	tiers [3]Provider
}

// NewProviderSet builds the three-tier provider ladder from per-tier
// configs. A tier whose Config is the zero value is left nil; callers
// that only configure "speed" still get a working single-tier engine.
func NewProviderSet(speed, balanced, quality Config) (*ProviderSet, error) {
	ps := &ProviderSet{}
	configs := [3]Config{speed, balanced, quality}
	for i, cfg := range configs {
		if cfg.Provider == "" && cfg.Model == "" {
			continue
		}
		p, err := NewProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("llm: building tier %s: %w", ModelTier(i), err)
		}
		ps.tiers[i] = p
	}
	if ps.tiers[TierSpeed] == nil {
		return nil, fmt.Errorf("llm: provider set requires at least a speed tier")
	}
	return ps, nil
}

// NewProviderSetFromProviders builds a ProviderSet from already-constructed
// providers, bypassing config-driven construction. Used by tests that
// substitute fakes for network-backed providers, and available to callers
// that already hold Provider values from another source (e.g. a pooled
// client).
func NewProviderSetFromProviders(speed, balanced, quality Provider) *ProviderSet {
	return &ProviderSet{tiers: [3]Provider{speed, balanced, quality}}
}

// At returns the provider configured for tier, or false if that tier
// was never configured.
func (ps *ProviderSet) At(tier ModelTier) (Provider, bool) {
	if tier < TierSpeed || tier > TierQuality || ps.tiers[tier] == nil {
		return nil, false
	}
	return ps.tiers[tier], true
}

// StartTier maps a job's model_preference setting to its starting tier.
func StartTier(modelPreference string) ModelTier {
	switch modelPreference {
	case "balanced":
		return TierBalanced
	case "quality":
		return TierQuality
	default:
		return TierSpeed
	}
}
