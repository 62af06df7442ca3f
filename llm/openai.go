package llm

import "context"

// openAIProvider implements Provider for the OpenAI chat completions API.
//
// API key: set via Config.APIKey; no environment variable is read.
type openAIProvider struct {
	base openAICompatClient
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &openAIProvider{base: newOpenAICompatClient(cfg)}
}

func (p *openAIProvider) Segment(ctx context.Context, req SegmentRequest) (*SegmentResponse, error) {
	return p.base.segment(ctx, req)
}
