package llm

import "context"

// ollamaProvider implements Provider for Ollama's native API via its
// OpenAI-compatible chat endpoint.
type ollamaProvider struct {
	base openAICompatClient
}

// NewOllama creates a provider for Ollama.
func NewOllama(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &ollamaProvider{base: newOpenAICompatClient(cfg)}
}

func (p *ollamaProvider) Segment(ctx context.Context, req SegmentRequest) (*SegmentResponse, error) {
	return p.base.segment(ctx, req)
}
