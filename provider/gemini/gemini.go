package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ineyio/quotagate"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider is the Gemini API adapter.
type Provider struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client
	sampling   quotagate.Sampling
}

var _ quotagate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithName overrides the provider name reported to the router.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithSampling sets the generation parameters sent with every request.
func WithSampling(s quotagate.Sampling) Option {
	return func(p *Provider) { p.sampling = s }
}

// New creates a new Gemini provider for model.
func New(model string, opts ...Option) *Provider {
	p := &Provider{
		name:       "gemini",
		baseURL:    defaultBaseURL,
		model:      model,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// Gemini API types.
type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
}

func (p *Provider) Stream(ctx context.Context, req quotagate.ProviderRequest) (*quotagate.UpstreamResponse, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, p.model)
	resp, err := p.doRequest(ctx, url, req.Credential, p.buildRequest(req))
	if err != nil {
		return nil, err
	}
	return quotagate.StreamResponse(resp), nil
}

func (p *Provider) Complete(ctx context.Context, req quotagate.ProviderRequest) (*quotagate.UpstreamResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, p.model)
	resp, err := p.doRequest(ctx, url, req.Credential, p.buildRequest(req))
	if err != nil {
		return nil, err
	}
	return quotagate.BufferCompletion(resp, "candidates.0.content.parts.0.text")
}

func (p *Provider) buildRequest(req quotagate.ProviderRequest) geminiRequest {
	var system []geminiPart
	if req.SystemPrompt != "" {
		system = append(system, geminiPart{Text: req.SystemPrompt})
	}

	var contents []geminiContent
	for _, m := range req.Messages {
		role := m.Role
		switch role {
		case "system":
			system = append(system, geminiPart{Text: m.Content})
			continue
		case "assistant":
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	gr := geminiRequest{
		Contents: contents,
		GenerationConfig: &geminiGenerationConfig{
			Temperature:      p.sampling.Temperature,
			MaxOutputTokens:  req.MaxTokens,
			TopP:             p.sampling.TopP,
			PresencePenalty:  p.sampling.PresencePenalty,
			FrequencyPenalty: p.sampling.FrequencyPenalty,
			StopSequences:    p.sampling.Stop,
		},
	}
	if len(system) > 0 {
		gr.SystemInstruction = &geminiContent{Parts: system}
	}
	return gr
}

func (p *Provider) doRequest(ctx context.Context, url, credential string, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("quotagate: marshal gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("quotagate: create gemini request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", credential)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", quotagate.ErrProviderUnavailable, p.name, err)
	}
	return resp, nil
}
