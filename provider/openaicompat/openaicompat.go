package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ineyio/quotagate"
)

// Provider is a universal OpenAI-compatible chat completions adapter.
// Works with OpenAI, Groq, Together, Fireworks, DeepInfra, OpenRouter and the
// other hosts that mirror the /chat/completions API.
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

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithSampling sets the generation parameters sent with every request.
func WithSampling(s quotagate.Sampling) Option {
	return func(p *Provider) { p.sampling = s }
}

// New creates a new OpenAI-compatible provider. baseURL is the API root
// without the /chat/completions suffix.
func New(name, baseURL, model string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model            string       `json:"model"`
	Messages         []apiMessage `json:"messages"`
	MaxTokens        int          `json:"max_tokens,omitempty"`
	Temperature      *float64     `json:"temperature,omitempty"`
	TopP             *float64     `json:"top_p,omitempty"`
	PresencePenalty  *float64     `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64     `json:"frequency_penalty,omitempty"`
	Stop             []string     `json:"stop,omitempty"`
	Stream           bool         `json:"stream"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *Provider) Stream(ctx context.Context, req quotagate.ProviderRequest) (*quotagate.UpstreamResponse, error) {
	resp, err := p.doRequest(ctx, req.Credential, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	return quotagate.StreamResponse(resp), nil
}

func (p *Provider) Complete(ctx context.Context, req quotagate.ProviderRequest) (*quotagate.UpstreamResponse, error) {
	resp, err := p.doRequest(ctx, req.Credential, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	return quotagate.BufferCompletion(resp, "choices.0.message.content")
}

func (p *Provider) buildRequest(req quotagate.ProviderRequest, stream bool) apiRequest {
	msgs := make([]apiMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, apiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, apiMessage{Role: m.Role, Content: m.Content})
	}
	return apiRequest{
		Model:            p.model,
		Messages:         msgs,
		MaxTokens:        req.MaxTokens,
		Temperature:      p.sampling.Temperature,
		TopP:             p.sampling.TopP,
		PresencePenalty:  p.sampling.PresencePenalty,
		FrequencyPenalty: p.sampling.FrequencyPenalty,
		Stop:             p.sampling.Stop,
		Stream:           stream,
	}
}

func (p *Provider) doRequest(ctx context.Context, credential string, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("quotagate: marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("quotagate: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", quotagate.ErrProviderUnavailable, p.name, err)
	}
	return resp, nil
}
