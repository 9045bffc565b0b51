package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ineyio/quotagate"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

// Provider is the Anthropic Messages API adapter.
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
// Penalties are not supported by the Messages API and are ignored.
func WithSampling(s quotagate.Sampling) Option {
	return func(p *Provider) { p.sampling = s }
}

// New creates a new Anthropic provider for model.
func New(model string, opts ...Option) *Provider {
	p := &Provider{
		name:       "anthropic",
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

type apiRequest struct {
	Model         string       `json:"model"`
	System        string       `json:"system,omitempty"`
	MaxTokens     int          `json:"max_tokens"`
	Temperature   *float64     `json:"temperature,omitempty"`
	TopP          *float64     `json:"top_p,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Messages      []apiMessage `json:"messages"`
	Stream        bool         `json:"stream"`
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
	return quotagate.BufferCompletion(resp, "content.0.text")
}

// buildRequest folds system-role messages into the top-level system field,
// which is the only place the Messages API accepts them.
func (p *Provider) buildRequest(req quotagate.ProviderRequest, stream bool) apiRequest {
	system := []string{}
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}
	msgs := make([]apiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, apiMessage{Role: m.Role, Content: m.Content})
	}
	return apiRequest{
		Model:         p.model,
		System:        strings.Join(system, "\n\n"),
		MaxTokens:     req.MaxTokens,
		Temperature:   p.sampling.Temperature,
		TopP:          p.sampling.TopP,
		StopSequences: p.sampling.Stop,
		Messages:      msgs,
		Stream:        stream,
	}
}

func (p *Provider) doRequest(ctx context.Context, credential string, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("quotagate: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("quotagate: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", credential)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", quotagate.ErrProviderUnavailable, p.name, err)
	}
	return resp, nil
}
