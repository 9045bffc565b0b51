package quotagate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// Provider is the interface that vendor adapters must implement. Adapters are
// stateless; credentials arrive with each request.
//
// A non-2xx upstream answer is returned as a response, not an error, with its
// status code intact (429 included). Errors are reserved for transport
// failures and cancellation.
type Provider interface {
	// Name returns the provider identifier (e.g. "groq", "anthropic").
	Name() string

	// Stream starts a streaming call and returns the raw upstream body.
	Stream(ctx context.Context, req ProviderRequest) (*UpstreamResponse, error)

	// Complete performs a buffered call. On success the body is a JSON
	// encoded Completion.
	Complete(ctx context.Context, req ProviderRequest) (*UpstreamResponse, error)
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	Credential   string
	Messages     []Message
	SystemPrompt string
	MaxTokens    int
}

// UpstreamResponse is the uniform result of an adapter call.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// OK reports a 2xx status.
func (r *UpstreamResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NormalizeCompletion extracts the generated text from a vendor payload using
// the first gjson path that matches and re-encodes it as a Completion.
func NormalizeCompletion(raw []byte, paths ...string) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("quotagate: response parsing failed: invalid JSON")
	}
	for _, p := range paths {
		if v := gjson.GetBytes(raw, p); v.Exists() && v.Type == gjson.String {
			return json.Marshal(Completion{Content: v.String()})
		}
	}
	return nil, fmt.Errorf("quotagate: response parsing failed: no content at %v", paths)
}

// BufferCompletion turns a buffered upstream HTTP response into an
// UpstreamResponse. Non-2xx responses pass through with their body intact;
// 2xx bodies are reduced to a Completion using paths.
func BufferCompletion(resp *http.Response, paths ...string) (*UpstreamResponse, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	body, err := NormalizeCompletion(raw, paths...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &UpstreamResponse{StatusCode: resp.StatusCode, Header: header, Body: io.NopCloser(bytes.NewReader(body))}, nil
}

// StreamResponse wraps a streaming upstream HTTP response without reading it.
func StreamResponse(resp *http.Response) *UpstreamResponse {
	return &UpstreamResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
}
