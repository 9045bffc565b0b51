package quotagate

import (
	"io"
	"net/http"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the canonical request handed to the router.
type GenerateRequest struct {
	Messages     []Message
	SystemPrompt string
	MaxTokens    int
	Stream       bool
}

// Response is what the router hands back to the transport. For streaming
// responses Body forwards the upstream bytes unchanged and settles the
// reservation when drained or closed; callers must always Close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Stream     bool
	Routing    RoutingInfo
}

// RoutingInfo describes which provider profile served the request.
type RoutingInfo struct {
	Route       string
	Provider    string
	ProfileID   string
	RequestID   string
	Utilization float64
}

// Completion is the canonical non-streaming success payload. Adapters reduce
// vendor payloads to this single field.
type Completion struct {
	Content string `json:"content"`
}
