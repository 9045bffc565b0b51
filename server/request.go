package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/ineyio/quotagate"
)

const maxBodyBytes = 1 << 20

var errInvalidJSON = fmt.Errorf("%w: invalid JSON payload", quotagate.ErrInvalidRequest)

type generateBody struct {
	Prompt       json.RawMessage `json:"prompt"`
	Messages     json.RawMessage `json:"messages"`
	MaxTokens    *float64        `json:"maxTokens"`
	Stream       *bool           `json:"stream"`
	SystemPrompt string          `json:"systemPrompt"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string  `json:"type"`
	Text *string `json:"text"`
}

// parseGenerate decodes and validates a generation request for route.
func parseGenerate(r io.Reader, route quotagate.RouteConfig) (quotagate.GenerateRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return quotagate.GenerateRequest{}, fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	if len(raw) > maxBodyBytes {
		return quotagate.GenerateRequest{}, invalid("request body too large")
	}

	var body generateBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return quotagate.GenerateRequest{}, errInvalidJSON
	}

	req := quotagate.GenerateRequest{
		SystemPrompt: body.SystemPrompt,
		MaxTokens:    route.MaxTokens,
		Stream:       true,
	}
	if body.Stream != nil {
		req.Stream = *body.Stream
	}
	if body.MaxTokens != nil && *body.MaxTokens != 0 {
		n := math.Floor(*body.MaxTokens)
		if n < 1 || n > math.MaxInt32 {
			return quotagate.GenerateRequest{}, invalid("maxTokens must be a positive number")
		}
		req.MaxTokens = int(n)
	}

	if req.SystemPrompt == "" {
		if route.RequireSystemPrompt {
			return quotagate.GenerateRequest{}, invalid("systemPrompt is required")
		}
		req.SystemPrompt = route.SystemPrompt
	}

	switch route.Payload {
	case quotagate.PayloadPrompt:
		prompt, err := promptText(body.Prompt)
		if err != nil {
			return quotagate.GenerateRequest{}, err
		}
		req.Messages = []quotagate.Message{{Role: "user", Content: prompt}}
	case quotagate.PayloadMessages:
		msgs, err := chatMessages(body.Messages)
		if err != nil {
			return quotagate.GenerateRequest{}, err
		}
		req.Messages = msgs
	default:
		return quotagate.GenerateRequest{}, fmt.Errorf("quotagate: route %s: unknown payload %q", route.Path, route.Payload)
	}

	return req, nil
}

// promptText accepts a non-empty string, or a JSON object or array which is
// forwarded in compact form.
func promptText(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", invalid("prompt is required")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", errInvalidJSON
		}
		if s == "" {
			return "", invalid("prompt is required")
		}
		return s, nil
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return "", errInvalidJSON
		}
		return buf.String(), nil
	default:
		return "", invalid("prompt must be a string or an object")
	}
}

func chatMessages(raw json.RawMessage) ([]quotagate.Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, invalid("messages must be a non-empty array")
	}
	var in []chatMessage
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return nil, invalid("Invalid message format")
	}
	if len(in) == 0 {
		return nil, invalid("messages must be a non-empty array")
	}
	out := make([]quotagate.Message, 0, len(in))
	for _, m := range in {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return nil, invalid("Invalid message format")
		}
		if len(m.Content) == 0 {
			return nil, invalid("Invalid message format")
		}
		texts := make([]string, 0, len(m.Content))
		for _, part := range m.Content {
			if part.Type != "text" || part.Text == nil {
				return nil, invalid("Invalid message format")
			}
			texts = append(texts, *part.Text)
		}
		out = append(out, quotagate.Message{Role: m.Role, Content: strings.Join(texts, "\n")})
	}
	return out, nil
}

func invalid(details string) error {
	return fmt.Errorf("%w: %s", quotagate.ErrInvalidRequest, details)
}
