package anthropic_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/provider/anthropic"
)

func TestComplete(t *testing.T) {
	var (
		path    string
		headers http.Header
		body    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","content":[{"type":"text","text":"{\"references\":[true]}"}],"usage":{"input_tokens":3}}`)
	}))
	defer srv.Close()

	zero := 0.0
	p := anthropic.New("claude-3-haiku-20240307",
		anthropic.WithBaseURL(srv.URL+"/v1/"),
		anthropic.WithSampling(quotagate.Sampling{Temperature: &zero}),
	)
	assert.Equal(t, "anthropic", p.Name())

	resp, err := p.Complete(context.Background(), quotagate.ProviderRequest{
		Credential:   "ak-test",
		SystemPrompt: "You check references.",
		Messages: []quotagate.Message{
			{Role: "system", Content: "Extra rule."},
			{Role: "user", Content: "{\"text_to_verify\":\"x\"}"},
		},
		MaxTokens: 40,
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	var c quotagate.Completion
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	assert.Equal(t, `{"references":[true]}`, c.Content)

	assert.Equal(t, "/v1/messages", path)
	assert.Equal(t, "ak-test", headers.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", headers.Get("anthropic-version"))

	req := gjson.ParseBytes(body)
	assert.Equal(t, "You check references.\n\nExtra rule.", req.Get("system").String())
	assert.Equal(t, int64(1), req.Get("messages.#").Int())
	assert.Equal(t, "user", req.Get("messages.0.role").String())
	assert.Equal(t, int64(40), req.Get("max_tokens").Int())
	assert.True(t, req.Get("temperature").Exists())
	assert.Equal(t, 0.0, req.Get("temperature").Float())
}

func TestStreamAndErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = io.WriteString(w, "event: content_block_delta\ndata: {}\n\n")
	}))
	defer srv.Close()

	p := anthropic.New("m", anthropic.WithBaseURL(srv.URL), anthropic.WithName("claude"))
	assert.Equal(t, "claude", p.Name())

	resp, err := p.Stream(context.Background(), quotagate.ProviderRequest{Credential: "k", MaxTokens: 5})
	require.NoError(t, err)
	out, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "event: content_block_delta\ndata: {}\n\n", string(out))

	status.Store(http.StatusServiceUnavailable)
	resp, err = p.Complete(context.Background(), quotagate.ProviderRequest{Credential: "k", MaxTokens: 5})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
