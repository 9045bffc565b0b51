package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/quotagate"
)

// Provider is a scriptable provider for testing.
type Provider struct {
	name       string
	status     int
	content    string
	chunks     []string
	chunkDelay time.Duration
	latency    time.Duration
	hang       bool
	stall      bool
	staticErr  error
	callCount  atomic.Int64

	mu      sync.Mutex
	lastReq quotagate.ProviderRequest
}

var _ quotagate.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:    "mock",
		status:  http.StatusOK,
		content: "Hello from mock provider",
		chunks:  []string{"data: {\"delta\":\"Hello\"}\n\n", "data: {\"delta\":\" world\"}\n\n", "data: [DONE]\n\n"},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithStatus sets the upstream status code.
func WithStatus(code int) Option {
	return func(p *Provider) { p.status = code }
}

// WithContent sets the buffered completion text.
func WithContent(s string) Option {
	return func(p *Provider) { p.content = s }
}

// WithChunks sets the streamed body, one write per chunk.
func WithChunks(chunks ...string) Option {
	return func(p *Provider) { p.chunks = chunks }
}

// WithChunkDelay pauses before each streamed chunk.
func WithChunkDelay(d time.Duration) Option {
	return func(p *Provider) { p.chunkDelay = d }
}

// WithLatency delays the response headers.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithHang makes the provider never answer; calls return only when ctx ends.
func WithHang() Option {
	return func(p *Provider) { p.hang = true }
}

// WithStall makes a stream send its chunks and then block until ctx ends or
// the body is closed, like an upstream that stops mid-stream.
func WithStall() Option {
	return func(p *Provider) { p.stall = true }
}

// WithError makes the provider always fail with err.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Stream(ctx context.Context, req quotagate.ProviderRequest) (*quotagate.UpstreamResponse, error) {
	if err := p.begin(ctx, req); err != nil {
		return nil, err
	}
	if p.status < 200 || p.status >= 300 {
		return p.errorResponse(), nil
	}
	header := http.Header{}
	header.Set("Content-Type", "text/event-stream")
	return &quotagate.UpstreamResponse{
		StatusCode: p.status,
		Header:     header,
		Body:       newStreamBody(ctx, p.chunks, p.chunkDelay, p.stall),
	}, nil
}

func (p *Provider) Complete(ctx context.Context, req quotagate.ProviderRequest) (*quotagate.UpstreamResponse, error) {
	if err := p.begin(ctx, req); err != nil {
		return nil, err
	}
	if p.status < 200 || p.status >= 300 {
		return p.errorResponse(), nil
	}
	body, err := json.Marshal(quotagate.Completion{Content: p.content})
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &quotagate.UpstreamResponse{
		StatusCode: p.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// LastRequest returns the most recent request the provider received.
func (p *Provider) LastRequest() quotagate.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

func (p *Provider) begin(ctx context.Context, req quotagate.ProviderRequest) error {
	p.callCount.Add(1)
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()

	if p.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.staticErr
}

func (p *Provider) errorResponse() *quotagate.UpstreamResponse {
	body := fmt.Sprintf(`{"error":{"message":"mock status %d"}}`, p.status)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &quotagate.UpstreamResponse{
		StatusCode: p.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

// streamBody yields chunks one Read at a time and honors ctx and Close the
// way a network body does.
type streamBody struct {
	ctx    context.Context
	chunks []string
	delay  time.Duration
	stall  bool
	buf    []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newStreamBody(ctx context.Context, chunks []string, delay time.Duration, stall bool) *streamBody {
	return &streamBody{
		ctx:    ctx,
		chunks: chunks,
		delay:  delay,
		stall:  stall,
		closed: make(chan struct{}),
	}
}

func (b *streamBody) Read(p []byte) (int, error) {
	if len(b.buf) == 0 {
		if len(b.chunks) == 0 {
			if !b.stall {
				return 0, io.EOF
			}
			return 0, b.wait(nil)
		}
		if b.delay > 0 {
			if err := b.wait(time.After(b.delay)); err != nil {
				return 0, err
			}
		}
		select {
		case <-b.closed:
			return 0, fmt.Errorf("mock: read on closed body")
		default:
		}
		b.buf = []byte(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// wait blocks until tick fires (nil on tick), ctx ends or the body closes.
func (b *streamBody) wait(tick <-chan time.Time) error {
	select {
	case <-tick:
		return nil
	case <-b.ctx.Done():
		return b.ctx.Err()
	case <-b.closed:
		return fmt.Errorf("mock: read on closed body")
	}
}

func (b *streamBody) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}
