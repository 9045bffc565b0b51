package quotagate

import (
	"context"
	"errors"
	"io"
	"sync"
)

// errConsumerClosed ends a stream the consumer closed before end-of-data.
var errConsumerClosed = errors.New("quotagate: stream closed before end of data")

// trackedBody forwards an upstream byte stream unchanged and runs onDone
// exactly once, at the first of: natural end of data, a read failure, Close
// by the consumer, or the end of ctx.
//
// onDone receives nil when the stream drained and the ending error otherwise.
// Close blocks until onDone has returned, so a consumer that closes the body
// observes the completed release.
type trackedBody struct {
	ctx    context.Context
	body   io.ReadCloser
	onDone func(error)
	once   sync.Once
	stop   func() bool
}

func newTrackedBody(ctx context.Context, body io.ReadCloser, onDone func(error)) *trackedBody {
	t := &trackedBody{ctx: ctx, body: body, onDone: onDone}
	// The callback may run before AfterFunc returns, so it must not touch
	// t.stop. Only Read and Close, on the consumer side, call stop.
	t.stop = context.AfterFunc(ctx, func() {
		t.once.Do(func() { t.onDone(CancelReason(ctx)) })
		// Unblocks a Read that is parked on the upstream socket.
		_ = t.body.Close()
	})
	return t
}

func (t *trackedBody) Read(p []byte) (int, error) {
	n, err := t.body.Read(p)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		t.finish(nil)
	default:
		t.finish(t.cause(err))
	}
	return n, err
}

// Close ends the stream from the consumer side.
func (t *trackedBody) Close() error {
	err := t.body.Close()
	t.finish(t.cause(errConsumerClosed))
	return err
}

func (t *trackedBody) cause(fallback error) error {
	if reason := CancelReason(t.ctx); reason != nil {
		return reason
	}
	return fallback
}

// finish is called from Read and Close only.
func (t *trackedBody) finish(err error) {
	t.once.Do(func() {
		t.stop()
		t.onDone(err)
	})
}
