package quotagate

import (
	"context"
	"errors"
	"time"
)

var errDispatchDone = errors.New("quotagate: dispatch finished")

// dispatchSignal is the composed cancellation of one dispatch. Its context
// ends when either the caller's context ends or the provider timeout elapses;
// the context cause tells the two apart.
type dispatchSignal struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

func newDispatchSignal(parent context.Context, timeout time.Duration) *dispatchSignal {
	ctx, cancel := context.WithCancelCause(parent)
	s := &dispatchSignal{ctx: ctx, cancel: cancel}
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() { cancel(ErrTimeout) })
	}
	return s
}

// disarm stops the timeout once upstream headers have arrived. Client
// cancellation keeps propagating. It returns false if the timeout already
// fired.
func (s *dispatchSignal) disarm() bool {
	if s.timer == nil {
		return true
	}
	return s.timer.Stop()
}

// done releases the timer and the derived context.
func (s *dispatchSignal) done() {
	s.disarm()
	s.cancel(errDispatchDone)
}

// reason returns ErrTimeout or ErrClientAbort once the signal fired.
func (s *dispatchSignal) reason() error {
	return CancelReason(s.ctx)
}

// CancelReason maps a finished context to ErrTimeout or ErrClientAbort. It
// returns nil while ctx is live or when it ended because the work completed.
func CancelReason(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errDispatchDone):
		return nil
	case errors.Is(cause, ErrTimeout), errors.Is(cause, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return ErrClientAbort
	}
}
