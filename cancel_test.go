package quotagate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchSignal_Timeout(t *testing.T) {
	sig := newDispatchSignal(context.Background(), 20*time.Millisecond)
	defer sig.done()

	select {
	case <-sig.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}
	assert.ErrorIs(t, sig.reason(), ErrTimeout)
	assert.False(t, sig.disarm())
}

func TestDispatchSignal_ClientAbort(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	sig := newDispatchSignal(parent, time.Minute)
	defer sig.done()

	assert.NoError(t, sig.reason())
	cancel()
	<-sig.ctx.Done()
	assert.ErrorIs(t, sig.reason(), ErrClientAbort)
}

func TestDispatchSignal_DisarmKeepsClientCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	sig := newDispatchSignal(parent, 20*time.Millisecond)
	defer sig.done()

	require.True(t, sig.disarm())
	time.Sleep(40 * time.Millisecond)
	assert.NoError(t, sig.ctx.Err())

	cancel()
	<-sig.ctx.Done()
	assert.ErrorIs(t, sig.reason(), ErrClientAbort)
}

func TestDispatchSignal_DoneIsNotACancellation(t *testing.T) {
	sig := newDispatchSignal(context.Background(), time.Minute)
	sig.done()
	assert.Error(t, sig.ctx.Err())
	assert.NoError(t, sig.reason())
}

func TestCancelReason_ParentDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	assert.ErrorIs(t, CancelReason(ctx), ErrTimeout)
}
