package quotagate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestHealth(now *time.Time) *HealthTracker {
	h := NewHealthTracker()
	h.now = func() time.Time { return *now }
	return h
}

func TestHealth_OpensAfterThreeFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := newTestHealth(&now)
	p := Profile{ID: "groq-0"}

	h.RecordFailure(p.ID)
	h.RecordFailure(p.ID)
	assert.Equal(t, HealthHealthy, h.GetHealth(p.ID))
	assert.True(t, h.Available(p))

	h.RecordFailure(p.ID)
	assert.Equal(t, HealthUnhealthy, h.GetHealth(p.ID))
	assert.False(t, h.Available(p))
}

func TestHealth_FailuresOutsideWindowDoNotCount(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := newTestHealth(&now)

	h.RecordFailure("a")
	h.RecordFailure("a")
	now = now.Add(6 * time.Minute)
	h.RecordFailure("a")
	assert.Equal(t, HealthHealthy, h.GetHealth("a"))
}

func TestHealth_HalfOpenProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := newTestHealth(&now)
	for i := 0; i < 3; i++ {
		h.RecordFailure("a")
	}

	now = now.Add(29 * time.Second)
	assert.Equal(t, HealthUnhealthy, h.GetHealth("a"))

	now = now.Add(time.Second)
	assert.Equal(t, HealthHalfOpen, h.GetHealth("a"))
	assert.True(t, h.Available(Profile{ID: "a"}))

	h.RecordFailure("a")
	assert.Equal(t, HealthUnhealthy, h.GetHealth("a"))

	now = now.Add(30 * time.Second)
	assert.Equal(t, HealthHalfOpen, h.GetHealth("a"))
	h.RecordSuccess("a")
	assert.Equal(t, HealthHealthy, h.GetHealth("a"))

	h.RecordFailure("a")
	assert.Equal(t, HealthHealthy, h.GetHealth("a"))
}

func TestHealthState_String(t *testing.T) {
	assert.Equal(t, "healthy", HealthHealthy.String())
	assert.Equal(t, "unhealthy", HealthUnhealthy.String())
	assert.Equal(t, "half-open", HealthHalfOpen.String())
}

func TestCountsAsFailure(t *testing.T) {
	assert.False(t, countsAsFailure(nil))
	assert.False(t, countsAsFailure(ErrTimeout))
	assert.False(t, countsAsFailure(ErrClientAbort))
	assert.False(t, countsAsFailure(&UpstreamError{StatusCode: 429}))
	assert.False(t, countsAsFailure(&UpstreamError{StatusCode: 400}))
	assert.False(t, countsAsFailure(errConsumerClosed))
	assert.True(t, countsAsFailure(&UpstreamError{StatusCode: 503}))
	assert.True(t, countsAsFailure(ErrProviderUnavailable))
}
