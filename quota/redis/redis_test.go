package redis_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/policy"
	quotaredis "github.com/ineyio/quotagate/quota/redis"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...quotaredis.Option) (*quotaredis.Store, *miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return quotaredis.New(client, opts...), mr, client
}

func candidate(provider string, idx int, q qg.Quota) qg.Candidate {
	return qg.Candidate{
		Provider: provider,
		Profile:  qg.Profile{ID: qg.ProfileID(provider, idx), Provider: provider, Index: idx, Quota: q},
	}
}

func leastUtilized(cands ...qg.Candidate) qg.SelectRequest {
	return qg.SelectRequest{Candidates: cands, Policy: &policy.LeastUtilization{}}
}

func TestSelectAndRelease(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()
	c := candidate("groq", 0, qg.Quota{MaxRequestsPerMinute: 10, MaxConcurrentRequests: qg.UintPtr(2)})

	d, ok, err := store.Select(ctx, leastUtilized(c))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "groq-0", d.Profile.ID)
	require.NotNil(t, d.PendingCount)
	assert.Equal(t, int64(0), *d.PendingCount)

	members, err := mr.ZMembers("quotagate:profile:groq-0:requests")
	require.NoError(t, err)
	assert.Equal(t, []string{d.Reservation.Member}, members)
	pending, err := mr.Get("quotagate:profile:groq-0:pending")
	require.NoError(t, err)
	assert.Equal(t, "1", pending)

	require.NoError(t, store.Release(ctx, d.Reservation))
	members, _ = mr.ZMembers("quotagate:profile:groq-0:requests")
	assert.Empty(t, members)
	pending, err = mr.Get("quotagate:profile:groq-0:pending")
	require.NoError(t, err)
	assert.Equal(t, "0", pending)

	// Release is clamped at zero.
	require.NoError(t, store.Release(ctx, d.Reservation))
	pending, err = mr.Get("quotagate:profile:groq-0:pending")
	require.NoError(t, err)
	assert.Equal(t, "0", pending)
}

func TestSelect_UnlimitedConcurrencyHasNoPendingKey(t *testing.T) {
	store, mr, _ := newTestStore(t)
	c := candidate("a", 0, qg.Quota{MaxRequestsPerMinute: 10})

	d, ok, err := store.Select(context.Background(), leastUtilized(c))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, d.PendingCount)
	assert.False(t, d.Reservation.Concurrency)
	assert.False(t, mr.Exists("quotagate:profile:a-0:pending"))
}

func TestSelect_WindowCorrectness(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store, _, _ := newTestStore(t, quotaredis.WithClock(clock.Now))
	ctx := context.Background()
	c := candidate("a", 0, qg.Quota{MaxRequestsPerMinute: 3})

	for i := 0; i < 3; i++ {
		d, ok, err := store.Select(ctx, leastUtilized(c))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(i), d.RequestCountInWindow)
		clock.Advance(200 * time.Millisecond)
	}

	_, ok, err := store.Select(ctx, leastUtilized(c))
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(59 * time.Second)
	_, ok, err = store.Select(ctx, leastUtilized(c))
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Second)
	_, ok, err = store.Select(ctx, leastUtilized(c))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSelect_RequestsPerSecond(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store, _, _ := newTestStore(t, quotaredis.WithClock(clock.Now))
	ctx := context.Background()
	c := candidate("a", 0, qg.Quota{MaxRequestsPerMinute: 100, MaxRequestsPerSecond: qg.UintPtr(1)})

	_, ok, err := store.Select(ctx, leastUtilized(c))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.Select(ctx, leastUtilized(c))
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Second)
	d, ok, err := store.Select(ctx, leastUtilized(c))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, d.CurrentRequestsPerSecond)
	assert.Equal(t, int64(0), *d.CurrentRequestsPerSecond)
	assert.Equal(t, int64(1), d.RequestCountInWindow)
}

func TestSelect_NoneDoesNotMutate(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()
	c := candidate("a", 0, qg.Quota{MaxRequestsPerMinute: 5, MaxConcurrentRequests: qg.UintPtr(1)})

	_, ok, err := store.Select(ctx, leastUtilized(c))
	require.NoError(t, err)
	require.True(t, ok)
	before, err := mr.ZMembers("quotagate:profile:a-0:requests")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, ok, err := store.Select(ctx, leastUtilized(c))
		require.NoError(t, err)
		assert.False(t, ok)
	}
	after, err := mr.ZMembers("quotagate:profile:a-0:requests")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	pending, err := mr.Get("quotagate:profile:a-0:pending")
	require.NoError(t, err)
	assert.Equal(t, "1", pending)
}

func TestSelect_LeastUtilizationRanking(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	small := candidate("a", 0, qg.Quota{MaxRequestsPerMinute: 2})
	large := candidate("b", 0, qg.Quota{MaxRequestsPerMinute: 10})

	picks := map[string]int{}
	for i := 0; i < 4; i++ {
		d, ok, err := store.Select(ctx, leastUtilized(large, small))
		require.NoError(t, err)
		require.True(t, ok)
		picks[d.Profile.ID]++
	}
	// a-0 wins the first tie, then b-0 stays below 1/2 utilization.
	assert.Equal(t, map[string]int{"a-0": 1, "b-0": 3}, picks)
}

func TestSelect_FirstAvailable(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	first := candidate("z", 0, qg.Quota{MaxRequestsPerMinute: 2})
	second := candidate("a", 0, qg.Quota{MaxRequestsPerMinute: 2})
	req := qg.SelectRequest{Candidates: []qg.Candidate{first, second}, Policy: &policy.FirstAvailable{}}

	var got []string
	for i := 0; i < 4; i++ {
		d, ok, err := store.Select(ctx, req)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, d.Profile.ID)
	}
	assert.Equal(t, []string{"z-0", "z-0", "a-0", "a-0"}, got)

	_, ok, err := store.Select(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelect_TwoConcurrentCallersOneSlot(t *testing.T) {
	store, _, _ := newTestStore(t)
	c := candidate("solo", 0, qg.Quota{MaxRequestsPerMinute: 1})

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		hits  atomic.Int64
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := store.Select(context.Background(), leastUtilized(c))
			assert.NoError(t, err)
			if ok {
				hits.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int64(1), hits.Load())
}

func TestSelect_ConcurrencyLimitUnderLoad(t *testing.T) {
	store, mr, _ := newTestStore(t)
	c := candidate("p", 0, qg.Quota{MaxRequestsPerMinute: 1_000_000, MaxConcurrentRequests: qg.UintPtr(4)})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []qg.Reservation
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, ok, err := store.Select(context.Background(), leastUtilized(c))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted = append(granted, d.Reservation)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, granted, 4)

	for _, res := range granted {
		require.NoError(t, store.Release(context.Background(), res))
	}
	pending, err := mr.Get("quotagate:profile:p-0:pending")
	require.NoError(t, err)
	assert.Equal(t, "0", pending)
}

func TestKeyPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	a := quotaredis.New(client, quotaredis.WithKeyPrefix("{a}:"))
	b := quotaredis.New(client, quotaredis.WithKeyPrefix("{b}:"))
	c := candidate("x", 0, qg.Quota{MaxRequestsPerMinute: 1})

	_, ok, err := a.Select(context.Background(), leastUtilized(c))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Select(context.Background(), leastUtilized(c))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("{a}:profile:x-0:requests"))
	assert.True(t, mr.Exists("{b}:profile:x-0:requests"))
}

func TestStoreUnavailable(t *testing.T) {
	store, mr, _ := newTestStore(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := store.Select(ctx, leastUtilized(candidate("a", 0, qg.Quota{MaxRequestsPerMinute: 1})))
	assert.ErrorIs(t, err, qg.ErrStoreUnavailable)
	assert.ErrorIs(t, store.Ping(ctx), qg.ErrStoreUnavailable)
	assert.ErrorIs(t, store.Release(ctx, qg.Reservation{ProfileID: "a-0", Member: "m"}), qg.ErrStoreUnavailable)
}

func TestSelect_RejectsUnknownPolicy(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, _, err := store.Select(context.Background(), qg.SelectRequest{
		Candidates: []qg.Candidate{candidate("a", 0, qg.Quota{MaxRequestsPerMinute: 1})},
	})
	assert.Error(t, err)
}
