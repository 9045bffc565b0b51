//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/policy"
	quotapg "github.com/ineyio/quotagate/quota/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/quotagate_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, pool *pgxpool.Pool, opts ...quotapg.Option) *quotapg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := quotapg.New(pool, append([]quotapg.Option{quotapg.WithTablePrefix(prefix)}, opts...)...)

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %srequests, %spending", prefix, prefix))
	})
	return s
}

func candidate(provider string, idx int, q quotagate.Quota) quotagate.Candidate {
	return quotagate.Candidate{
		Provider: provider,
		Profile:  quotagate.Profile{ID: quotagate.ProfileID(provider, idx), Provider: provider, Quota: q},
	}
}

func selectReq(cands ...quotagate.Candidate) quotagate.SelectRequest {
	return quotagate.SelectRequest{Candidates: cands, Policy: &policy.LeastUtilization{}}
}

func pendingOf(t *testing.T, pool *pgxpool.Pool, store string, id string) int64 {
	t.Helper()
	var n int64
	err := pool.QueryRow(context.Background(),
		fmt.Sprintf("SELECT COALESCE((SELECT pending FROM %spending WHERE profile_id = $1), 0)", store), id,
	).Scan(&n)
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	return n
}

func TestSelectAndRelease(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	ctx := context.Background()

	c := candidate("groq", 0, quotagate.Quota{MaxRequestsPerMinute: 10, MaxConcurrentRequests: quotagate.UintPtr(1)})
	d, ok, err := store.Select(ctx, selectReq(c))
	if err != nil || !ok {
		t.Fatalf("select: ok=%v err=%v", ok, err)
	}
	if d.Profile.ID != "groq-0" {
		t.Fatalf("expected groq-0, got %s", d.Profile.ID)
	}
	if got := pendingOf(t, pool, prefix, "groq-0"); got != 1 {
		t.Fatalf("expected pending=1, got %d", got)
	}

	_, ok, err = store.Select(ctx, selectReq(c))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ok {
		t.Fatal("expected no decision while the only slot is held")
	}

	if err := store.Release(ctx, d.Reservation); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Release(ctx, d.Reservation); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if got := pendingOf(t, pool, prefix, "groq-0"); got != 0 {
		t.Fatalf("expected pending=0, got %d", got)
	}

	d, ok, err = store.Select(ctx, selectReq(c))
	if err != nil || !ok {
		t.Fatalf("select after release: ok=%v err=%v", ok, err)
	}
	if d.RequestCountInWindow != 0 {
		t.Fatalf("released entry still counted: %d", d.RequestCountInWindow)
	}
}

func TestWindowCorrectness(t *testing.T) {
	pool := newTestPool(t)
	clk := &clock{now: time.Now().UTC().Truncate(time.Millisecond)}
	store := newTestStore(t, pool, quotapg.WithClock(clk.Now))
	ctx := context.Background()
	c := candidate("a", 0, quotagate.Quota{MaxRequestsPerMinute: 3})

	for i := 0; i < 3; i++ {
		if _, ok, err := store.Select(ctx, selectReq(c)); err != nil || !ok {
			t.Fatalf("select %d: ok=%v err=%v", i, ok, err)
		}
		clk.Advance(100 * time.Millisecond)
	}
	if _, ok, _ := store.Select(ctx, selectReq(c)); ok {
		t.Fatal("expected window to be full")
	}

	clk.Advance(59 * time.Second)
	if _, ok, _ := store.Select(ctx, selectReq(c)); ok {
		t.Fatal("expected window to still be full")
	}

	clk.Advance(time.Second)
	if _, ok, err := store.Select(ctx, selectReq(c)); err != nil || !ok {
		t.Fatalf("expected capacity after the window slid: ok=%v err=%v", ok, err)
	}
}

func TestRequestsPerSecond(t *testing.T) {
	pool := newTestPool(t)
	clk := &clock{now: time.Now().UTC().Truncate(time.Millisecond)}
	store := newTestStore(t, pool, quotapg.WithClock(clk.Now))
	ctx := context.Background()
	c := candidate("a", 0, quotagate.Quota{MaxRequestsPerMinute: 100, MaxRequestsPerSecond: quotagate.UintPtr(2)})

	for i := 0; i < 2; i++ {
		if _, ok, err := store.Select(ctx, selectReq(c)); err != nil || !ok {
			t.Fatalf("select %d: ok=%v err=%v", i, ok, err)
		}
	}
	if _, ok, _ := store.Select(ctx, selectReq(c)); ok {
		t.Fatal("expected rps limit to reject")
	}
	clk.Advance(time.Second)
	if _, ok, err := store.Select(ctx, selectReq(c)); err != nil || !ok {
		t.Fatalf("expected capacity in the next second: ok=%v err=%v", ok, err)
	}
}

func TestConcurrentSelectsNoOverAllocation(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	c := candidate("p", 0, quotagate.Quota{MaxRequestsPerMinute: 10})

	var wg sync.WaitGroup
	var successCount atomic.Int64

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Select(ctx, selectReq(c))
			if err == nil && ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 10 {
		t.Fatalf("expected exactly 10 decisions, got %d", successCount.Load())
	}
}

func TestTwoConcurrentSelectsOneSlot(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()
	c := candidate("solo", 0, quotagate.Quota{MaxRequestsPerMinute: 1})

	var wg sync.WaitGroup
	var hits atomic.Int64
	start := make(chan struct{})
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok, err := store.Select(ctx, selectReq(c)); err == nil && ok {
				hits.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("expected exactly one decision, got %d", hits.Load())
	}
}

func TestTablePrefixIsolation(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	s1 := quotapg.New(pool, quotapg.WithTablePrefix("test_iso1_"))
	s2 := quotapg.New(pool, quotapg.WithTablePrefix("test_iso2_"))

	if err := s1.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema s1: %v", err)
	}
	if err := s2.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema s2: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, "DROP TABLE IF EXISTS test_iso1_requests, test_iso1_pending, test_iso2_requests, test_iso2_pending")
	})

	c := candidate("x", 0, quotagate.Quota{MaxRequestsPerMinute: 1})
	if _, ok, err := s1.Select(ctx, selectReq(c)); err != nil || !ok {
		t.Fatalf("s1 select: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s2.Select(ctx, selectReq(c)); err != nil || !ok {
		t.Fatalf("s2 select: ok=%v err=%v", ok, err)
	}
}

func TestCleanup(t *testing.T) {
	pool := newTestPool(t)
	clk := &clock{now: time.Now().UTC().Truncate(time.Millisecond)}
	store := newTestStore(t, pool, quotapg.WithClock(clk.Now))
	ctx := context.Background()

	for i := range 3 {
		c := candidate("idle", i, quotagate.Quota{MaxRequestsPerMinute: 5})
		if _, ok, err := store.Select(ctx, selectReq(c)); err != nil || !ok {
			t.Fatalf("select %d: ok=%v err=%v", i, ok, err)
		}
	}

	deleted, err := store.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected nothing to clean inside the window, got %d", deleted)
	}

	clk.Advance(61 * time.Second)
	deleted, err = store.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d", deleted)
	}

	deleted, _ = store.Cleanup(ctx)
	if deleted != 0 {
		t.Fatalf("expected second cleanup to be a no-op, got %d", deleted)
	}
}
