// Package postgres provides a PostgreSQL-backed CapacityStore for quotagate.
//
// The request log and pending counters live in two tables. Selection runs in
// one transaction holding a transaction-scoped advisory lock, so concurrent
// selections from any number of router instances are serialized. Counters
// survive restarts.
package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotagate"
)

// Store is a PostgreSQL-backed CapacityStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var _ quotagate.CapacityStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotagate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed CapacityStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotagate_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) requestsTable() string { return s.tablePrefix + "requests" }
func (s *Store) pendingTable() string  { return s.tablePrefix + "pending" }

// lockKey derives the advisory lock id from the table prefix so stores with
// different prefixes do not contend.
func (s *Store) lockKey() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.tablePrefix + "select"))
	return int64(h.Sum64())
}

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			profile_id TEXT NOT NULL,
			member TEXT NOT NULL,
			requested_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (profile_id, member)
		);
		CREATE INDEX IF NOT EXISTS %[1]s_profile_time ON %[1]s (profile_id, requested_at);
		CREATE TABLE IF NOT EXISTS %[2]s (
			profile_id TEXT PRIMARY KEY,
			pending BIGINT NOT NULL DEFAULT 0 CHECK (pending >= 0)
		);
	`, s.requestsTable(), s.pendingTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("quotagate/postgres: ensure schema: %w", err)
	}
	return nil
}

// Select atomically picks and reserves one eligible candidate.
func (s *Store) Select(ctx context.Context, req quotagate.SelectRequest) (quotagate.Decision, bool, error) {
	if req.Policy == nil {
		return quotagate.Decision{}, false, fmt.Errorf("quotagate/postgres: policy is required")
	}
	ordered := req.Policy.Order(req.Candidates)
	if len(ordered) == 0 {
		return quotagate.Decision{}, false, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quotagate.Decision{}, false, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, s.lockKey()); err != nil {
		return quotagate.Decision{}, false, unavailable("lock", err)
	}

	now := s.now().UTC()
	ids := make([]string, len(ordered))
	for i, c := range ordered {
		ids[i] = c.Profile.ID
	}
	usage, err := s.loadUsage(ctx, tx, ids, now)
	if err != nil {
		return quotagate.Decision{}, false, err
	}

	scored := make([]quotagate.Scored, len(ordered))
	for i, c := range ordered {
		scored[i] = quotagate.Scored{Candidate: c, Usage: usage[c.Profile.ID]}
	}
	i, ok := quotagate.Pick(req.Policy, scored)
	if !ok {
		return quotagate.Decision{}, false, nil
	}
	chosen := scored[i]
	res := quotagate.NewReservation(chosen.Profile, now)

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE profile_id = $1 AND requested_at <= $2`, s.requestsTable()),
		chosen.Profile.ID, now.Add(-quotagate.Window),
	); err != nil {
		return quotagate.Decision{}, false, unavailable("prune", err)
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (profile_id, member, requested_at) VALUES ($1, $2, $3)`, s.requestsTable()),
		chosen.Profile.ID, res.Member, now,
	); err != nil {
		return quotagate.Decision{}, false, unavailable("reserve", err)
	}
	if res.Concurrency {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %[1]s (profile_id, pending) VALUES ($1, 1)
				ON CONFLICT (profile_id) DO UPDATE SET pending = %[1]s.pending + 1`, s.pendingTable()),
			chosen.Profile.ID,
		); err != nil {
			return quotagate.Decision{}, false, unavailable("pending", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return quotagate.Decision{}, false, unavailable("commit", err)
	}
	return quotagate.NewDecision(chosen, res), true, nil
}

func (s *Store) loadUsage(ctx context.Context, tx pgx.Tx, ids []string, now time.Time) (map[string]quotagate.Usage, error) {
	usage := make(map[string]quotagate.Usage, len(ids))

	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT profile_id,
				count(*),
				count(*) FILTER (WHERE requested_at > $3)
			FROM %s
			WHERE profile_id = ANY($1) AND requested_at > $2
			GROUP BY profile_id`, s.requestsTable()),
		ids, now.Add(-quotagate.Window), now.Add(-quotagate.SecondWindow),
	)
	if err != nil {
		return nil, unavailable("count requests", err)
	}
	for rows.Next() {
		var id string
		var u quotagate.Usage
		if err := rows.Scan(&id, &u.Window, &u.Second); err != nil {
			rows.Close()
			return nil, unavailable("scan requests", err)
		}
		usage[id] = u
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable("count requests", err)
	}

	rows, err = tx.Query(ctx,
		fmt.Sprintf(`SELECT profile_id, pending FROM %s WHERE profile_id = ANY($1)`, s.pendingTable()),
		ids,
	)
	if err != nil {
		return nil, unavailable("read pending", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var pending int64
		if err := rows.Scan(&id, &pending); err != nil {
			return nil, unavailable("scan pending", err)
		}
		u := usage[id]
		u.Pending = pending
		usage[id] = u
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read pending", err)
	}
	return usage, nil
}

// Release removes the reservation's log entry and returns its concurrency
// slot.
func (s *Store) Release(ctx context.Context, res quotagate.Reservation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE profile_id = $1 AND member = $2`, s.requestsTable()),
		res.ProfileID, res.Member,
	); err != nil {
		return unavailable("release", err)
	}
	if res.Concurrency {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET pending = GREATEST(pending - 1, 0) WHERE profile_id = $1`, s.pendingTable()),
			res.ProfileID,
		); err != nil {
			return unavailable("release pending", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Cleanup removes request-log entries older than the window across all
// profiles. Selection only prunes the profile it reserves, so idle profiles
// keep stale rows until this runs.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE requested_at <= $1`, s.requestsTable()),
		s.now().UTC().Add(-quotagate.Window),
	)
	if err != nil {
		return 0, fmt.Errorf("quotagate/postgres: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %v", quotagate.ErrStoreUnavailable, op, err)
}
