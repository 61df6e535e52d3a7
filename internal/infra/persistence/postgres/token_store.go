package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/relay/internal/domain/jobstore"
)

// TokenStore persists the bounded admission token pools. Each outstanding token is a
// grant row so tokens held by a crashed process expire and return to the pool.
type TokenStore struct {
	pool *pgxpool.Pool
}

// NewTokenStore constructs a TokenStore backed by the provided pool.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

const (
	tokenEnsurePoolSQL = `
INSERT INTO token_pools (scope, capacity)
VALUES ($1, $2)
ON CONFLICT (scope) DO UPDATE
SET capacity = GREATEST(EXCLUDED.capacity, token_pools.outstanding),
    updated_at = NOW();
`

	tokenPoolSQL = `
SELECT scope, capacity, outstanding
FROM token_pools
WHERE scope = $1;
`

	tokenAcquireSQL = `
WITH locked AS (
    SELECT scope, LEAST($3::int, capacity - outstanding) AS granted
    FROM token_pools
    WHERE scope = $1
    FOR UPDATE
),
bumped AS (
    UPDATE token_pools AS p
    SET outstanding = p.outstanding + l.granted,
        updated_at = NOW()
    FROM locked AS l
    WHERE p.scope = l.scope
      AND l.granted > 0
    RETURNING l.granted
)
INSERT INTO token_grants (scope, owner, expires_at)
SELECT $1, $2, $4
FROM bumped, generate_series(1, bumped.granted)
RETURNING id, scope, owner, expires_at;
`

	tokenRenewSQL = `
UPDATE token_grants
SET expires_at = $3
WHERE owner = $1
  AND id = ANY($2);
`

	tokenReleaseSQL = `
WITH released AS (
    DELETE FROM token_grants
    WHERE owner = $1
      AND id = ANY($2)
    RETURNING scope
),
counts AS (
    SELECT scope, COUNT(*)::int AS n
    FROM released
    GROUP BY scope
),
returned AS (
    UPDATE token_pools AS p
    SET outstanding = GREATEST(p.outstanding - c.n, 0),
        updated_at = NOW()
    FROM counts AS c
    WHERE p.scope = c.scope
    RETURNING c.n
)
SELECT COALESCE(SUM(n), 0)::bigint FROM returned;
`

	tokenReclaimSQL = `
WITH released AS (
    DELETE FROM token_grants
    WHERE expires_at < $1
    RETURNING scope
),
counts AS (
    SELECT scope, COUNT(*)::int AS n
    FROM released
    GROUP BY scope
),
returned AS (
    UPDATE token_pools AS p
    SET outstanding = GREATEST(p.outstanding - c.n, 0),
        updated_at = NOW()
    FROM counts AS c
    WHERE p.scope = c.scope
    RETURNING c.n
)
SELECT COALESCE(SUM(n), 0)::bigint FROM returned;
`
)

// EnsurePool provisions scope with capacity. Capacity never drops below current outstanding.
func (s *TokenStore) EnsurePool(ctx context.Context, scope string, capacity int) error {
	if s.pool == nil {
		return fmt.Errorf("token store: nil pool")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return fmt.Errorf("token store: scope required")
	}
	if capacity <= 0 {
		return fmt.Errorf("token store: capacity must be positive")
	}
	if _, err := s.pool.Exec(ctx, tokenEnsurePoolSQL, scope, capacity); err != nil {
		return fmt.Errorf("token store: ensure pool: %w", err)
	}
	return nil
}

// Pool returns the counter row for scope.
func (s *TokenStore) Pool(ctx context.Context, scope string) (jobstore.Pool, error) {
	if s.pool == nil {
		return jobstore.Pool{}, fmt.Errorf("token store: nil pool")
	}
	var out jobstore.Pool
	err := s.pool.QueryRow(ctx, tokenPoolSQL, strings.TrimSpace(scope)).Scan(&out.Scope, &out.Capacity, &out.Outstanding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobstore.Pool{}, jobstore.ErrTokenPoolNotFound
		}
		return jobstore.Pool{}, fmt.Errorf("token store: pool: %w", err)
	}
	return out, nil
}

// Acquire grants up to n tokens in one statement. An unprovisioned or saturated pool yields none.
func (s *TokenStore) Acquire(ctx context.Context, scope, owner string, n int, expiresAt time.Time) ([]jobstore.Grant, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("token store: nil pool")
	}
	if n <= 0 {
		return nil, nil
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("token store: owner required")
	}
	rows, err := s.pool.Query(ctx, tokenAcquireSQL, strings.TrimSpace(scope), owner, n, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("token store: acquire: %w", err)
	}
	defer rows.Close()

	var grants []jobstore.Grant
	for rows.Next() {
		var grant jobstore.Grant
		if err := rows.Scan(&grant.ID, &grant.Scope, &grant.Owner, &grant.ExpiresAt); err != nil {
			return nil, fmt.Errorf("token store: scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("token store: iterate grants: %w", err)
	}
	return grants, nil
}

// Renew extends grants still held by owner.
func (s *TokenStore) Renew(ctx context.Context, owner string, ids []int64, expiresAt time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("token store: nil pool")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, tokenRenewSQL, owner, ids, expiresAt)
	if err != nil {
		return 0, fmt.Errorf("token store: renew: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Release returns owner's grants to their pools and reports how many were returned.
// Grants already reclaimed are skipped so a token is never returned twice.
func (s *TokenStore) Release(ctx context.Context, owner string, ids []int64) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("token store: nil pool")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var released int64
	if err := s.pool.QueryRow(ctx, tokenReleaseSQL, owner, ids).Scan(&released); err != nil {
		return 0, fmt.Errorf("token store: release: %w", err)
	}
	return released, nil
}

// ReclaimExpired returns every grant that expired before now to its pool.
func (s *TokenStore) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("token store: nil pool")
	}
	var reclaimed int64
	if err := s.pool.QueryRow(ctx, tokenReclaimSQL, now).Scan(&reclaimed); err != nil {
		return 0, fmt.Errorf("token store: reclaim expired: %w", err)
	}
	return reclaimed, nil
}

var _ jobstore.TokenStore = (*TokenStore)(nil)
