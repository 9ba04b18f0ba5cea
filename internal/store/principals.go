package store

import (
	"context"
	"database/sql"

	"github.com/llmgatewayhq/gateway/internal/principal"
)

// CandidatesByPrefix implements principal.Store: it returns every key
// whose stored hash:ciphertext begins with prefix, the candidate set the
// authenticator then verifies in full.
func (s *SQLiteStore) CandidatesByPrefix(ctx context.Context, prefix string) ([]*principal.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, hash_ciphertext, enabled, expiry, scope,
			rpm, rpd, limit_5h_usd, limit_daily_usd, limit_weekly_usd, limit_monthly_usd
		FROM keys WHERE hash_prefix = ?`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*principal.Key
	for rows.Next() {
		k := &principal.Key{}
		var enabled int
		var expiry sql.NullTime
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.HashCiphertext, &enabled, &expiry, &k.Scope,
			&k.RPM, &k.RPD, &k.Limit5hUSD, &k.LimitDailyUSD, &k.LimitWeeklyUSD, &k.LimitMonthlyUSD); err != nil {
			return nil, err
		}
		k.Enabled = enabled != 0
		if expiry.Valid {
			t := expiry.Time
			k.Expiry = &t
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UserByID implements principal.Store: resolves the owning user for a
// matched key.
func (s *SQLiteStore) UserByID(ctx context.Context, id string) (*principal.User, error) {
	u := &principal.User{}
	var enabled int
	var expiry, cycleStart sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, enabled, expiry, limit_5h_usd, limit_weekly_usd, limit_monthly_usd,
			total_limit_usd, billing_cycle_start, balance_usd, balance_usage_policy, provider_group
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Role, &enabled, &expiry, &u.Limit5hUSD, &u.LimitWeeklyUSD, &u.LimitMonthlyUSD,
		&u.TotalLimitUSD, &cycleStart, &u.BalanceUSD, &u.BalanceUsagePolicy, &u.ProviderGroup)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Enabled = enabled != 0
	if expiry.Valid {
		t := expiry.Time
		u.Expiry = &t
	}
	if cycleStart.Valid {
		t := cycleStart.Time
		u.BillingCycleStart = &t
	}

	balance, err := s.Balance(ctx, id)
	if err != nil {
		return nil, err
	}
	u.BalanceUSD = balance

	return u, nil
}
