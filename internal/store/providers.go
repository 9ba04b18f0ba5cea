package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/llmgatewayhq/gateway/internal/catalog"
)

const providerColumns = `
	id, name, url, api_key, type, priority, weight, cost_multiplier, group_tag,
	join_claude_pool, codex_instructions_strategy, model_redirects, allowed_models,
	only_claude_cli, limit_5h_usd, limit_weekly_usd, limit_monthly_usd,
	limit_concurrent_sessions, rpm, rpd, tpm, cc, failure_threshold,
	open_duration_ms, half_open_success_threshold, proxy_url, proxy_fallback_to_direct,
	enabled, expired, fail_open`

// Enabled implements catalog.Catalog: returns every provider currently
// enabled and not expired.
func (s *SQLiteStore) Enabled(ctx context.Context) ([]*catalog.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE enabled=1 AND expired=0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*catalog.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get implements catalog.Catalog: returns a single provider by id,
// including disabled ones, for the selector's sticky-binding validation.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*catalog.Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id=?`, id)
	p, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting
// scanProvider serve both Get and Enabled.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(r rowScanner) (*catalog.Provider, error) {
	p := &catalog.Provider{}
	var joinPool, onlyCLI, proxyFallback, enabled, expired, failOpen int
	var groupTag, proxyURL sql.NullString
	var redirectsJSON, allowedJSON string

	err := r.Scan(
		&p.ID, &p.Name, &p.URL, &p.Key, &p.Type, &p.Priority, &p.Weight, &p.CostMultiplier, &groupTag,
		&joinPool, &p.CodexInstructionsStrategy, &redirectsJSON, &allowedJSON,
		&onlyCLI, &p.Limit5hUSD, &p.LimitWeeklyUSD, &p.LimitMonthlyUSD,
		&p.LimitConcurrentSessions, &p.RPM, &p.RPD, &p.TPM, &p.CC, &p.FailureThreshold,
		&p.OpenDurationMs, &p.HalfOpenSuccessThreshold, &proxyURL, &proxyFallback,
		&enabled, &expired, &failOpen,
	)
	if err != nil {
		return nil, err
	}

	p.GroupTag = groupTag.String
	p.ProxyURL = proxyURL.String
	p.JoinClaudePool = joinPool != 0
	p.OnlyClaudeCLI = onlyCLI != 0
	p.ProxyFallbackToDirect = proxyFallback != 0
	p.Enabled = enabled != 0
	p.Expired = expired != 0
	p.FailOpen = failOpen != 0

	if redirectsJSON != "" {
		_ = json.Unmarshal([]byte(redirectsJSON), &p.ModelRedirects)
	}
	if allowedJSON != "" {
		_ = json.Unmarshal([]byte(allowedJSON), &p.AllowedModels)
	}
	return p, nil
}
