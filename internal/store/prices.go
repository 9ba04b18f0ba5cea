package store

import (
	"context"

	"github.com/llmgatewayhq/gateway/internal/pricing"
)

// LoadPrices reads the full model_prices table, for building the
// in-process pricing.MemTable once at startup — the price table changes
// rarely enough that a live per-request read isn't worth it.
func (s *SQLiteStore) LoadPrices(ctx context.Context) ([]pricing.Price, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, effective_date, input_per_token, output_per_token,
			cache_creation_per_token, cache_read_per_token
		FROM model_prices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pricing.Price
	for rows.Next() {
		var p pricing.Price
		if err := rows.Scan(&p.Model, &p.EffectiveDate, &p.InputPerToken, &p.OutputPerToken,
			&p.CacheCreationPerToken, &p.CacheReadPerToken); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
