// Package pricing holds per-model token pricing, versioned by effective
// date, and the cost computation used at finalization.
package pricing

import (
	"context"
	"math"
	"sort"
	"time"
)

// Price is one versioned price record for a model.
type Price struct {
	Model                 string
	EffectiveDate         time.Time
	InputPerToken         float64
	OutputPerToken        float64
	CacheCreationPerToken float64
	CacheReadPerToken     float64
}

// Table is the ModelPriceTable external collaborator: the gateway reads
// prices from it but never writes.
type Table interface {
	// PriceFor returns the price record effective for model as of at,
	// falling back to the most recent effective record not after at.
	PriceFor(ctx context.Context, model string, at time.Time) (*Price, bool, error)
}

// MemTable is an in-memory ModelPriceTable backed by a versioned table
// rather than a hardcoded per-model switch.
type MemTable struct {
	byModel map[string][]Price // sorted ascending by EffectiveDate
}

// NewMemTable builds a MemTable from an unordered slice of prices.
func NewMemTable(prices []Price) *MemTable {
	m := &MemTable{byModel: make(map[string][]Price)}
	for _, p := range prices {
		m.byModel[p.Model] = append(m.byModel[p.Model], p)
	}
	for _, list := range m.byModel {
		sort.Slice(list, func(i, j int) bool { return list[i].EffectiveDate.Before(list[j].EffectiveDate) })
	}
	return m
}

func (m *MemTable) PriceFor(ctx context.Context, model string, at time.Time) (*Price, bool, error) {
	list := m.byModel[model]
	var found *Price
	for i := range list {
		if !list[i].EffectiveDate.After(at) {
			found = &list[i]
		} else {
			break
		}
	}
	if found == nil {
		return nil, false, nil
	}
	return found, true, nil
}

// Cost computes the tokens×price sum scaled by a provider's cost
// multiplier, rounded to six decimal places.
func Cost(u Usage, p *Price, costMultiplier float64) float64 {
	raw := float64(u.InputTokens)*p.InputPerToken +
		float64(u.OutputTokens)*p.OutputPerToken +
		float64(u.CacheCreationInputTokens)*p.CacheCreationPerToken +
		float64(u.CacheReadInputTokens)*p.CacheReadPerToken
	return Round6(raw * costMultiplier)
}

// Usage mirrors wire.Usage without importing it, keeping pricing
// dependency-free of the wire package.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// Round6 rounds a monetary amount to six decimal places.
func Round6(v float64) float64 {
	const scale = 1e6
	return math.Round(v*scale) / scale
}
