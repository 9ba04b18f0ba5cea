// Package selector implements the provider selector: eligibility
// filtering, sticky binding, weighted priority-group sampling with
// half-open probe weighting, and the fail-open fallback cohort.
package selector

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/llmgatewayhq/gateway/internal/breaker"
	"github.com/llmgatewayhq/gateway/internal/catalog"
	"github.com/llmgatewayhq/gateway/internal/gwerrors"
	"github.com/llmgatewayhq/gateway/internal/store"
)

// HalfOpenWeightMultiplier is the default weight reduction applied to a
// half-open provider so it is probed conservatively rather than sent
// full traffic. Tunable via config; 0.1 has held up well in practice.
const HalfOpenWeightMultiplier = 0.1

// Selector chooses a Provider for a session.
type Selector struct {
	catalog        catalog.Catalog
	breaker        *breaker.Manager
	sticky         store.StickyStore
	halfOpenWeight float64

	// rng is shared across concurrent requests; rand.Rand is not safe
	// for concurrent use, so every draw goes through rngMu.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a Selector.
func New(cat catalog.Catalog, br *breaker.Manager, sticky store.StickyStore) *Selector {
	return &Selector{
		catalog: cat, breaker: br, sticky: sticky,
		rng:            rand.New(rand.NewSource(1)),
		halfOpenWeight: HalfOpenWeightMultiplier,
	}
}

// SetHalfOpenWeight overrides the half-open probe weight multiplier,
// which operators tune via config.
func (s *Selector) SetHalfOpenWeight(w float64) {
	if w > 0 {
		s.halfOpenWeight = w
	}
}

func (s *Selector) randFloat64() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *Selector) randIntn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

// Input bundles what the selector needs to know about the current
// request beyond the provider catalog and circuit state.
type Input struct {
	SessionID      string
	Model          string
	ClientFormat   string
	UserAgent      string
	ProviderGroup  string
	IsOfficialCLI  bool
	IsMultiTurn    bool
	ExcludeSet     map[string]bool
	HadBoundBefore bool // session already carried a sticky binding before this call
}

// Result is what the selector decided and why, for provider-chain
// logging.
type Result struct {
	Provider *catalog.Provider
	Reason   string // initial_selection | session_reuse
}

// Select implements the eligibility filter, sticky-binding reuse,
// weighted pick and fail-open fallback, in that order.
func (s *Selector) Select(ctx context.Context, in Input) (*Result, *gwerrors.Error) {
	providers, err := s.catalog.Enabled(ctx)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternalError, "catalog read failed", err).WithStatus(500)
	}

	eligible := make([]*catalog.Provider, 0, len(providers))
	halfOpen := make(map[string]bool)
	for _, p := range providers {
		ok, isHalfOpen, err := s.isEligible(ctx, p, in)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindInternalError, "circuit read failed", err).WithStatus(500)
		}
		if ok {
			eligible = append(eligible, p)
			halfOpen[p.ID] = isHalfOpen
		}
	}

	// Sticky binding: if the session has a bound provider and it is
	// still eligible, reuse it unconditionally (subject to eligibility).
	if in.IsMultiTurn || in.HadBoundBefore {
		if boundID, ok, err := s.sticky.GetSticky(ctx, in.SessionID); err == nil && ok {
			for _, p := range eligible {
				if p.ID == boundID {
					return &Result{Provider: p, Reason: "session_reuse"}, nil
				}
			}
		}
	}

	if len(eligible) == 0 {
		if fallback := s.fallbackCohort(ctx, providers, in); fallback != nil {
			return &Result{Provider: fallback, Reason: "initial_selection"}, nil
		}
		return nil, gwerrors.New(gwerrors.KindSelectionEmpty, "no eligible provider").WithStatus(503)
	}

	picked := s.weightedPick(eligible, halfOpen)
	return &Result{Provider: picked, Reason: "initial_selection"}, nil
}

func (s *Selector) isEligible(ctx context.Context, p *catalog.Provider, in Input) (eligible bool, isHalfOpen bool, err error) {
	if !p.Enabled || p.Expired {
		return false, false, nil
	}
	if in.ExcludeSet[p.ID] {
		return false, false, nil
	}
	if in.ProviderGroup != "" && p.GroupTag != "" && p.GroupTag != in.ProviderGroup {
		return false, false, nil
	}
	if !p.AllowsModel(in.Model) {
		return false, false, nil
	}
	if !formatCompatible(p.Type, in.ClientFormat) {
		return false, false, nil
	}
	if p.OnlyClaudeCLI && !in.IsOfficialCLI {
		return false, false, nil
	}
	state, err := s.breaker.State(ctx, p.ID)
	if err != nil {
		return false, false, err
	}
	if state == breaker.StateOpen {
		return false, false, nil
	}
	return true, state == breaker.StateHalfOpen, nil
}

// formatCompatible reports whether a provider's wire type can serve a
// client of the given format. A transform pair exists for every (from,
// to) combination, so any enabled provider type is compatible.
func formatCompatible(pt catalog.ProviderType, clientFormat string) bool {
	switch pt {
	case catalog.TypeClaude, catalog.TypeClaudeAuth, catalog.TypeCodex, catalog.TypeOpenAI:
		return true
	default:
		return false
	}
}

// weightedPick groups by priority (lower preferred), picks the lowest
// non-empty group, and samples proportional to weight within it. A
// half-open provider's effective weight is multiplied by the configured
// half-open weight (HalfOpenWeightMultiplier unless overridden) so it is
// probed, not trusted with full traffic. Weight-zero ties are broken by uniform random.
func (s *Selector) weightedPick(eligible []*catalog.Provider, halfOpen map[string]bool) *catalog.Provider {
	groups := make(map[int][]*catalog.Provider)
	for _, p := range eligible {
		groups[p.Priority] = append(groups[p.Priority], p)
	}
	priorities := make([]int, 0, len(groups))
	for pr := range groups {
		priorities = append(priorities, pr)
	}
	sort.Ints(priorities)
	group := groups[priorities[0]]

	total := 0.0
	weights := make([]float64, len(group))
	for i, p := range group {
		w := float64(p.Weight)
		if halfOpen[p.ID] {
			w *= s.halfOpenWeight
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return group[s.randIntn(len(group))]
	}
	r := s.randFloat64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r < acc {
			return group[i]
		}
	}
	return group[len(group)-1]
}

// fallbackCohort draws with equal weight from providers flagged as the
// cross-type fail-open cohort, as the last resort before the
// selection-empty error.
func (s *Selector) fallbackCohort(ctx context.Context, providers []*catalog.Provider, in Input) *catalog.Provider {
	cohort := make([]*catalog.Provider, 0)
	for _, p := range providers {
		if p.FailOpen && p.Enabled && !p.Expired && !in.ExcludeSet[p.ID] {
			cohort = append(cohort, p)
		}
	}
	if len(cohort) == 0 {
		return nil
	}
	return cohort[s.randIntn(len(cohort))]
}

// ApplyBinding implements the smart-binding rule: a first-attempt
// success replaces the binding unconditionally; subsequent successes
// replace only when the new provider's priority is equal or lower (more
// preferred) than the previously bound provider's.
func ApplyBinding(ctx context.Context, sticky store.StickyStore, sessionID string, firstAttempt bool, newProvider, oldProvider *catalog.Provider, ttl time.Duration) error {
	if firstAttempt || oldProvider == nil || newProvider.Priority <= oldProvider.Priority {
		return sticky.SetSticky(ctx, sessionID, newProvider.ID, ttl)
	}
	return nil
}

// Get resolves a provider by id, including disabled ones, so callers can
// inspect the priority of a previously bound provider that may no longer
// be eligible.
func (s *Selector) Get(ctx context.Context, id string) (*catalog.Provider, error) {
	return s.catalog.Get(ctx, id)
}

// IsProbeContent reports whether body text matches the canary strings.
func IsProbeContent(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "foo" || t == "count"
}
