// Package ratelimit implements the two-layer rate-limit and quota guard:
// a user-scoped dual-track payment-plan check, then a key-scoped
// RPM/daily/package check. Layer 1 and layer 2 short-circuit on first
// denial. Provider concurrency ceilings are checked separately, through
// AcquireConcurrency.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/llmgatewayhq/gateway/internal/gwerrors"
	"github.com/llmgatewayhq/gateway/internal/pricing"
	"github.com/llmgatewayhq/gateway/internal/principal"
	"github.com/llmgatewayhq/gateway/internal/session"
	"github.com/llmgatewayhq/gateway/internal/store"
)

// Guard evaluates both layers. It never fails open: when the hot cache
// is unavailable every query falls through to the durable counter store.
type Guard struct {
	durable store.CounterStore
	hot     *store.TTLMap[float64]
	loc     *time.Location

	estimatedCostUSD float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // per-key in-process RPM token buckets
}

// New builds a Guard. durable is the authoritative counter store (sqlite
// or redis); hot is the in-process read-through memo.
func New(durable store.CounterStore, hot *store.TTLMap[float64], loc *time.Location, estimatedCostUSD float64) *Guard {
	if loc == nil {
		loc = time.UTC
	}
	return &Guard{
		durable:          durable,
		hot:              hot,
		loc:              loc,
		estimatedCostUSD: estimatedCostUSD,
		limiters:         make(map[string]*rate.Limiter),
	}
}

// Decision is the guard's verdict.
type Decision struct {
	Allowed bool
	Plan    session.PaymentPlan
	Deny    *gwerrors.Error
}

type window struct {
	period Period
	limit  float64
}

// Guard runs layer 1 (user dual-track) then layer 2 (key), short-
// circuiting on the first denial.
func (g *Guard) Guard(ctx context.Context, p *principal.Principal) Decision {
	plan, denyErr := g.layer1User(ctx, p)
	if denyErr != nil {
		return Decision{Allowed: false, Deny: denyErr}
	}
	if denyErr := g.layer2Key(ctx, p); denyErr != nil {
		return Decision{Allowed: false, Deny: denyErr}
	}
	return Decision{Allowed: true, Plan: plan}
}

// layer1User implements the dual-track package/balance algebra against
// the user's configured package windows, using the guard's fixed
// pre-dispatch cost estimate.
func (g *Guard) layer1User(ctx context.Context, p *principal.Principal) (session.PaymentPlan, *gwerrors.Error) {
	plan, _, gerr := g.planFor(ctx, p, g.estimatedCostUSD, true)
	return plan, gerr
}

// RecomputePlan redoes the layer-1 package/balance algebra with the
// actual cost known at finalization, against the latest
// balance rather than the fixed pre-estimate used at dispatch time. It
// never denies — by the time a response exists the work has already
// been done; the ledger's non-negative check is the last line of
// defense if balance has since been drawn down by a concurrent request.
func (g *Guard) RecomputePlan(ctx context.Context, p *principal.Principal, actualCost float64) (session.PaymentPlan, *gwerrors.Error) {
	plan, _, gerr := g.planFor(ctx, p, actualCost, false)
	return plan, gerr
}

// planFor is the shared package/balance algebra. denyOnShortfall controls
// whether an insufficient balance is reported as a denial (layer 1, pre-
// dispatch) or just returned as-is (finalization, which never denies).
func (g *Guard) planFor(ctx context.Context, p *principal.Principal, estimated float64, denyOnShortfall bool) (session.PaymentPlan, bool, *gwerrors.Error) {
	u := p.User
	windows := []window{}
	if u.Limit5hUSD > 0 {
		windows = append(windows, window{PeriodFiveHour, u.Limit5hUSD})
	}
	if u.LimitWeeklyUSD > 0 {
		windows = append(windows, window{PeriodWeekly, u.LimitWeeklyUSD})
	}
	if u.LimitMonthlyUSD > 0 {
		windows = append(windows, window{PeriodMonthly, u.LimitMonthlyUSD})
	}
	if u.TotalLimitUSD > 0 {
		windows = append(windows, window{PeriodTotal, u.TotalLimitUSD})
	}

	minRemaining := 0.0 // minimum over configured windows; unused when none is configured
	for i, w := range windows {
		spend, err := g.readSpend(ctx, "user", u.ID, w.period, u.BillingCycleStart)
		if err != nil {
			return session.PaymentPlan{}, false, gwerrors.Wrap(gwerrors.KindInternalError, "quota read failed", err).WithStatus(500)
		}
		remaining := w.limit - spend
		if i == 0 || remaining < minRemaining {
			minRemaining = remaining
		}
	}

	preferBalance := u.BalanceUsagePolicy == principal.PolicyPreferBalance
	var fromPackage, fromBalance float64

	switch {
	case len(windows) == 0:
		// No package limit configured at all: everything from balance.
		fromBalance = estimated
	case preferBalance:
		fromBalance = min(estimated, u.BalanceUSD)
		fromPackage = max(0, min(minRemaining, estimated-fromBalance))
		fromBalance = estimated - fromPackage
	default: // after_quota: package first
		fromPackage = max(0, min(minRemaining, estimated))
		fromBalance = estimated - fromPackage
	}
	fromPackage = pricing.Round6(fromPackage)
	fromBalance = pricing.Round6(fromBalance)

	insufficient := fromBalance > 0 && u.BalanceUSD < fromBalance
	if insufficient && denyOnShortfall {
		return session.PaymentPlan{}, true, gwerrors.New(gwerrors.KindQuotaDenied, "quota exhausted and balance insufficient").WithRateLimitScope("user")
	}

	source := "package"
	switch {
	case fromPackage == 0 && fromBalance > 0:
		source = "balance"
	case fromPackage > 0 && fromBalance > 0:
		source = "mixed"
	}
	return session.PaymentPlan{FromPackage: fromPackage, FromBalance: fromBalance, Source: source}, insufficient, nil
}

// layer2Key implements the key-scoped RPM, daily spend and package-style
// window limits.
func (g *Guard) layer2Key(ctx context.Context, p *principal.Principal) *gwerrors.Error {
	k := p.Key
	if k.RPM > 0 {
		// Local token bucket first: this replica sees at most the key's
		// global traffic, so a local-bucket exhaustion already proves the
		// global limit is exceeded — deny without a store round trip.
		if !g.localRPM(k.ID, k.RPM).Allow() {
			return gwerrors.New(gwerrors.KindQuotaDenied, "rpm limit exceeded").WithRateLimitScope("key")
		}
		count, err := g.durable.AddRolling(ctx, rpmKey(k.ID), 1, time.Now(), time.Minute)
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindInternalError, "rpm check failed", err).WithStatus(500)
		}
		if count > float64(k.RPM) {
			return gwerrors.New(gwerrors.KindQuotaDenied, "rpm limit exceeded").WithRateLimitScope("key")
		}
	}

	if k.Limit5hUSD > 0 {
		spend, err := g.readSpend(ctx, "key", k.ID, PeriodFiveHour, nil)
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindInternalError, "quota read failed", err).WithStatus(500)
		}
		if spend >= k.Limit5hUSD {
			return gwerrors.New(gwerrors.KindQuotaDenied, "key 5h limit exceeded").WithRateLimitScope("key")
		}
	}
	if k.LimitWeeklyUSD > 0 {
		spend, err := g.readSpend(ctx, "key", k.ID, PeriodWeekly, nil)
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindInternalError, "quota read failed", err).WithStatus(500)
		}
		if spend >= k.LimitWeeklyUSD {
			return gwerrors.New(gwerrors.KindQuotaDenied, "key weekly limit exceeded").WithRateLimitScope("key")
		}
	}
	if k.LimitMonthlyUSD > 0 {
		spend, err := g.readSpend(ctx, "key", k.ID, PeriodMonthly, nil)
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindInternalError, "quota read failed", err).WithStatus(500)
		}
		if spend >= k.LimitMonthlyUSD {
			return gwerrors.New(gwerrors.KindQuotaDenied, "key monthly limit exceeded").WithRateLimitScope("key")
		}
	}
	if k.LimitDailyUSD > 0 {
		spend, err := g.readSpend(ctx, "key", k.ID, PeriodDaily, nil)
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindInternalError, "quota read failed", err).WithStatus(500)
		}
		if spend >= k.LimitDailyUSD {
			return gwerrors.New(gwerrors.KindQuotaDenied, "key daily limit exceeded").WithRateLimitScope("key")
		}
	}

	return nil
}

// AcquireConcurrency performs the atomic check-and-add for a provider's
// concurrent-session ceiling. Must be released via ReleaseConcurrency
// once the request completes.
func (g *Guard) AcquireConcurrency(ctx context.Context, providerID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	return g.durable.CheckAndIncrConcurrency(ctx, concurrencyKey(providerID), limit, time.Hour)
}

// ReleaseConcurrency releases a slot acquired by AcquireConcurrency.
func (g *Guard) ReleaseConcurrency(ctx context.Context, providerID string) error {
	return g.durable.DecrConcurrency(ctx, concurrencyKey(providerID))
}

// RecordUsage implements the usage write path: increments
// {key, owner_key_aggregate, user} × {5h, weekly, monthly, daily, total}
// by fromPackage only — the balance portion is tracked exclusively by
// the ledger.
func (g *Guard) RecordUsage(ctx context.Context, p *principal.Principal, fromPackage float64) error {
	if fromPackage <= 0 {
		return nil
	}
	scopes := []struct {
		scope string
		id    string
	}{
		{"key", p.Key.ID},
		{"owner_key_aggregate", p.AggregateID()},
		{"user", p.User.ID},
	}
	periods := []Period{PeriodFiveHour, PeriodWeekly, PeriodMonthly, PeriodDaily, PeriodTotal}

	for _, sc := range scopes {
		for _, period := range periods {
			if err := g.writeSpend(ctx, sc.scope, sc.id, period, fromPackage, p.User.BillingCycleStart); err != nil {
				return err
			}
			g.hot.Delete(cacheKey(sc.scope, sc.id, period))
		}
	}
	return nil
}

func (g *Guard) writeSpend(ctx context.Context, scope, id string, period Period, amount float64, cycleStart *time.Time) error {
	key := counterKey(scope, id, period)
	if period == PeriodFiveHour {
		_, err := g.durable.AddRolling(ctx, key, amount, time.Now(), windowFor(period))
		return err
	}
	ttl := ttlFor(period, time.Now(), g.loc, cycleStart)
	_, err := g.durable.IncrFixedWindow(ctx, key, amount, ttl)
	return err
}

// readSpend implements the guard's read path: fast path from the hot
// cache; on a miss, re-derive from the durable store and write back with
// a one-minute TTL. When a billing-cycle anchor is configured
// the read bypasses the cache entirely, since the natural-period cache
// key cannot represent an anchored window precisely.
func (g *Guard) readSpend(ctx context.Context, scope, id string, period Period, cycleStart *time.Time) (float64, error) {
	if cycleStart != nil {
		return g.readDurable(ctx, scope, id, period)
	}
	ck := cacheKey(scope, id, period)
	if v, ok := g.hot.Get(ck); ok {
		return v, nil
	}
	v, err := g.readDurable(ctx, scope, id, period)
	if err != nil {
		return 0, err
	}
	g.hot.Set(ck, v, time.Minute)
	return v, nil
}

func (g *Guard) readDurable(ctx context.Context, scope, id string, period Period) (float64, error) {
	key := counterKey(scope, id, period)
	if period == PeriodFiveHour {
		return g.durable.SumRolling(ctx, key, time.Now(), windowFor(period))
	}
	return g.durable.GetFixedWindow(ctx, key)
}

func counterKey(scope, id string, period Period) string {
	return fmt.Sprintf("%s:%s:spend:%s", scope, id, period)
}

func cacheKey(scope, id string, period Period) string {
	return counterKey(scope, id, period)
}

// localRPM returns (creating on first use) the in-process token bucket
// for a key, refilling at rpm per minute with a burst of rpm. The bucket
// is a memo in front of the authoritative store-side sliding window, not
// a replacement for it.
func (g *Guard) localRPM(keyID string, rpm int) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[keyID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	g.limiters[keyID] = l
	return l
}

func rpmKey(keyID string) string              { return fmt.Sprintf("key:%s:rpm", keyID) }
func concurrencyKey(providerID string) string { return fmt.Sprintf("provider:%s:concurrency", providerID) }
