package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/llmgatewayhq/gateway/internal/gwerrors"
	"github.com/llmgatewayhq/gateway/internal/principal"
	"github.com/llmgatewayhq/gateway/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestGuard(t *testing.T, s *store.SQLiteStore, estimated float64) *Guard {
	t.Helper()
	return New(s, store.NewTTLMap[float64](), time.UTC, estimated)
}

func testPrincipal(user *principal.User, key *principal.Key) *principal.Principal {
	if user.ID == "" {
		user.ID = "u1"
	}
	if key == nil {
		key = &principal.Key{ID: "k1", UserID: user.ID, Enabled: true}
	}
	user.Enabled = true
	return &principal.Principal{User: user, Key: key}
}

// seedSpend writes an existing spend total for a user window directly
// against the durable counter, the way a finalized request would have.
func seedSpend(t *testing.T, s *store.SQLiteStore, scope, id string, period Period, amount float64) {
	t.Helper()
	key := scope + ":" + id + ":spend:" + string(period)
	if period == PeriodFiveHour {
		if _, err := s.AddRolling(context.Background(), key, amount, time.Now(), 5*time.Hour); err != nil {
			t.Fatalf("seed rolling spend: %v", err)
		}
		return
	}
	if _, err := s.IncrFixedWindow(context.Background(), key, amount, time.Hour); err != nil {
		t.Fatalf("seed spend: %v", err)
	}
}

func TestAllowAllFromPackage(t *testing.T) {
	s := newTestStore(t)
	g := newTestGuard(t, s, 1.0)
	p := testPrincipal(&principal.User{LimitMonthlyUSD: 10}, nil)

	d := g.Guard(context.Background(), p)
	if !d.Allowed {
		t.Fatalf("denied: %v", d.Deny)
	}
	if d.Plan.FromPackage != 1.0 || d.Plan.FromBalance != 0 || d.Plan.Source != "package" {
		t.Fatalf("plan = %+v, want all from package", d.Plan)
	}
}

func TestMixedSourcePlan(t *testing.T) {
	s := newTestStore(t)
	g := newTestGuard(t, s, 1.0)
	p := testPrincipal(&principal.User{LimitMonthlyUSD: 10, BalanceUSD: 5}, nil)
	seedSpend(t, s, "user", "u1", PeriodMonthly, 9.5)

	d := g.Guard(context.Background(), p)
	if !d.Allowed {
		t.Fatalf("denied: %v", d.Deny)
	}
	if d.Plan.FromPackage != 0.5 || d.Plan.FromBalance != 0.5 || d.Plan.Source != "mixed" {
		t.Fatalf("plan = %+v, want {0.5, 0.5, mixed}", d.Plan)
	}
}

func TestDenyWhenQuotaAndBalanceExhausted(t *testing.T) {
	s := newTestStore(t)
	g := newTestGuard(t, s, 1.0)
	p := testPrincipal(&principal.User{LimitMonthlyUSD: 10, BalanceUSD: 0.25}, nil)
	seedSpend(t, s, "user", "u1", PeriodMonthly, 10)

	d := g.Guard(context.Background(), p)
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if d.Deny.Kind != gwerrors.KindQuotaDenied {
		t.Fatalf("kind = %s, want quota_denied", d.Deny.Kind)
	}
	if d.Deny.RateLimitScope != "user" {
		t.Fatalf("scope = %q, want user", d.Deny.RateLimitScope)
	}
}

func TestMinRemainingAcrossWindows(t *testing.T) {
	s := newTestStore(t)
	g := newTestGuard(t, s, 1.0)
	// Weekly window is the tightest: remaining 0.2 forces 0.8 from balance.
	p := testPrincipal(&principal.User{LimitWeeklyUSD: 5, LimitMonthlyUSD: 100, BalanceUSD: 10}, nil)
	seedSpend(t, s, "user", "u1", PeriodWeekly, 4.8)

	d := g.Guard(context.Background(), p)
	if !d.Allowed {
		t.Fatalf("denied: %v", d.Deny)
	}
	if d.Plan.FromPackage != 0.2 || d.Plan.FromBalance != 0.8 {
		t.Fatalf("plan = %+v, want {0.2, 0.8}", d.Plan)
	}
}

func TestPreferBalanceDrawsBalanceFirst(t *testing.T) {
	s := newTestStore(t)
	g := newTestGuard(t, s, 1.0)
	p := testPrincipal(&principal.User{
		LimitMonthlyUSD: 10, BalanceUSD: 0.6,
		BalanceUsagePolicy: principal.PolicyPreferBalance,
	}, nil)

	d := g.Guard(context.Background(), p)
	if !d.Allowed {
		t.Fatalf("denied: %v", d.Deny)
	}
	if d.Plan.FromBalance != 0.6 || d.Plan.FromPackage != 0.4 || d.Plan.Source != "mixed" {
		t.Fatalf("plan = %+v, want balance drawn first {0.4, 0.6, mixed}", d.Plan)
	}
}

func TestNoLimitsEverythingFromBalance(t *testing.T) {
	s := newTestStore(t)
	g := newTestGuard(t, s, 0.05)
	p := testPrincipal(&principal.User{BalanceUSD: 10}, nil)

	d := g.Guard(context.Background(), p)
	if !d.Allowed {
		t.Fatalf("denied: %v", d.Deny)
	}
	if d.Plan.FromBalance != 0.05 || d.Plan.Source != "balance" {
		t.Fatalf("plan = %+v, want all from balance", d.Plan)
	}
}

func TestKeyRPMLimit(t *testing.T) {
	s := newTestStore(t)
	g := newTestGuard(t, s, 0.01)
	p := testPrincipal(&principal.User{BalanceUSD: 10}, &principal.Key{ID: "k-rpm", UserID: "u1", Enabled: true, RPM: 2})

	for i := 0; i < 2; i++ {
		if d := g.Guard(context.Background(), p); !d.Allowed {
			t.Fatalf("request %d denied: %v", i+1, d.Deny)
		}
	}
	d := g.Guard(context.Background(), p)
	if d.Allowed {
		t.Fatal("third request within a minute should be denied")
	}
	if d.Deny.RateLimitScope != "key" {
		t.Fatalf("scope = %q, want key", d.Deny.RateLimitScope)
	}
	if d.Deny.Status != 429 {
		t.Fatalf("status = %d, want 429", d.Deny.Status)
	}
}

func TestKeyDailyLimit(t *testing.T) {
	s := newTestStore(t)
	g := newTestGuard(t, s, 0.01)
	p := testPrincipal(&principal.User{BalanceUSD: 10}, &principal.Key{ID: "k-daily", UserID: "u1", Enabled: true, LimitDailyUSD: 2})
	seedSpend(t, s, "key", "k-daily", PeriodDaily, 2)

	d := g.Guard(context.Background(), p)
	if d.Allowed {
		t.Fatal("expected daily-limit denial")
	}
}

func TestConcurrencyCheckAndAdd(t *testing.T) {
	s := newTestStore(t)
	g := newTestGuard(t, s, 0.01)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := g.AcquireConcurrency(ctx, "prov", 2)
		if err != nil || !ok {
			t.Fatalf("acquire %d = (%v, %v), want allowed", i+1, ok, err)
		}
	}
	ok, err := g.AcquireConcurrency(ctx, "prov", 2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("third concurrent session should be refused")
	}

	if err := g.ReleaseConcurrency(ctx, "prov"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = g.AcquireConcurrency(ctx, "prov", 2)
	if !ok {
		t.Fatal("slot should be available again after release")
	}
}

func TestRecordUsageWritesAllScopesAndPeriods(t *testing.T) {
	s := newTestStore(t)
	g := newTestGuard(t, s, 0.01)
	ctx := context.Background()
	p := testPrincipal(&principal.User{}, nil)

	if err := g.RecordUsage(ctx, p, 1.5); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	for _, scope := range []struct{ scope, id string }{
		{"key", "k1"}, {"owner_key_aggregate", "u1"}, {"user", "u1"},
	} {
		for _, period := range []Period{PeriodWeekly, PeriodMonthly, PeriodDaily, PeriodTotal} {
			key := scope.scope + ":" + scope.id + ":spend:" + string(period)
			v, err := s.GetFixedWindow(ctx, key)
			if err != nil {
				t.Fatalf("read %s: %v", key, err)
			}
			if v != 1.5 {
				t.Fatalf("%s = %v, want 1.5", key, v)
			}
		}
		rollKey := scope.scope + ":" + scope.id + ":spend:5h"
		v, err := s.SumRolling(ctx, rollKey, time.Now(), 5*time.Hour)
		if err != nil {
			t.Fatalf("read %s: %v", rollKey, err)
		}
		if v != 1.5 {
			t.Fatalf("%s = %v, want 1.5", rollKey, v)
		}
	}
}

func TestRecomputePlanNeverDenies(t *testing.T) {
	s := newTestStore(t)
	g := newTestGuard(t, s, 1.0)
	p := testPrincipal(&principal.User{LimitMonthlyUSD: 10, BalanceUSD: 0}, nil)
	seedSpend(t, s, "user", "u1", PeriodMonthly, 10)

	plan, gerr := g.RecomputePlan(context.Background(), p, 0.8)
	if gerr != nil {
		t.Fatalf("recompute should not deny: %v", gerr)
	}
	if plan.FromBalance != 0.8 {
		t.Fatalf("plan = %+v, want 0.8 from balance despite shortfall", plan)
	}
}
