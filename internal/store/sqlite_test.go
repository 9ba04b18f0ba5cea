package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDebitIsTransactionalAndAppendsLedgerRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Credit(ctx, "u1", 10, "initial top-up"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	after, err := s.Debit(ctx, "u1", 3, "gateway usage", "req-1")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if after != 7 {
		t.Fatalf("balance after = %v, want 7", after)
	}
	bal, err := s.Balance(ctx, "u1")
	if err != nil || bal != 7 {
		t.Fatalf("balance read = (%v, %v), want 7", bal, err)
	}

	rows, err := s.LedgerRows(ctx, "u1")
	if err != nil {
		t.Fatalf("ledger rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ledger rows = %d, want credit + deduction", len(rows))
	}
	var deduction *BalanceTxRow
	for i := range rows {
		if rows[i].Type == "deduction" {
			deduction = &rows[i]
		}
	}
	if deduction == nil {
		t.Fatal("no deduction row written")
	}
	if deduction.Amount != -3 || deduction.BalanceBefore != 10 || deduction.BalanceAfter != 7 {
		t.Fatalf("deduction row = %+v", deduction)
	}
	if deduction.MessageRequestID != "req-1" {
		t.Fatalf("message request link = %q", deduction.MessageRequestID)
	}
}

func TestDebitRefusesNegativeBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Credit(ctx, "u1", 1, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := s.Debit(ctx, "u1", 2, "too much", "req-1"); err == nil {
		t.Fatal("debit past zero must fail")
	}
	bal, _ := s.Balance(ctx, "u1")
	if bal != 1 {
		t.Fatalf("failed debit must not change the balance, got %v", bal)
	}
	rows, _ := s.LedgerRows(ctx, "u1")
	if len(rows) != 1 {
		t.Fatalf("failed debit must not append a ledger row, got %d rows", len(rows))
	}
}

func TestMessageRequestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	row := &MessageRequestRow{
		ID: "req-1", UserID: "u1", KeyHash: "k1", SessionID: "s1",
		Model: "m1", OriginalModel: "m0", CreatedAt: now, UpdatedAt: now,
	}
	if err := s.Create(ctx, row); err != nil {
		t.Fatalf("create: %v", err)
	}

	row.ProviderID = "p1"
	row.StatusCode = 200
	row.InputTokens = 100
	row.OutputTokens = 200
	row.CostUSD = 3
	row.PackageCostUSD = 1
	row.BalanceCostUSD = 2
	row.PaymentSource = "mixed"
	row.ProviderChain = []ProviderChainItem{
		{ProviderID: "p0", Reason: "retry_failed", Attempt: 1, StatusCode: 502},
		{ProviderID: "p1", Reason: "request_success", Attempt: 1, StatusCode: 200},
	}
	row.UpdatedAt = now.Add(time.Second)
	if err := s.Update(ctx, row); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.MessageRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got.StatusCode != 200 || got.CostUSD != 3 || got.PaymentSource != "mixed" {
		t.Fatalf("row = %+v", got)
	}
	if len(got.ProviderChain) != 2 || got.ProviderChain[0].Reason != "retry_failed" || got.ProviderChain[1].Reason != "request_success" {
		t.Fatalf("chain = %+v", got.ProviderChain)
	}
}

func TestRollingWindowTrimsOldEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.AddRolling(ctx, "w", 2, now.Add(-6*time.Hour), 5*time.Hour); err != nil {
		t.Fatalf("add old: %v", err)
	}
	sum, err := s.AddRolling(ctx, "w", 3, now, 5*time.Hour)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if sum != 3 {
		t.Fatalf("sum = %v, the 6h-old entry must be trimmed", sum)
	}

	sum, err = s.SumRolling(ctx, "w", now, 5*time.Hour)
	if err != nil || sum != 3 {
		t.Fatalf("read-only sum = (%v, %v), want 3", sum, err)
	}
}

func TestFixedWindowExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.IncrFixedWindow(ctx, "f", 5, 10*time.Millisecond); err != nil {
		t.Fatalf("incr: %v", err)
	}
	v, _ := s.GetFixedWindow(ctx, "f")
	if v != 5 {
		t.Fatalf("value = %v, want 5", v)
	}

	time.Sleep(20 * time.Millisecond)
	v, _ = s.GetFixedWindow(ctx, "f")
	if v != 0 {
		t.Fatalf("expired counter = %v, want 0", v)
	}
	// A write after expiry starts a fresh window.
	v, _ = s.IncrFixedWindow(ctx, "f", 2, time.Hour)
	if v != 2 {
		t.Fatalf("fresh window value = %v, want 2", v)
	}
}

func TestConcurrencyCounterBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := s.CheckAndIncrConcurrency(ctx, "c", 3, time.Hour)
		if err != nil || !ok {
			t.Fatalf("acquire %d = (%v, %v)", i+1, ok, err)
		}
	}
	ok, _ := s.CheckAndIncrConcurrency(ctx, "c", 3, time.Hour)
	if ok {
		t.Fatal("fourth acquire should be refused at limit 3")
	}
	if err := s.DecrConcurrency(ctx, "c"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = s.CheckAndIncrConcurrency(ctx, "c", 3, time.Hour)
	if !ok {
		t.Fatal("slot must free up after release")
	}
}

func TestStickyBindingTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetSticky(ctx, "sess", "p1", 20*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	id, ok, _ := s.GetSticky(ctx, "sess")
	if !ok || id != "p1" {
		t.Fatalf("sticky = (%q, %v)", id, ok)
	}
	time.Sleep(30 * time.Millisecond)
	_, ok, _ = s.GetSticky(ctx, "sess")
	if ok {
		t.Fatal("binding must expire")
	}
}

func TestInstructionsCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetInstructions(ctx, "p1", "m1", "be official", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	instr, ok, _ := s.GetInstructions(ctx, "p1", "m1")
	if !ok || instr != "be official" {
		t.Fatalf("instructions = (%q, %v)", instr, ok)
	}
	_, ok, _ = s.GetInstructions(ctx, "p1", "other-model")
	if ok {
		t.Fatal("cache is keyed by (provider, model)")
	}
}

func TestCircuitRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.GetCircuit(ctx, "p1")
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if rec.State != "closed" {
		t.Fatalf("default state = %s, want closed", rec.State)
	}

	openUntil := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	if err := s.SetCircuit(ctx, "p1", &CircuitRecord{State: "open", FailureCount: 4, OpenUntil: openUntil}); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec, err = s.GetCircuit(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != "open" || rec.FailureCount != 4 || !rec.OpenUntil.Equal(openUntil) {
		t.Fatalf("record = %+v", rec)
	}
}
