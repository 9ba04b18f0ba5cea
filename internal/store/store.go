// Package store provides the gateway's durable persistence (sqlite) and
// shared-state (redis) layers, plus the in-process TTLMap hot cache that
// sits in front of both.
package store

import (
	"context"
	"time"
)

// MessageRequestRow is the audit row persisted for every proxied
// request. Fields are filled progressively as forwarding proceeds.
type MessageRequestRow struct {
	ID                       string
	UserID                   string
	KeyHash                  string
	ProviderID               string
	SessionID                string
	Model                    string
	OriginalModel            string
	StatusCode               int
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
	DurationMs               int64
	CostUSD                  float64
	CostMultiplier           float64
	PackageCostUSD           float64
	BalanceCostUSD           float64
	PaymentSource            string
	ErrorMessage             string
	ProviderChain            []ProviderChainItem
	CreatedAt                time.Time
	UpdatedAt                time.Time
	DeletedAt                *time.Time
}

// ProviderChainItem is one immutable step in the decision log attached
// to a message-request row.
type ProviderChainItem struct {
	ProviderID          string
	Reason              string
	Attempt             int
	CircuitState        string
	CircuitFailureCount int
	StatusCode          int
	ErrorCode           string
	ErrorDetail         string
}

// BalanceTxRow is one balance ledger entry.
type BalanceTxRow struct {
	ID              string
	UserID          string
	Amount          float64 // signed
	BalanceBefore   float64
	BalanceAfter    float64
	Type             string // recharge | deduction | refund | adjustment
	OperatorID       string
	OperatorName     string
	Note             string
	MessageRequestID string
	CreatedAt        time.Time
}

// MessageRequestStore is the external collaborator for audit-row writes.
type MessageRequestStore interface {
	Create(ctx context.Context, row *MessageRequestRow) error
	Update(ctx context.Context, row *MessageRequestRow) error
}

// BalanceLedger is the external collaborator for atomic balance debits.
// Implementations must make the read-check-write sequence transactional:
// read the current balance for update, verify non-negative after
// subtraction, append the ledger row, commit.
type BalanceLedger interface {
	// Debit atomically subtracts amount from userID's balance, appends a
	// BalanceTxRow, and returns the resulting balance. Returns an error
	// if the balance would go negative.
	Debit(ctx context.Context, userID string, amount float64, note, messageRequestID string) (balanceAfter float64, err error)
	// Balance returns the current balance for userID.
	Balance(ctx context.Context, userID string) (float64, error)
}

// CircuitRecord is the shared-store shape of a provider's circuit state.
type CircuitRecord struct {
	State                string // closed | open | half-open
	FailureCount         int
	LastFailureTime      time.Time
	OpenUntil            time.Time
	HalfOpenSuccessCount int
}

// Equal reports field-wise equality, comparing timestamps with
// time.Time.Equal so serialization round trips don't break the compare.
func (r *CircuitRecord) Equal(o *CircuitRecord) bool {
	return r.State == o.State &&
		r.FailureCount == o.FailureCount &&
		r.HalfOpenSuccessCount == o.HalfOpenSuccessCount &&
		r.LastFailureTime.Equal(o.LastFailureTime) &&
		r.OpenUntil.Equal(o.OpenUntil)
}

// CircuitStore is the shared-state collaborator backing the breaker.
// State transitions go through CompareAndSetCircuit so the app never
// performs a bare read-modify-write against shared circuit state.
type CircuitStore interface {
	GetCircuit(ctx context.Context, providerID string) (*CircuitRecord, error)
	// CompareAndSetCircuit atomically replaces providerID's record with
	// next only if the stored record still equals prev (an absent key
	// matches a fresh closed record). Returns false without writing when
	// another writer got there first.
	CompareAndSetCircuit(ctx context.Context, providerID string, prev, next *CircuitRecord) (bool, error)
	// SetCircuit writes unconditionally — the operator reset path.
	SetCircuit(ctx context.Context, providerID string, rec *CircuitRecord) error
}

// CounterStore is the shared-state collaborator for rate-limit counters:
// fixed-window scalar increments, the 5h rolling sum, and atomic
// concurrency check-and-add, all as server-side atomic operations so the
// app never performs a read-modify-write.
type CounterStore interface {
	// IncrFixedWindow atomically adds amount to the scalar counter keyed
	// by key, setting ttl only if the key did not previously exist
	// (first writer in the period establishes the window length), and
	// returns the resulting total.
	IncrFixedWindow(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error)
	// GetFixedWindow reads the current scalar counter value, 0 if absent.
	GetFixedWindow(ctx context.Context, key string) (float64, error)

	// AddRolling appends (now, amount) to the 5h rolling set keyed by
	// key, trims entries older than now-window, and returns the sum of
	// what remains.
	AddRolling(ctx context.Context, key string, amount float64, now time.Time, window time.Duration) (float64, error)
	// SumRolling returns the sum of the entries inside the window without
	// appending, for read-only checks.
	SumRolling(ctx context.Context, key string, now time.Time, window time.Duration) (float64, error)

	// CheckAndIncrConcurrency atomically increments the concurrency
	// counter keyed by key if and only if doing so would not exceed
	// limit, returning whether the increment was allowed.
	CheckAndIncrConcurrency(ctx context.Context, key string, limit int, ttl time.Duration) (allowed bool, err error)
	// DecrConcurrency releases a concurrency slot acquired above.
	DecrConcurrency(ctx context.Context, key string) error
}

// StickyStore is the shared-state collaborator for session→provider
// binding, with sliding TTL renewal.
type StickyStore interface {
	GetSticky(ctx context.Context, sessionID string) (providerID string, ok bool, err error)
	SetSticky(ctx context.Context, sessionID, providerID string, ttl time.Duration) error
}

// InstructionsCache caches a successful Codex instructions string keyed
// by (providerID, model), with a TTL, for the auto-repair path.
type InstructionsCache interface {
	GetInstructions(ctx context.Context, providerID, model string) (string, bool, error)
	SetInstructions(ctx context.Context, providerID, model, instructions string, ttl time.Duration) error
}
