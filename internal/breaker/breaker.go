// Package breaker implements the per-provider circuit breaker: a
// closed/open/half-open state machine shared across gateway replicas.
// Every transition is applied with an optimistic compare-and-swap
// against the shared store — the app never does a bare read-modify-write
// — and an in-process memo serves reads only.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llmgatewayhq/gateway/internal/store"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// casRetryLimit bounds how many times a transition re-reads and retries
// the swap when concurrent writers collide on the same provider.
const casRetryLimit = 16

// memoTTL is how long a record read from the shared store is served from
// the in-process memo before re-reading.
const memoTTL = 2 * time.Second

// Config is the per-provider circuit configuration.
type Config struct {
	FailureThreshold         int
	OpenDuration             time.Duration
	HalfOpenSuccessThreshold int
}

// Manager owns one breaker record per provider id, backed by a shared
// CircuitStore. It mirrors the sony/gobreaker state names and transition
// shape but keys on an open-ended provider id set rather than a fixed
// enum, and keeps the authoritative state in the shared store.
type Manager struct {
	shared store.CircuitStore
	memo   *store.TTLMap[store.CircuitRecord]
	mu     sync.Mutex

	defaultCfg Config
	configs    map[string]Config
}

// NewManager builds a Manager with the given default config, applied to
// any provider without a more specific entry in configs.
func NewManager(shared store.CircuitStore, defaultCfg Config) *Manager {
	return &Manager{
		shared:     shared,
		memo:       store.NewTTLMap[store.CircuitRecord](),
		defaultCfg: defaultCfg,
		configs:    make(map[string]Config),
	}
}

// Configure sets a provider-specific breaker config, overriding the
// manager default.
func (m *Manager) Configure(providerID string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[providerID] = cfg
}

func (m *Manager) configFor(providerID string) Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.configs[providerID]; ok {
		return c
	}
	return m.defaultCfg
}

// mutate re-reads the provider's record from the shared store, resolves
// the lazy open→half-open edge, applies fn (nil for a pure read), and
// compare-and-swaps the result in, retrying on contention so concurrent
// writers never lose an update. The memo is refreshed from whatever was
// read or written, never consulted for the swap itself.
func (m *Manager) mutate(ctx context.Context, providerID string, fn func(next *store.CircuitRecord, cfg Config)) (store.CircuitRecord, error) {
	cfg := m.configFor(providerID)
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		prev, err := m.shared.GetCircuit(ctx, providerID)
		if err != nil {
			return store.CircuitRecord{}, err
		}
		next := *prev
		resolveLazy(&next)
		if fn != nil {
			fn(&next, cfg)
		}
		if next.Equal(prev) {
			m.memo.Set(providerID, next, memoTTL)
			return next, nil
		}
		swapped, err := m.shared.CompareAndSetCircuit(ctx, providerID, prev, &next)
		if err != nil {
			return store.CircuitRecord{}, err
		}
		if swapped {
			m.memo.Set(providerID, next, memoTTL)
			return next, nil
		}
	}
	return store.CircuitRecord{}, fmt.Errorf("breaker: circuit update for %s kept losing the swap", providerID)
}

// resolveLazy implements "state(id) returns closed/open/half-open,
// computing the open-to-half-open transition lazily": if state == open
// and now >= openUntil, the record becomes half-open before anything
// else looks at it.
func resolveLazy(rec *store.CircuitRecord) {
	if rec.State == StateOpen && !time.Now().Before(rec.OpenUntil) {
		rec.State = StateHalfOpen
		rec.HalfOpenSuccessCount = 0
	}
}

// read serves State and FailureCount: the memo answers when fresh and no
// lazy transition is due; otherwise the record is re-read (and the lazy
// transition persisted) through mutate.
func (m *Manager) read(ctx context.Context, providerID string) (store.CircuitRecord, error) {
	if rec, ok := m.memo.Get(providerID); ok {
		if !(rec.State == StateOpen && !time.Now().Before(rec.OpenUntil)) {
			return rec, nil
		}
	}
	return m.mutate(ctx, providerID, nil)
}

// State returns the provider's current state.
func (m *Manager) State(ctx context.Context, providerID string) (string, error) {
	rec, err := m.read(ctx, providerID)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

// FailureCount returns the provider's current failure counter, used to
// annotate provider-chain entries for operator diagnostics.
func (m *Manager) FailureCount(ctx context.Context, providerID string) (int, error) {
	rec, err := m.read(ctx, providerID)
	if err != nil {
		return 0, err
	}
	return rec.FailureCount, nil
}

// RecordSuccess implements the closed/half-open/open success transitions.
func (m *Manager) RecordSuccess(ctx context.Context, providerID string) error {
	_, err := m.mutate(ctx, providerID, func(rec *store.CircuitRecord, cfg Config) {
		if rec.State != StateHalfOpen {
			return
		}
		rec.HalfOpenSuccessCount++
		if rec.HalfOpenSuccessCount >= cfg.HalfOpenSuccessThreshold {
			rec.State = StateClosed
			rec.FailureCount = 0
			rec.HalfOpenSuccessCount = 0
		}
	})
	return err
}

// RecordFailure implements the closed/half-open failure transitions.
// Network-level errors are excluded by the caller before reaching here;
// client cancellation is never counted and must not be passed to this
// method.
func (m *Manager) RecordFailure(ctx context.Context, providerID string) error {
	_, err := m.mutate(ctx, providerID, func(rec *store.CircuitRecord, cfg Config) {
		now := time.Now()
		switch rec.State {
		case StateClosed:
			rec.FailureCount++
			rec.LastFailureTime = now
			if rec.FailureCount >= cfg.FailureThreshold {
				rec.State = StateOpen
				rec.OpenUntil = now.Add(cfg.OpenDuration)
			}
		case StateHalfOpen:
			rec.State = StateOpen
			rec.OpenUntil = now.Add(cfg.OpenDuration)
			rec.LastFailureTime = now
			rec.HalfOpenSuccessCount = 0
		}
	})
	return err
}

// Reset clears counters and forces the provider back to closed — the
// manual operator action. Unconditional by design: the operator wins
// over any concurrent transition.
func (m *Manager) Reset(ctx context.Context, providerID string) error {
	rec := store.CircuitRecord{State: StateClosed}
	if err := m.shared.SetCircuit(ctx, providerID, &rec); err != nil {
		return err
	}
	m.memo.Set(providerID, rec, memoTTL)
	return nil
}
