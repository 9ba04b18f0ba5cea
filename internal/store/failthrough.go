package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// SharedState is the full shared-state surface a backing store must
// provide: circuit records, rate-limit counters, sticky bindings and the
// instructions cache. Both RedisStore and SQLiteStore implement it.
type SharedState interface {
	CircuitStore
	CounterStore
	StickyStore
	InstructionsCache
}

// FailThrough layers the shared cache (redis) over the durable store
// (sqlite) with a circuit breaker guarding the cache: when redis errors
// repeatedly the breaker opens and every operation goes straight to the
// durable store until the probe succeeds again, instead of paying a
// network timeout per request. Quota and safety checks therefore fail
// through, never open.
type FailThrough struct {
	primary  SharedState
	fallback SharedState
	cb       *gobreaker.CircuitBreaker
}

// NewFailThrough builds a FailThrough over primary (the shared cache)
// and fallback (the durable store). The breaker trips after five
// consecutive primary failures and probes again after ten seconds.
func NewFailThrough(primary, fallback SharedState) *FailThrough {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "shared-state",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("shared-state breaker transition", "from", from.String(), "to", to.String())
		},
	})
	return &FailThrough{primary: primary, fallback: fallback, cb: cb}
}

// do runs op against the primary under the breaker; on any primary
// failure (including an open breaker short-circuiting the call) it runs
// op against the fallback instead.
func (f *FailThrough) do(op func(s SharedState) (any, error)) (any, error) {
	v, err := f.cb.Execute(func() (any, error) { return op(f.primary) })
	if err == nil {
		return v, nil
	}
	if err != gobreaker.ErrOpenState && err != gobreaker.ErrTooManyRequests {
		slog.Warn("shared-state primary failed, falling through", "error", err)
	}
	return op(f.fallback)
}

// --- CircuitStore ---

func (f *FailThrough) GetCircuit(ctx context.Context, providerID string) (*CircuitRecord, error) {
	v, err := f.do(func(s SharedState) (any, error) { return s.GetCircuit(ctx, providerID) })
	if err != nil {
		return nil, err
	}
	return v.(*CircuitRecord), nil
}

func (f *FailThrough) CompareAndSetCircuit(ctx context.Context, providerID string, prev, next *CircuitRecord) (bool, error) {
	v, err := f.do(func(s SharedState) (any, error) { return s.CompareAndSetCircuit(ctx, providerID, prev, next) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (f *FailThrough) SetCircuit(ctx context.Context, providerID string, rec *CircuitRecord) error {
	_, err := f.do(func(s SharedState) (any, error) { return nil, s.SetCircuit(ctx, providerID, rec) })
	return err
}

// --- CounterStore ---

func (f *FailThrough) IncrFixedWindow(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	v, err := f.do(func(s SharedState) (any, error) { return s.IncrFixedWindow(ctx, key, amount, ttl) })
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (f *FailThrough) GetFixedWindow(ctx context.Context, key string) (float64, error) {
	v, err := f.do(func(s SharedState) (any, error) { return s.GetFixedWindow(ctx, key) })
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (f *FailThrough) AddRolling(ctx context.Context, key string, amount float64, now time.Time, window time.Duration) (float64, error) {
	v, err := f.do(func(s SharedState) (any, error) { return s.AddRolling(ctx, key, amount, now, window) })
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (f *FailThrough) SumRolling(ctx context.Context, key string, now time.Time, window time.Duration) (float64, error) {
	v, err := f.do(func(s SharedState) (any, error) { return s.SumRolling(ctx, key, now, window) })
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (f *FailThrough) CheckAndIncrConcurrency(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	v, err := f.do(func(s SharedState) (any, error) { return s.CheckAndIncrConcurrency(ctx, key, limit, ttl) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (f *FailThrough) DecrConcurrency(ctx context.Context, key string) error {
	_, err := f.do(func(s SharedState) (any, error) { return nil, s.DecrConcurrency(ctx, key) })
	return err
}

// --- StickyStore ---

type stringResult struct {
	value string
	ok    bool
}

func (f *FailThrough) GetSticky(ctx context.Context, sessionID string) (string, bool, error) {
	v, err := f.do(func(s SharedState) (any, error) {
		id, ok, err := s.GetSticky(ctx, sessionID)
		return stringResult{id, ok}, err
	})
	if err != nil {
		return "", false, err
	}
	r := v.(stringResult)
	return r.value, r.ok, nil
}

func (f *FailThrough) SetSticky(ctx context.Context, sessionID, providerID string, ttl time.Duration) error {
	_, err := f.do(func(s SharedState) (any, error) { return nil, s.SetSticky(ctx, sessionID, providerID, ttl) })
	return err
}

// --- InstructionsCache ---

func (f *FailThrough) GetInstructions(ctx context.Context, providerID, model string) (string, bool, error) {
	v, err := f.do(func(s SharedState) (any, error) {
		instr, ok, err := s.GetInstructions(ctx, providerID, model)
		return stringResult{instr, ok}, err
	})
	if err != nil {
		return "", false, err
	}
	r := v.(stringResult)
	return r.value, r.ok, nil
}

func (f *FailThrough) SetInstructions(ctx context.Context, providerID, model, instructions string, ttl time.Duration) error {
	_, err := f.do(func(s SharedState) (any, error) { return nil, s.SetInstructions(ctx, providerID, model, instructions, ttl) })
	return err
}
