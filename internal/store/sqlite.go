package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the durable store: the audit log, the ledger, and a
// durable fallback for circuit/counter/sticky/instructions state when no
// shared cache (redis) is configured, or when the cache is unavailable
// and queries fall through per the guard's fail-through rule.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, applies
// WAL journaling, a busy timeout and foreign-key enforcement, and runs
// the embedded schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping verifies the database connection is alive, for the health endpoint.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- MessageRequestStore ---

func (s *SQLiteStore) Create(ctx context.Context, row *MessageRequestRow) error {
	chain, _ := json.Marshal(row.ProviderChain)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_requests (
			id, user_id, key_hash, provider_id, session_id, model, original_model,
			status_code, input_tokens, output_tokens, cache_creation_input_tokens,
			cache_read_input_tokens, duration_ms, cost_usd, cost_multiplier,
			package_cost_usd, balance_cost_usd, payment_source, error_message,
			provider_chain, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.ID, row.UserID, row.KeyHash, row.ProviderID, row.SessionID, row.Model, row.OriginalModel,
		row.StatusCode, row.InputTokens, row.OutputTokens, row.CacheCreationInputTokens,
		row.CacheReadInputTokens, row.DurationMs, row.CostUSD, row.CostMultiplier,
		row.PackageCostUSD, row.BalanceCostUSD, row.PaymentSource, row.ErrorMessage,
		string(chain), row.CreatedAt, row.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, row *MessageRequestRow) error {
	chain, _ := json.Marshal(row.ProviderChain)
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_requests SET
			provider_id=?, status_code=?, input_tokens=?, output_tokens=?,
			cache_creation_input_tokens=?, cache_read_input_tokens=?, duration_ms=?,
			cost_usd=?, package_cost_usd=?, balance_cost_usd=?, payment_source=?,
			error_message=?, provider_chain=?, updated_at=?
		WHERE id=?`,
		row.ProviderID, row.StatusCode, row.InputTokens, row.OutputTokens,
		row.CacheCreationInputTokens, row.CacheReadInputTokens, row.DurationMs,
		row.CostUSD, row.PackageCostUSD, row.BalanceCostUSD, row.PaymentSource,
		row.ErrorMessage, string(chain), row.UpdatedAt, row.ID,
	)
	return err
}

// MessageRequest reads one audit row back by id.
func (s *SQLiteStore) MessageRequest(ctx context.Context, id string) (*MessageRequestRow, error) {
	row := &MessageRequestRow{}
	var chain string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, key_hash, provider_id, session_id, model, original_model,
			status_code, input_tokens, output_tokens, cache_creation_input_tokens,
			cache_read_input_tokens, duration_ms, cost_usd, cost_multiplier,
			package_cost_usd, balance_cost_usd, payment_source, error_message,
			provider_chain, created_at, updated_at
		FROM message_requests WHERE id=?`, id,
	).Scan(&row.ID, &row.UserID, &row.KeyHash, &row.ProviderID, &row.SessionID, &row.Model, &row.OriginalModel,
		&row.StatusCode, &row.InputTokens, &row.OutputTokens, &row.CacheCreationInputTokens,
		&row.CacheReadInputTokens, &row.DurationMs, &row.CostUSD, &row.CostMultiplier,
		&row.PackageCostUSD, &row.BalanceCostUSD, &row.PaymentSource, &row.ErrorMessage,
		&chain, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(chain), &row.ProviderChain); err != nil {
		return nil, err
	}
	return row, nil
}

// --- BalanceLedger ---

func (s *SQLiteStore) Balance(ctx context.Context, userID string) (float64, error) {
	var bal float64
	err := s.db.QueryRowContext(ctx, `SELECT balance_usd FROM user_balances WHERE user_id=?`, userID).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return bal, err
}

// Debit performs the transactional read-for-update, non-negative check,
// ledger append and commit required for every balance write.
func (s *SQLiteStore) Debit(ctx context.Context, userID string, amount float64, note, messageRequestID string) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var before float64
	err = tx.QueryRowContext(ctx, `SELECT balance_usd FROM user_balances WHERE user_id=?`, userID).Scan(&before)
	if err == sql.ErrNoRows {
		before = 0
		if _, err := tx.ExecContext(ctx, `INSERT INTO user_balances (user_id, balance_usd) VALUES (?, 0)`, userID); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	after := before - amount
	if after < 0 {
		return 0, fmt.Errorf("store: debit would make balance negative (before=%.6f amount=%.6f)", before, amount)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE user_balances SET balance_usd=? WHERE user_id=?`, after, userID); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balance_transactions (id, user_id, amount, balance_before, balance_after, type, note, message_request_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		txID(), userID, -amount, before, after, "deduction", note, messageRequestID, now,
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return after, nil
}

// Credit adds amount to userID's balance and appends a recharge row, the
// ledger's write path for top-ups (admin-driven; the proxy core only
// debits).
func (s *SQLiteStore) Credit(ctx context.Context, userID string, amount float64, note string) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var before float64
	err = tx.QueryRowContext(ctx, `SELECT balance_usd FROM user_balances WHERE user_id=?`, userID).Scan(&before)
	if err == sql.ErrNoRows {
		before = 0
		if _, err := tx.ExecContext(ctx, `INSERT INTO user_balances (user_id, balance_usd) VALUES (?, 0)`, userID); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	after := before + amount
	if _, err := tx.ExecContext(ctx, `UPDATE user_balances SET balance_usd=? WHERE user_id=?`, after, userID); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balance_transactions (id, user_id, amount, balance_before, balance_after, type, note, message_request_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		txID(), userID, amount, before, after, "recharge", note, "", now,
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return after, nil
}

// LedgerRows returns a user's balance transactions, newest first, for
// tests and the operator surface.
func (s *SQLiteStore) LedgerRows(ctx context.Context, userID string) ([]BalanceTxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, balance_before, balance_after, type, note, message_request_id, created_at
		FROM balance_transactions WHERE user_id=? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BalanceTxRow
	for rows.Next() {
		var r BalanceTxRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.Amount, &r.BalanceBefore, &r.BalanceAfter, &r.Type, &r.Note, &r.MessageRequestID, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func txID() string {
	return fmt.Sprintf("tx_%d", time.Now().UnixNano())
}

// --- CircuitStore (durable fallback) ---

func (s *SQLiteStore) GetCircuit(ctx context.Context, providerID string) (*CircuitRecord, error) {
	rec := &CircuitRecord{State: "closed"}
	var lastFail, openUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT state, failure_count, last_failure_time, open_until, half_open_success_count
		FROM circuit_state WHERE provider_id=?`, providerID,
	).Scan(&rec.State, &rec.FailureCount, &lastFail, &openUntil, &rec.HalfOpenSuccessCount)
	if err == sql.ErrNoRows {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	rec.LastFailureTime = lastFail.Time
	rec.OpenUntil = openUntil.Time
	return rec, nil
}

// CompareAndSetCircuit swaps the record inside one transaction: the
// single-writer connection plus the transaction serialize concurrent
// swappers, so a stale prev is detected rather than overwritten.
func (s *SQLiteStore) CompareAndSetCircuit(ctx context.Context, providerID string, prev, next *CircuitRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	cur := &CircuitRecord{State: "closed"}
	var lastFail, openUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT state, failure_count, last_failure_time, open_until, half_open_success_count
		FROM circuit_state WHERE provider_id=?`, providerID,
	).Scan(&cur.State, &cur.FailureCount, &lastFail, &openUntil, &cur.HalfOpenSuccessCount)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	cur.LastFailureTime = lastFail.Time
	cur.OpenUntil = openUntil.Time

	if !cur.Equal(prev) {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO circuit_state (provider_id, state, failure_count, last_failure_time, open_until, half_open_success_count)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(provider_id) DO UPDATE SET
			state=excluded.state, failure_count=excluded.failure_count,
			last_failure_time=excluded.last_failure_time, open_until=excluded.open_until,
			half_open_success_count=excluded.half_open_success_count`,
		providerID, next.State, next.FailureCount, next.LastFailureTime, next.OpenUntil, next.HalfOpenSuccessCount,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) SetCircuit(ctx context.Context, providerID string, rec *CircuitRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_state (provider_id, state, failure_count, last_failure_time, open_until, half_open_success_count)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(provider_id) DO UPDATE SET
			state=excluded.state, failure_count=excluded.failure_count,
			last_failure_time=excluded.last_failure_time, open_until=excluded.open_until,
			half_open_success_count=excluded.half_open_success_count`,
		providerID, rec.State, rec.FailureCount, rec.LastFailureTime, rec.OpenUntil, rec.HalfOpenSuccessCount,
	)
	return err
}

// --- CounterStore (durable fallback) ---

func (s *SQLiteStore) IncrFixedWindow(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now()
	var value float64
	var expiresAt sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at FROM rate_counters WHERE counter_key=?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows || (expiresAt.Valid && now.After(expiresAt.Time)) {
		value = 0
		expiresAt = sql.NullTime{Time: now.Add(ttl), Valid: true}
	} else if err != nil {
		return 0, err
	}
	value += amount
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rate_counters (counter_key, value, expires_at) VALUES (?,?,?)
		ON CONFLICT(counter_key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, expiresAt.Time,
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return value, nil
}

func (s *SQLiteStore) GetFixedWindow(ctx context.Context, key string) (float64, error) {
	var value float64
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM rate_counters WHERE counter_key=?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		return 0, nil
	}
	return value, nil
}

func (s *SQLiteStore) AddRolling(ctx context.Context, key string, amount float64, now time.Time, window time.Duration) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := now.Add(-window)
	if _, err := tx.ExecContext(ctx, `DELETE FROM rolling_events WHERE counter_key=? AND at < ?`, key, cutoff); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO rolling_events (counter_key, at, amount) VALUES (?,?,?)`, key, now, amount); err != nil {
		return 0, err
	}
	var sum float64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM rolling_events WHERE counter_key=?`, key).Scan(&sum); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return sum, nil
}

func (s *SQLiteStore) SumRolling(ctx context.Context, key string, now time.Time, window time.Duration) (float64, error) {
	cutoff := now.Add(-window)
	var sum float64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM rolling_events WHERE counter_key=? AND at >= ?`, key, cutoff).Scan(&sum)
	return sum, err
}

func (s *SQLiteStore) CheckAndIncrConcurrency(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now()
	var value int
	var expiresAt sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at FROM concurrency_counters WHERE counter_key=?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows || (expiresAt.Valid && now.After(expiresAt.Time)) {
		value = 0
	} else if err != nil {
		return false, err
	}
	if value >= limit {
		return false, tx.Commit()
	}
	value++
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO concurrency_counters (counter_key, value, expires_at) VALUES (?,?,?)
		ON CONFLICT(counter_key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, now.Add(ttl),
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) DecrConcurrency(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE concurrency_counters SET value = MAX(value - 1, 0) WHERE counter_key=?`, key)
	return err
}

// --- StickyStore (durable fallback) ---

func (s *SQLiteStore) GetSticky(ctx context.Context, sessionID string) (string, bool, error) {
	var providerID string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT provider_id, expires_at FROM sticky_bindings WHERE session_id=?`, sessionID).Scan(&providerID, &expiresAt)
	if err == sql.ErrNoRows || (err == nil && time.Now().After(expiresAt)) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return providerID, true, nil
}

func (s *SQLiteStore) SetSticky(ctx context.Context, sessionID, providerID string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sticky_bindings (session_id, provider_id, expires_at) VALUES (?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET provider_id=excluded.provider_id, expires_at=excluded.expires_at`,
		sessionID, providerID, time.Now().Add(ttl),
	)
	return err
}

// --- InstructionsCache (durable fallback) ---

func (s *SQLiteStore) GetInstructions(ctx context.Context, providerID, model string) (string, bool, error) {
	var instr string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT instructions, expires_at FROM instructions_cache WHERE provider_id=? AND model=?`, providerID, model).Scan(&instr, &expiresAt)
	if err == sql.ErrNoRows || (err == nil && time.Now().After(expiresAt)) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return instr, true, nil
}

func (s *SQLiteStore) SetInstructions(ctx context.Context, providerID, model, instructions string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instructions_cache (provider_id, model, instructions, expires_at) VALUES (?,?,?,?)
		ON CONFLICT(provider_id, model) DO UPDATE SET instructions=excluded.instructions, expires_at=excluded.expires_at`,
		providerID, model, instructions, time.Now().Add(ttl),
	)
	return err
}

// PurgeOlderThan deletes message_requests rows past the retention
// window, for the periodic log purge.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_requests WHERE created_at < ?`, time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
