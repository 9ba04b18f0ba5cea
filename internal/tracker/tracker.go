// Package tracker implements the live session state read API: a
// process-local, sliding-TTL view of in-flight and recently finished
// sessions for the dashboard, separate from the durable message-request
// audit trail.
package tracker

import (
	"sync"
	"time"

	"github.com/llmgatewayhq/gateway/internal/store"
)

// State is the read-only snapshot exposed for one session.
type State struct {
	SessionID       string
	BoundProviderID string
	InputTokens     int
	OutputTokens    int
	CostUSD         float64
	LastStatus      int
	LastModel       string
	ProviderChain   []store.ProviderChainItem
	UpdatedAt       time.Time
}

// Tracker holds the live session map. Entries age out on a sliding TTL
// refreshed on every update, matching the session store's own lifecycle.
type Tracker struct {
	mu   sync.Mutex
	ttl  time.Duration
	byID map[string]*entry
}

type entry struct {
	state     State
	expiresAt time.Time
}

// New builds a Tracker with the given sliding TTL.
func New(ttl time.Duration) *Tracker {
	return &Tracker{ttl: ttl, byID: make(map[string]*entry)}
}

// Update merges fields into the session's live state and refreshes its
// TTL, the write path the response handler calls at finalization.
func (t *Tracker) Update(sessionID string, mutate func(*State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[sessionID]
	if !ok {
		e = &entry{state: State{SessionID: sessionID}}
		t.byID[sessionID] = e
	}
	mutate(&e.state)
	e.state.UpdatedAt = time.Now()
	e.expiresAt = time.Now().Add(t.ttl)
}

// Get returns the current live state for a session, if still tracked.
func (t *Tracker) Get(sessionID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[sessionID]
	if !ok || time.Now().After(e.expiresAt) {
		return State{}, false
	}
	return e.state, true
}

// RunCleanup periodically evicts expired sessions until stop is closed,
// like the transport manager's own RunCleanup janitor.
func (t *Tracker) RunCleanup(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.evictExpired()
		}
	}
}

func (t *Tracker) evictExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, e := range t.byID {
		if now.After(e.expiresAt) {
			delete(t.byID, id)
		}
	}
}
