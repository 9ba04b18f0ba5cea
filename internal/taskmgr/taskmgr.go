// Package taskmgr implements the design note's task lifecycle: named
// background work (stream metering, non-stream finalization) registered
// with a manager and cancelled as a unicast from the owning session's
// abort signal, rather than left to leak past response completion.
package taskmgr

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Manager tracks in-flight background tasks keyed by a generated id, so
// every task can be cancelled individually when its session aborts.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

// New builds an empty Manager.
func New() *Manager {
	return &Manager{tasks: make(map[string]context.CancelFunc)}
}

// Spawn runs fn in its own goroutine under a context derived from parent,
// registered under a fresh id. Cancel-on-abort is wired by the caller
// passing a parent ctx that is itself cancelled on client abort; Spawn
// additionally lets the manager cancel the task directly via Cancel.
// Cleanup is idempotent: the task unregisters itself exactly once,
// whether it finished naturally or was cancelled.
func (m *Manager) Spawn(parent context.Context, name string, fn func(ctx context.Context)) string {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	m.mu.Lock()
	m.tasks[id] = cancel
	m.mu.Unlock()

	go func() {
		defer m.unregister(id)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("task panicked", "task", name, "id", id, "recover", r)
			}
		}()
		fn(ctx)
	}()

	return id
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

// Cancel stops a specific task if it is still running. A no-op if the
// task has already finished and unregistered.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	cancel, ok := m.tasks[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Count reports the number of tasks currently tracked, for diagnostics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// CancelAll stops every tracked task, used at process shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.tasks {
		cancel()
		delete(m.tasks, id)
	}
}
