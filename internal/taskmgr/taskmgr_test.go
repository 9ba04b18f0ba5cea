package taskmgr

import (
	"context"
	"testing"
	"time"
)

func TestSpawnRunsAndUnregisters(t *testing.T) {
	m := New()
	done := make(chan struct{})

	m.Spawn(context.Background(), "quick", func(ctx context.Context) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}

	deadline := time.Now().Add(time.Second)
	for m.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("task never unregistered, count = %d", m.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelStopsTask(t *testing.T) {
	m := New()
	cancelled := make(chan struct{})

	id := m.Spawn(context.Background(), "long", func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	m.Cancel(id)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancel did not reach the task")
	}
}

func TestCancelAllStopsEverything(t *testing.T) {
	m := New()
	const n = 4
	stopped := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		m.Spawn(context.Background(), "worker", func(ctx context.Context) {
			<-ctx.Done()
			stopped <- struct{}{}
		})
	}
	m.CancelAll()

	for i := 0; i < n; i++ {
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d tasks stopped", i, n)
		}
	}
}

func TestPanicInTaskIsContained(t *testing.T) {
	m := New()
	m.Spawn(context.Background(), "panicky", func(ctx context.Context) {
		panic("boom")
	})

	deadline := time.Now().Add(time.Second)
	for m.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("panicked task never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
