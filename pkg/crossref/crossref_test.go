package crossref

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNotifyDependentsDeliversToEachRegistered(t *testing.T) {
	idx := New(2)
	idx.Register("doc.1.1.1", "doc.2.1.1", "references")
	idx.Register("doc.1.1.1", "doc.3.1.1", "references")

	var mu sync.Mutex
	var notified []string
	for _, dep := range []string{"doc.2.1.1", "doc.3.1.1"} {
		dep := dep
		idx.Listen(dep, func(ctx context.Context, dependent, oldHash, newHash string) error {
			mu.Lock()
			notified = append(notified, dependent)
			mu.Unlock()
			return nil
		})
	}

	n := idx.NotifyDependents(context.Background(), "doc.1.1.1", "old", "new")
	if n != 2 {
		t.Fatalf("scheduled = %d, want 2", n)
	}
	if len(notified) != 2 {
		t.Fatalf("notified %d dependents, want 2", len(notified))
	}
}

func TestNotifyDependentsNoEdgesReturnsZero(t *testing.T) {
	idx := New(2)
	if n := idx.NotifyDependents(context.Background(), "nobody", "a", "b"); n != 0 {
		t.Errorf("expected 0 scheduled, got %d", n)
	}
}

func TestRippleVisitedSetPreventsReNotification(t *testing.T) {
	idx := New(2)
	idx.Register("a", "b", "rel")
	idx.Register("b", "a", "rel") // cycle back to the source

	var mu sync.Mutex
	calls := map[string]int{}
	idx.Listen("b", func(ctx context.Context, dependent, oldHash, newHash string) error {
		mu.Lock()
		calls[dependent]++
		mu.Unlock()
		return nil
	})
	idx.Listen("a", func(ctx context.Context, dependent, oldHash, newHash string) error {
		mu.Lock()
		calls[dependent]++
		mu.Unlock()
		return nil
	})

	idx.NotifyDependents(context.Background(), "a", "old", "new")

	mu.Lock()
	defer mu.Unlock()
	if calls["a"] != 0 {
		t.Errorf("source must not notify itself within one ripple, got %d calls", calls["a"])
	}
	if calls["b"] != 1 {
		t.Errorf("expected b notified exactly once, got %d", calls["b"])
	}
}

func TestUnregisterRemovesEdge(t *testing.T) {
	idx := New(2)
	idx.Register("a", "b", "rel")
	idx.Unregister("a", "b")
	if n := idx.NotifyDependents(context.Background(), "a", "old", "new"); n != 0 {
		t.Errorf("expected 0 scheduled after unregister, got %d", n)
	}
}

func TestDeliverRetriesOnTransientFailure(t *testing.T) {
	idx := New(1)
	idx.Register("a", "b", "rel")

	var attempts int
	var mu sync.Mutex
	idx.Listen("b", func(ctx context.Context, dependent, oldHash, newHash string) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return fmt.Errorf("transient failure")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	idx.NotifyDependents(ctx, "a", "old", "new")

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts, got %d", attempts)
	}
}
