package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("knowledge-test-%d.db", time.Now().UnixNano()))
	store, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	})
	return store
}

func TestRecordAndQueryByType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Record(ctx, Discovery{
		Type:        BugPattern,
		Description: "nil pointer dereference in handler",
		Severity:    SeverityHigh,
		Domain:      "backend",
	}, "agent-1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	results, err := store.Query(ctx, Query{Type: BugPattern})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestQueryByDomainAndValidatedOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Record(ctx, Discovery{Type: BestPractice, Description: "use context everywhere", Domain: "backend"}, "agent-1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	unvalidated, err := store.Query(ctx, Query{Domain: "backend", ValidatedOnly: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(unvalidated) != 0 {
		t.Fatalf("expected 0 validated-only results before validation, got %d", len(unvalidated))
	}

	if err := store.Validate(ctx, rec.ID, "agent-2"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	validated, err := store.Query(ctx, Query{Domain: "backend", ValidatedOnly: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(validated) != 1 {
		t.Fatalf("expected 1 validated result, got %d", len(validated))
	}
	if validated[0].ReferenceCount != 1 {
		t.Errorf("expected reference_count 1 after validate, got %d", validated[0].ReferenceCount)
	}
}

func TestValidateNotFound(t *testing.T) {
	store := newTestStore(t)
	if err := store.Validate(context.Background(), "missing-id", "agent-1"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestDuplicateDetectionMerges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Record(ctx, Discovery{
		Type:         SecurityRisk,
		Description:  "SQL injection risk in query builder module",
		RelatedFiles: []string{"db/query.go"},
		Tags:         []string{"sql"},
	}, "agent-1")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	second, err := store.Record(ctx, Discovery{
		Type:         SecurityRisk,
		Description:  "SQL injection risk in query builder module",
		RelatedFiles: []string{"db/query.go"},
		Tags:         []string{"injection"},
	}, "agent-2")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected duplicate to merge into existing record %q, got new id %q", first.ID, second.ID)
	}
	if len(second.Tags) != 2 {
		t.Errorf("expected merged tags union, got %v", second.Tags)
	}
}

func TestQueryRankingOrdersValidatedFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lowSeverity, _ := store.Record(ctx, Discovery{Type: BugPattern, Description: "minor off-by-one in pagination helper", Severity: SeverityLow}, "agent-1")
	critical, _ := store.Record(ctx, Discovery{Type: BugPattern, Description: "remote code execution in plugin loader path", Severity: SeverityCritical}, "agent-1")
	store.Validate(ctx, lowSeverity.ID, "agent-2")

	results, err := store.Query(ctx, Query{Type: BugPattern})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// Validated low-severity (validation_boost 0.5) should outrank
	// unvalidated critical (severity_boost 0.4) per spec.md's formula.
	if results[0].ID != lowSeverity.ID {
		t.Errorf("expected validated record to rank first, got %q vs critical %q", results[0].ID, critical.ID)
	}
}

func TestQueryLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		store.Record(ctx, Discovery{Type: PerformanceInsight, Description: fmt.Sprintf("insight number %d about caching", i)}, "agent-1")
	}
	results, err := store.Query(ctx, Query{Type: PerformanceInsight, Limit: 3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results with limit, got %d", len(results))
	}
}
