package patternindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/patterncore/intel/pkg/embedding"
	"github.com/patterncore/intel/pkg/pattern"
	"github.com/patterncore/intel/pkg/vectorstore"
)

func newTestIndex(t *testing.T) (*Index, *pattern.Library) {
	t.Helper()
	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("patternindex-test-%d.db", time.Now().UnixNano()))
	store, err := vectorstore.Open(context.Background(), dbPath, vectorstore.WithDimension(embedding.Dimension))
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	})

	embedder := embedding.NewHashProjectionEmbedder()
	idx := New(embedder, store)
	lib := pattern.New()
	return idx, lib
}

func mustCreate(t *testing.T, lib *pattern.Library, title, content string, tags []string, domain string) *pattern.Pattern {
	t.Helper()
	p, err := lib.Create(context.Background(), pattern.Builder{
		Title:    title,
		Content:  content,
		Tags:     tags,
		Metadata: pattern.Metadata{Domain: domain},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func TestIndexAndSearchFindsExactMatch(t *testing.T) {
	idx, lib := newTestIndex(t)
	ctx := context.Background()

	p := mustCreate(t, lib, "OAuth2 login flow", "Implement OAuth2 authorization code flow with PKCE for secure login.", []string{"oauth2", "security"}, "authentication")
	if err := idx.IndexPattern(ctx, p); err != nil {
		t.Fatalf("IndexPattern: %v", err)
	}

	matches, err := idx.SearchByIntent(ctx, "Implement OAuth2 authorization code flow with PKCE for secure login.", RankContext{})
	if err != nil {
		t.Fatalf("SearchByIntent: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one match")
	}
	if matches[0].PatternID != p.ID {
		t.Errorf("expected top match %q, got %q", p.ID, matches[0].PatternID)
	}
	if matches[0].Relevance < DefaultThreshold {
		t.Errorf("relevance %v below threshold", matches[0].Relevance)
	}
}

func TestSearchOmitsUnindexedPatterns(t *testing.T) {
	idx, lib := newTestIndex(t)
	ctx := context.Background()

	mustCreate(t, lib, "Never indexed", "This pattern is created but never passed to IndexPattern at all.", nil, "")

	matches, err := idx.SearchByIntent(ctx, "Never indexed", RankContext{})
	if err != nil {
		t.Fatalf("SearchByIntent: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches for unindexed pattern, got %d", len(matches))
	}
}

func TestRemoveTransitionsToRemoved(t *testing.T) {
	idx, lib := newTestIndex(t)
	ctx := context.Background()

	p := mustCreate(t, lib, "Removable pattern", "Content long enough to pass the minimum length validation check.", nil, "")
	if err := idx.IndexPattern(ctx, p); err != nil {
		t.Fatalf("IndexPattern: %v", err)
	}
	if err := idx.Remove(ctx, p.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	matches, err := idx.SearchByIntent(ctx, "Content long enough to pass the minimum length validation check.", RankContext{})
	if err != nil {
		t.Fatalf("SearchByIntent: %v", err)
	}
	for _, m := range matches {
		if m.PatternID == p.ID {
			t.Fatal("removed pattern must not appear in search results")
		}
	}
}

func TestComputeBoostDomainAndFramework(t *testing.T) {
	e := &entry{domains: []string{"authentication"}, tags: []string{"react", "oauth2"}}
	b := computeBoost(e, RankContext{Domain: "authentication", Framework: "react"})
	if b.domain != 0.15 {
		t.Errorf("domain boost = %v, want 0.15", b.domain)
	}
	if b.framework != 0.10 {
		t.Errorf("framework boost = %v, want 0.10", b.framework)
	}
	if b.total > maxBoost {
		t.Errorf("total boost %v exceeds cap %v", b.total, maxBoost)
	}
}

func TestComputeBoostUsageAndRecency(t *testing.T) {
	e := &entry{usageCount: 60, lastUsed: time.Now().Add(-2 * 24 * time.Hour)}
	b := computeBoost(e, RankContext{})
	if b.usage != 0.10 {
		t.Errorf("usage boost = %v, want 0.10", b.usage)
	}
	if b.recency != 0.10 {
		t.Errorf("recency boost = %v, want 0.10", b.recency)
	}
}

func TestComputeBoostPreferenceClamped(t *testing.T) {
	e := &entry{patternID: "p1"}
	b := computeBoost(e, RankContext{UserPrefs: map[string]float64{"p1": 5.0}})
	if b.pref != 0.15 {
		t.Errorf("preference boost = %v, want clamped 0.15", b.pref)
	}
}

func TestResultsSortedByRelevanceThenUsageThenID(t *testing.T) {
	idx, lib := newTestIndex(t)
	ctx := context.Background()

	p1 := mustCreate(t, lib, "Pattern B", "A generic caching strategy pattern for read-heavy workloads today.", nil, "")
	p2 := mustCreate(t, lib, "Pattern A", "A generic caching strategy pattern for read-heavy workloads today.", nil, "")
	idx.IndexPattern(ctx, p1)
	idx.IndexPattern(ctx, p2)

	matches, err := idx.SearchByIntent(ctx, "A generic caching strategy pattern for read-heavy workloads today.", RankContext{})
	if err != nil {
		t.Fatalf("SearchByIntent: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	// Identical content and usage_count ties break ascending by id.
	if matches[0].Relevance == matches[1].Relevance && matches[0].PatternID > matches[1].PatternID {
		t.Errorf("expected ascending id tie-break, got %q before %q", matches[0].PatternID, matches[1].PatternID)
	}
}
