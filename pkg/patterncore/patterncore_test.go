package patterncore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/patterncore/intel/pkg/boundary"
	"github.com/patterncore/intel/pkg/pattern"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	dir := fmt.Sprintf("%s/patterncore-test-%d", os.TempDir(), time.Now().UnixNano())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	t.Setenv("PATTERNCORE_STORAGE_PATH", dir)
	core, err := Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		core.Close()
		os.RemoveAll(dir)
	})
	return core
}

func TestSolveFindsAndVerifiesMatch(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	p, err := core.Library.Create(ctx, pattern.Builder{
		Title:   "Rate limiting pattern",
		Content: "Use a token bucket algorithm to rate-limit incoming API requests per client.",
		Tags:    []string{"api", "throttling"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := core.Index.IndexPattern(ctx, p); err != nil {
		t.Fatalf("IndexPattern: %v", err)
	}

	verify := func(address string) (string, error) {
		return sha256Hex(p.Content), nil
	}

	sol, err := core.Solve(ctx, boundary.Problem{Description: "Use a token bucket algorithm to rate-limit incoming API requests per client."}, verify)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if sol.Recommendation != p.Content {
		t.Errorf("unexpected recommendation: %q", sol.Recommendation)
	}
	if sol.HashVerified == nil || !*sol.HashVerified {
		t.Error("expected hash_verified = true for matching hash")
	}
}

func TestSolveDegradesOnHashMismatch(t *testing.T) {
	core := newTestCore(t)
	ctx := context.Background()

	p, err := core.Library.Create(ctx, pattern.Builder{
		Title:   "Circuit breaker pattern",
		Content: "Wrap unreliable downstream calls with a circuit breaker to avoid cascading failures.",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := core.Index.IndexPattern(ctx, p); err != nil {
		t.Fatalf("IndexPattern: %v", err)
	}

	verify := func(address string) (string, error) {
		return "stale-hash-value", nil
	}

	sol, err := core.Solve(ctx, boundary.Problem{Description: "Wrap unreliable downstream calls with a circuit breaker to avoid cascading failures."}, verify)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if sol.HashVerified == nil || *sol.HashVerified {
		t.Error("expected hash_verified = false on mismatch")
	}
	if sol.Confidence >= 1.0 {
		t.Errorf("expected confidence to be damped on mismatch, got %v", sol.Confidence)
	}
}

func TestOpenFailsWhenFallbackEmbeddingDisabled(t *testing.T) {
	dir := fmt.Sprintf("%s/patterncore-test-%d", os.TempDir(), time.Now().UnixNano())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	defer os.RemoveAll(dir)
	t.Setenv("PATTERNCORE_STORAGE_PATH", dir)
	t.Setenv("PATTERNCORE_FALLBACK_EMBEDDING", "false")

	if _, err := Open(context.Background()); err == nil {
		t.Fatal("expected Open to fail with no real embedder configured and fallback disabled")
	}
}

func TestSolveNoMatchReturnsEmptySolution(t *testing.T) {
	core := newTestCore(t)
	sol, err := core.Solve(context.Background(), boundary.Problem{Description: "anything at all"}, nil)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if sol.Confidence != 0 {
		t.Errorf("expected 0 confidence with no patterns indexed, got %v", sol.Confidence)
	}
}
