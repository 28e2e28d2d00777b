// Package patterncore wires components A-J into the single embeddable
// facade a caller constructs once at startup, mirroring the teacher's
// pkg/sqvect.DB facade pattern (sqvect.go) but assembled from this module's
// own independent component packages rather than a single monolithic store.
package patterncore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/patterncore/intel/pkg/boundary"
	"github.com/patterncore/intel/pkg/claims"
	"github.com/patterncore/intel/pkg/config"
	"github.com/patterncore/intel/pkg/confidence"
	"github.com/patterncore/intel/pkg/corelog"
	"github.com/patterncore/intel/pkg/crossref"
	"github.com/patterncore/intel/pkg/embedding"
	"github.com/patterncore/intel/pkg/hashcache"
	"github.com/patterncore/intel/pkg/knowledge"
	"github.com/patterncore/intel/pkg/pattern"
	"github.com/patterncore/intel/pkg/patternindex"
	"github.com/patterncore/intel/pkg/vectorstore"
)

// Core bundles every component behind one constructed handle.
type Core struct {
	Config     config.Config
	Embedder   embedding.Embedder
	Vectors    *vectorstore.SQLiteStore
	Library    *pattern.Library
	Index      *patternindex.Index
	HashCache  *hashcache.Cache
	CrossRef   *crossref.Index
	Calibrator *confidence.Calibrator
	Scorer     *confidence.Scorer
	Knowledge  *knowledge.Store
	Claims     *claims.Engine
	Logger     corelog.Logger
}

// Open constructs every component, loading configuration from the
// environment and rooting durable files under cfg.StoragePathRoot.
func Open(ctx context.Context) (*Core, error) {
	cfg := config.Load()
	logger := corelog.NewStd(corelog.LevelInfo)

	vectors, err := vectorstore.Open(ctx, filepath.Join(cfg.StoragePathRoot, "vectors.db"),
		vectorstore.WithLogger(logger), vectorstore.WithDimension(embedding.Dimension))
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	calibrator, err := confidence.OpenCalibrator(ctx, filepath.Join(cfg.StoragePathRoot, "calibration.db"))
	if err != nil {
		return nil, fmt.Errorf("open calibrator: %w", err)
	}

	knowledgeStore, err := knowledge.Open(ctx, filepath.Join(cfg.StoragePathRoot, "knowledge.db"))
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}

	embedder, err := embedding.New(nil, cfg.FallbackEmbeddingEnabled)
	if err != nil {
		vectors.Close()
		calibrator.Close()
		knowledgeStore.Close()
		return nil, fmt.Errorf("resolve embedder: %w", err)
	}
	library := pattern.New()
	index := patternindex.New(embedder, vectors).WithThreshold(patternindex.DefaultThreshold)

	library.Subscribe(func(ev pattern.ChangeEvent) {
		switch ev.Kind {
		case pattern.Deleted:
			_ = index.Remove(context.Background(), ev.PatternID)
		default:
			index.MarkDirty(ev.PatternID)
		}
	})

	return &Core{
		Config:     cfg,
		Embedder:   embedder,
		Vectors:    vectors,
		Library:    library,
		Index:      index,
		HashCache:  hashcache.New(cfg.HashCacheTTL),
		CrossRef:   crossref.New(runtime.NumCPU(), crossref.WithLogger(logger)),
		Calibrator: calibrator,
		Scorer:     confidence.NewScorer(calibrator, cfg.ConfidenceThreshold),
		Knowledge:  knowledgeStore,
		Claims:     claims.NewEngine(claims.OSFileSystem{}, claims.OSCommandRunner{}),
		Logger:     logger,
	}, nil
}

// Close releases every durable handle.
func (c *Core) Close() error {
	var firstErr error
	if err := c.Vectors.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.Calibrator.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.Knowledge.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Solve runs the representative request flow from spec.md §2: search the
// Pattern Index for the best match, verify its content hash, and degrade
// gracefully (never fail the call) on a mismatch.
func (c *Core) Solve(ctx context.Context, p boundary.Problem, verify hashcache.VerifyFunc) (boundary.Solution, error) {
	domain := ""
	if len(p.DomainHints) > 0 {
		domain = p.DomainHints[0]
	}

	matches, err := c.Index.SearchByIntent(ctx, p.Description, patternindex.RankContext{Domain: domain})
	if err != nil {
		return boundary.Solution{}, err
	}
	if len(matches) == 0 {
		return boundary.Solution{
			Recommendation: "no matching pattern found",
			Confidence:     0,
			Reasoning:      []string{"no candidates above the relevance threshold"},
		}, nil
	}

	best := matches[0]
	c.Index.RecordUsage(best.PatternID)

	pat, err := c.Library.Get(ctx, best.PatternID)
	if err != nil {
		return boundary.Solution{}, err
	}

	sol := boundary.Solution{
		Recommendation: pat.Content,
		Confidence:     best.Relevance,
		Reasoning:      []string{best.Reasoning},
	}

	if verify != nil {
		hash := sha256Hex(pat.Content)
		result, err := c.HashCache.Verify(best.PatternID, hash, verify)
		verified := result == hashcache.Matched
		sol.ContentHash = hash
		sol.HashVerified = &verified
		now := time.Now()
		sol.VerifiedAt = &now
		if err != nil {
			// A verification failure degrades the solution rather than
			// failing the call (spec.md §7).
			sol.HashVerified = boolPtr(false)
			sol.Confidence *= 0.7
			sol.Reasoning = append(sol.Reasoning, "hash verification failed: "+err.Error())
		} else if !verified {
			sol.Confidence *= 0.7
			sol.Reasoning = append(sol.Reasoning, "content hash mismatch detected")
			c.CrossRef.NotifyDependents(ctx, best.PatternID, hash, hash)
		}
	}

	return sol, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func boolPtr(b bool) *bool { return &b }
