// Package patternindex implements component F of the pattern intelligence
// core, the central component: it maintains the pattern-to-embedding
// mapping, runs semantic search, and applies context-aware ranking. Grounded
// on the teacher's DimensionAdapter / hybrid-search reaction to store events
// (pkg/core/doc.go, pkg/sqvect/sqvect.go), generalized to the spec's own
// ranking formula.
package patternindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patterncore/intel/pkg/boundary"
	"github.com/patterncore/intel/pkg/embedding"
	"github.com/patterncore/intel/pkg/errs"
	"github.com/patterncore/intel/pkg/pattern"
	"github.com/patterncore/intel/pkg/vectorstore"
)

// SearchK is the fixed candidate pool size pulled from the vector store
// before ranking, per spec.md §4.F.
const SearchK = 50

// DefaultThreshold is the relevance floor below which matches are dropped.
const DefaultThreshold = 0.50

const maxBoost = 0.25

// State is a pattern's position in the index's lifecycle state machine.
type State int

const (
	Unindexed State = iota
	Indexing
	Indexed
	Dirty
	Removed
)

func (s State) String() string {
	switch s {
	case Unindexed:
		return "unindexed"
	case Indexing:
		return "indexing"
	case Indexed:
		return "indexed"
	case Dirty:
		return "dirty"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// entry is the index's own bookkeeping for a pattern, separate from the
// Pattern Library's authoritative copy (spec.md §3: "Pattern Index holds
// non-owning references").
type entry struct {
	patternID  string
	domains    []string
	tags       []string
	lastUsed   time.Time
	usageCount int
	state      State
}

// RankContext carries the optional request-scoped signals the ranking
// formula consults; zero values default to neutral (no boost).
type RankContext struct {
	Domain      string
	Framework   string
	UserPrefs   map[string]float64 // pattern id -> preference in [0,1]
	ApplyDecay  bool
}

// Index is the Pattern Index's sole implementation.
type Index struct {
	mu        sync.RWMutex
	embedder  embedding.Embedder
	store     vectorstore.Store
	entries   map[string]*entry
	threshold float64
	memo      sync.Map // combined text -> []float32
}

// New constructs an Index over the given embedder and vector store.
func New(embedder embedding.Embedder, store vectorstore.Store) *Index {
	return &Index{
		embedder:  embedder,
		store:     store,
		entries:   make(map[string]*entry),
		threshold: DefaultThreshold,
	}
}

// WithThreshold overrides the default relevance floor.
func (idx *Index) WithThreshold(t float64) *Index {
	idx.threshold = t
	return idx
}

// IndexPattern builds a PatternDescription, embeds it (memoized by the
// combined text), and inserts it into the vector store under pattern.ID.
func (idx *Index) IndexPattern(ctx context.Context, p *pattern.Pattern) error {
	idx.setState(p.ID, Indexing)

	description := buildDescription(p)
	vec, err := idx.embedOrMemo(ctx, description)
	if err != nil {
		// Embedding failure leaves the pattern Unindexed (spec.md §4.F).
		idx.setState(p.ID, Unindexed)
		return errs.New("patternindex.index_pattern", errs.KindOf(err), err)
	}

	hash := sha256.Sum256([]byte(p.Content))
	meta := vectorstore.Metadata{
		"pattern_id":     p.ID,
		"hash_of_source": hex.EncodeToString(hash[:]),
	}
	if err := idx.store.Insert(ctx, p.ID, vec, meta); err != nil {
		return errs.New("patternindex.index_pattern", errs.KindOf(err), err)
	}

	idx.mu.Lock()
	idx.entries[p.ID] = &entry{
		patternID: p.ID,
		domains:   domainsOf(p),
		tags:      p.Tags,
		state:     Indexed,
	}
	idx.mu.Unlock()
	return nil
}

// MarkDirty transitions an indexed pattern to Dirty, as produced by the
// library's change event; callers re-run IndexPattern to clear it.
func (idx *Index) MarkDirty(patternID string) {
	idx.setState(patternID, Dirty)
}

// Remove transitions a pattern to Removed from any state and deletes its
// embedding from the vector store.
func (idx *Index) Remove(ctx context.Context, patternID string) error {
	idx.setState(patternID, Removed)
	return idx.store.Delete(ctx, patternID)
}

// RecordUsage bumps usage_count and last_used for the ranking formula's
// recency/usage boosts.
func (idx *Index) RecordUsage(patternID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if e, ok := idx.entries[patternID]; ok {
		e.usageCount++
		e.lastUsed = time.Now()
	}
}

func (idx *Index) setState(patternID string, s State) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[patternID]
	if !ok {
		e = &entry{patternID: patternID}
		idx.entries[patternID] = e
	}
	e.state = s
}

func (idx *Index) embedOrMemo(ctx context.Context, text string) ([]float32, error) {
	if v, ok := idx.memo.Load(text); ok {
		return v.([]float32), nil
	}
	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	idx.memo.Store(text, vec)
	return vec, nil
}

// SearchByIntent embeds query, retrieves the top-K candidates from the
// vector store, and ranks them against rankCtx.
func (idx *Index) SearchByIntent(ctx context.Context, query string, rankCtx RankContext) ([]boundary.PatternMatch, error) {
	vec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errs.New("patternindex.search_by_intent", errs.KindOf(err), err)
	}

	candidates, err := idx.store.Search(ctx, vec, SearchK)
	if err != nil {
		return nil, errs.New("patternindex.search_by_intent", errs.KindOf(err), err)
	}

	type scoredEntry struct {
		id         string
		relevance  float64
		usageCount int
		reasoning  string
	}
	scored := make([]scoredEntry, 0, len(candidates))

	idx.mu.RLock()
	for _, c := range candidates {
		e, ok := idx.entries[c.ID]
		if !ok || e.state == Removed || e.state == Unindexed {
			continue
		}
		base := clamp01(c.Score)
		boostBreak := computeBoost(e, rankCtx)
		boost := boostBreak.total
		if rankCtx.ApplyDecay && !e.lastUsed.IsZero() {
			days := time.Since(e.lastUsed).Hours() / 24
			boost *= math.Exp(-0.01 * days)
		}
		relevance := clamp01(base + boost)
		scored = append(scored, scoredEntry{
			id:         c.ID,
			relevance:  relevance,
			usageCount: e.usageCount,
			reasoning:  explain(relevance, boostBreak),
		})
	}
	idx.mu.RUnlock()

	filtered := scored[:0]
	for _, s := range scored {
		if s.relevance >= idx.threshold {
			filtered = append(filtered, s)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].relevance != filtered[j].relevance {
			return filtered[i].relevance > filtered[j].relevance
		}
		if filtered[i].usageCount != filtered[j].usageCount {
			return filtered[i].usageCount > filtered[j].usageCount
		}
		return filtered[i].id < filtered[j].id
	})

	out := make([]boundary.PatternMatch, len(filtered))
	for i, s := range filtered {
		out[i] = boundary.PatternMatch{PatternID: s.id, Relevance: s.relevance, Reasoning: s.reasoning}
	}
	return out, nil
}

type boostBreakdown struct {
	domain    float64
	framework float64
	recency   float64
	usage     float64
	pref      float64
	total     float64
	domainTag string
}

func computeBoost(e *entry, ctx RankContext) boostBreakdown {
	var b boostBreakdown

	if ctx.Domain != "" {
		for _, d := range e.domains {
			if strings.EqualFold(d, ctx.Domain) {
				b.domain = 0.15
				b.domainTag = d
				break
			}
			if strings.Contains(strings.ToLower(d), strings.ToLower(ctx.Domain)) ||
				strings.Contains(strings.ToLower(ctx.Domain), strings.ToLower(d)) {
				if b.domain < 0.08 {
					b.domain = 0.08
					b.domainTag = d
				}
			}
		}
	}

	if ctx.Framework != "" {
		fw := strings.ToLower(ctx.Framework)
		for _, t := range e.tags {
			if strings.Contains(strings.ToLower(t), fw) {
				b.framework = 0.10
				break
			}
		}
	}

	if !e.lastUsed.IsZero() {
		days := time.Since(e.lastUsed).Hours() / 24
		switch {
		case days <= 7:
			b.recency = 0.10
		case days <= 30:
			b.recency = 0.06
		case days <= 90:
			b.recency = 0.03
		}
	}

	switch {
	case e.usageCount >= 50:
		b.usage = 0.10
	case e.usageCount >= 20:
		b.usage = 0.07
	case e.usageCount >= 10:
		b.usage = 0.04
	}

	if ctx.UserPrefs != nil {
		if pref, ok := ctx.UserPrefs[e.patternID]; ok {
			b.pref = clamp(pref*0.15, 0, 0.15)
		}
	}

	b.total = math.Min(b.domain+b.framework+b.recency+b.usage+b.pref, maxBoost)
	return b
}

func explain(relevance float64, b boostBreakdown) string {
	level := "Weak match"
	switch {
	case relevance >= 0.85:
		level = "Strong match"
	case relevance >= 0.70:
		level = "Moderate match"
	case relevance >= DefaultThreshold:
		level = "Possible match"
	}

	type namedBoost struct {
		name  string
		value float64
		desc  string
	}
	boosts := []namedBoost{
		{"domain", b.domain, fmt.Sprintf("domain '%s'", b.domainTag)},
		{"framework", b.framework, "framework tag overlap"},
		{"recency", b.recency, "recent usage"},
		{"usage", b.usage, "high usage count"},
		{"preference", b.pref, "user preference"},
	}
	sort.SliceStable(boosts, func(i, j int) bool { return boosts[i].value > boosts[j].value })

	if boosts[0].value <= 0 {
		return fmt.Sprintf("%s: semantic similarity only", level)
	}
	return fmt.Sprintf("%s: %s", level, boosts[0].desc)
}

func buildDescription(p *pattern.Pattern) string {
	var sb strings.Builder
	sb.WriteString(p.Title)
	sb.WriteString("\n")
	sb.WriteString(p.Content)
	if len(p.Tags) > 0 {
		sb.WriteString("\n")
		sb.WriteString(strings.Join(p.Tags, ","))
	}
	if p.Metadata.Domain != "" {
		sb.WriteString("\ndomain:")
		sb.WriteString(p.Metadata.Domain)
	}
	return sb.String()
}

func domainsOf(p *pattern.Pattern) []string {
	var domains []string
	if p.Metadata.Domain != "" {
		domains = append(domains, p.Metadata.Domain)
	}
	return domains
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
